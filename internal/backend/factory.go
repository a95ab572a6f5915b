package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cointracer/internal/amqp"
	"cointracer/internal/cache"
	"cointracer/internal/log"
	"cointracer/internal/remote"
	"cointracer/internal/remote/memory"
	gsheet "cointracer/internal/sheets/google"
	memsheet "cointracer/internal/sheets/memory"
	"cointracer/internal/storage"
)

const purgeTimeout = 5 * time.Second

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		res *BackendResult
		err error
	)
	switch config.Type {
	case SQLiteBackend:
		res, err = f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		res, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	res.Service = remote.WithTimeout(res.Service, config.RemoteTimeout)
	return res, nil
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	svc, err := storage.Open(ctx, config.SQLiteDBPath, storage.Options{
		SessionTTL:        config.SessionTTL,
		SessionCacheTTL:   config.SessionCacheTTL,
		SessionCacheSize:  config.SessionCacheSize,
		MinPasswordLength: config.MinPasswordLength,
		Seed:              remote.LoadSeed(config.SeedDir),
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite backend: %w", err)
	}

	caches := cache.NewManager(f.logger)
	caches.Register("sessions", svc.SessionCache())
	caches.Register("session_rows", sessionPurger{svc: svc, logger: f.logger})
	caches.Register("login_attempts", svc.LoginLimiter())

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{
		Service: svc,
		Caches:  caches,
		Cleanup: func() error {
			caches.Stop()
			return svc.Close()
		},
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	opts := []memory.Option{memory.WithMinPasswordLength(config.MinPasswordLength)}
	if config.SessionTTL > 0 {
		opts = append(opts, memory.WithTTL(config.SessionTTL))
	}
	svc := memory.NewFromFiles(config.SeedDir, opts...)

	f.logger.Info("Initialized memory backend", "seed_directory", config.SeedDir)

	caches := cache.NewManager(f.logger)
	return &BackendResult{
		Service: svc,
		Caches:  caches,
		Cleanup: func() error {
			caches.Stop()
			return nil
		},
	}, nil
}

// CreateExporter implements Factory.CreateExporter. Without a spreadsheet the
// in-memory exporter is used.
func (f *DefaultFactory) CreateExporter(ctx context.Context, config Config) (*ExportResult, error) {
	caches := cache.NewManager(f.logger)
	cleanup := func() error {
		caches.Stop()
		return nil
	}

	if !config.ExportEnabled() {
		f.logger.Warn("No spreadsheet configured, exporting to memory")
		return &ExportResult{Exporter: memsheet.New(), Caches: caches, Cleanup: cleanup}, nil
	}

	cli, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:      config.GoogleSpreadsheetID,
		ExpensesSheet:      config.GoogleSheetName,
		BudgetsSheet:       config.GoogleBudgetSheetName,
		ServiceAccountJSON: config.GoogleServiceAccountJSON,
		ServiceAccountFile: config.GoogleServiceAccountFile,
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	caches.Register("sheet_rows", cli.RowCache())

	f.logger.Info("Initialized Google Sheets exporter", "spreadsheet_id", config.GoogleSpreadsheetID)
	return &ExportResult{Exporter: cli, Caches: caches, Cleanup: cleanup}, nil
}

// CreateForwarder implements Factory.CreateForwarder. A failed connection is
// logged and the application continues without forwarding.
func (f *DefaultFactory) CreateForwarder(ctx context.Context, config Config) (*ForwarderResult, error) {
	if config.AMQPURL == "" {
		return &ForwarderResult{Cleanup: func() error { return nil }}, nil
	}

	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without forwarding", log.FieldError, err)
		return &ForwarderResult{Cleanup: func() error { return nil }}, nil
	}

	f.logger.InfoContext(ctx, "Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)

	return &ForwarderResult{
		Forwarder: amqp.NewForwarder(client, f.logger),
		Cleanup:   client.Close,
	}, nil
}

// NewConsumer connects the AMQP client the export worker reads from.
func NewConsumer(config Config, logger *log.Logger) (*amqp.Client, error) {
	if config.AMQPURL == "" {
		return nil, errors.New("AMQP_URL is required for the export worker")
	}
	return amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, logger)
}

// sessionPurger lets the cache manager delete expired session rows.
type sessionPurger struct {
	svc    *storage.Service
	logger *log.Logger
}

func (p sessionPurger) CleanExpired() int {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	n, err := p.svc.PurgeExpiredSessions(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "Session purge failed", log.FieldError, err)
		return 0
	}
	return int(n)
}
