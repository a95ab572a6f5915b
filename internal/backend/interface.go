package backend

import (
	"context"
	"time"

	"cointracer/internal/cache"
	"cointracer/internal/remote"
	"cointracer/internal/sheets"
	"cointracer/internal/tracker"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the persistence service and its cleanup function.
type BackendResult struct {
	Service remote.Service
	// Caches holds the caches owned by the backend. Callers may start
	// periodic cleanup on it; Cleanup stops it.
	Caches  *cache.Manager
	Cleanup CleanupFunc
}

// ExportResult contains the spreadsheet exporter and its caches.
type ExportResult struct {
	Exporter sheets.Exporter
	Caches   *cache.Manager
	Cleanup  CleanupFunc
}

// ForwarderResult contains the change forwarder, nil when AMQP is disabled.
type ForwarderResult struct {
	Forwarder tracker.Forwarder
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates the persistence service selected by config.
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
	// CreateExporter creates the spreadsheet exporter used by the worker.
	CreateExporter(ctx context.Context, config Config) (*ExportResult, error)
	// CreateForwarder connects the change publisher when AMQP is configured.
	CreateForwarder(ctx context.Context, config Config) (*ForwarderResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Shared by both backends
	SeedDir           string
	SessionTTL        time.Duration
	SessionCacheTTL   time.Duration
	SessionCacheSize  int
	MinPasswordLength int
	RemoteTimeout     time.Duration

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleBudgetSheetName    string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
