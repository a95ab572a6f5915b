// Package storage is the SQLite persistence service behind
// DATA_BACKEND=sqlite. It implements remote.Service with handwritten SQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cointracer/internal/auth"
	"cointracer/internal/cache"
	"cointracer/internal/core"
	"cointracer/internal/log"
	"cointracer/internal/remote"
)

const (
	DefaultSessionTTL        = 24 * time.Hour
	DefaultSessionCacheTTL   = 5 * time.Minute
	DefaultSessionCacheSize  = 1024
	DefaultMinPasswordLength = 6
)

var _ remote.Service = (*Service)(nil)

type Options struct {
	SessionTTL        time.Duration
	SessionCacheTTL   time.Duration
	SessionCacheSize  int
	MinPasswordLength int
	Seed              []string
	LoginAttempts     int // per email and minute
	Hasher            auth.Hasher
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.SessionCacheTTL <= 0 {
		o.SessionCacheTTL = DefaultSessionCacheTTL
	}
	if o.SessionCacheSize <= 0 {
		o.SessionCacheSize = DefaultSessionCacheSize
	}
	if o.MinPasswordLength <= 0 {
		o.MinPasswordLength = DefaultMinPasswordLength
	}
	if o.Hasher == nil {
		o.Hasher = auth.NewArgon2()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Service struct {
	db       *sql.DB
	opts     Options
	seed     []string
	sessions *cache.LRUCache[remote.Credentials]
	attempts *auth.Limiter
	logger   *log.Logger
}

// DSN builds the connection string for dbPath with foreign keys enforced.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open creates the database directory if needed, migrates the schema and
// returns the service.
func Open(ctx context.Context, dbPath string, opts Options, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentStorage)
	opts.defaults()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := DSN(dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; transactions hold the only connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.InfoContext(ctx, "SQLite database ready", "path", dbPath, "schema_version", version)

	return &Service{
		db:       db,
		opts:     opts,
		seed:     remote.UniqueNames(opts.Seed),
		sessions: cache.NewLRUCache[remote.Credentials](opts.SessionCacheSize, opts.SessionCacheTTL, cache.WithClock(opts.Now)),
		attempts: auth.NewLimiter(opts.LoginAttempts, auth.DefaultAttemptWindow, opts.Now),
		logger:   logger,
	}, nil
}

func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SessionCache exposes the token lookup cache for periodic cleanup.
func (s *Service) SessionCache() cache.Cleaner {
	return s.sessions
}

// LoginLimiter exposes the per-email attempt counters for periodic cleanup.
func (s *Service) LoginLimiter() cache.Cleaner {
	return s.attempts
}

// PurgeExpiredSessions deletes session rows past their expiry.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.opts.Now().UnixNano())
	if err != nil {
		return 0, dbFailure("purge sessions", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.InfoContext(ctx, "Expired sessions purged", log.FieldCount, n)
	}
	return n, nil
}

func (s *Service) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbFailure(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbFailure(op, err)
	}
	return nil
}

// dbFailure classifies a driver error. Constraint violations are left to the
// caller; everything else is reported as a network failure of op.
func dbFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *core.Error
	if errors.As(err, &de) {
		return err
	}
	return core.NetworkFailure(op, err)
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error, column string) bool {
	code := sqliteCode(err)
	unique := code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
	return unique && (column == "" || strings.Contains(err.Error(), column))
}

func isForeignKeyViolation(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
