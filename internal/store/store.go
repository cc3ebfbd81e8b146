// Package store persists events, baselines, alerts, poll snapshots and
// metric samples in DuckDB.
//
// All timestamps are stored as Unix milliseconds. Reads may run
// concurrently; writes are serialized through the store's writer lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/nodescope/internal/logging"
)

var log = logging.Component("store")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// DSN is the database path. Empty opens an in-memory database.
	DSN string

	// ArchiveDir holds Parquet files of archived events. Empty disables
	// archiving.
	ArchiveDir string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns: 8,
		QueryTimeout: 30 * time.Second,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config

	// wmu serializes writers. DuckDB allows one writer at a time per table
	// and reports conflicts instead of waiting.
	wmu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New opens the database and applies migrations.
func New(cfg Config) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultConfig().MaxOpenConns
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, config: cfg}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "dsn", displayDSN(cfg.DSN), "archive_dir", cfg.ArchiveDir)
	return s, nil
}

func displayDSN(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	return dsn
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// write runs fn under the writer lock.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.TransactionContext(ctx, fn)
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Helpers
// =============================================================================

func toMs(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMs(ms.Int64)
	return &t
}

// placeholders returns "(?, ?, ?), (?, ?, ?)" for rows x cols.
func placeholders(rows, cols int) string {
	row := "(" + repeatJoin("?", cols, ", ") + ")"
	return repeatJoin(row, rows, ", ")
}

func repeatJoin(s string, n int, sep string) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*(len(s)+len(sep)))
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, sep...)
		}
		b = append(b, s...)
	}
	return string(b)
}
