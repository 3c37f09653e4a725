// Package persistence implements the storage engine and the persistence
// manager over an embedded SQLite/WAL database. Pooling
// is modeled as a bounded semaphore guarding a single *sql.DB, mirroring the
// teacher's DSN construction and PRAGMA sequencing in
// internal/persistence/store.go, generalized to a true FIFO bounded-timeout
// acquire and a Transaction/Retry execution-mode split.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apm-auto/coordinator/internal/eventbus"
)

// PoolConfig configures the storage engine's connection pool.
type PoolConfig struct {
	// Size is the number of logical connections in the FIFO pool. Default 5.
	Size int
	// AcquireTimeout bounds how long Acquire waits for a free slot. Default 5s.
	AcquireTimeout time.Duration
	// MaxRetries bounds the Retry execution mode. Default 3.
	MaxRetries int
	// RetryBaseDelay is the base of the exponential backoff (base * 2^attempt). Default 50ms.
	RetryBaseDelay time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	return c
}

// Store is the storage engine: a single *sql.DB guarded by a bounded FIFO
// semaphore, plus the persistence manager's CRUD surface built on top.
type Store struct {
	db     *sql.DB
	slots  chan struct{}
	cfg    PoolConfig
	logger *slog.Logger
	bus    *eventbus.Bus
}

// DefaultDBPath returns the default SQLite file location under homeDir,
// matching the "./.apm-auto/state.db" convention relative to a
// given base directory.
func DefaultDBPath(homeDir string) string {
	return homeDir + "/state.db"
}

// Open creates (or opens) the SQLite database at path, applies startup
// PRAGMAs outside any transaction, runs schema migration, and returns a
// ready Store. Connections are modeled as a channel-backed semaphore of
// cfg.Size slots so Acquire can honor a true FIFO bounded-time wait even
// though database/sql itself multiplexes one physical handle underneath —
// SQLite serializes writers regardless, so this reproduces the pool
// contract a crash-safe embedded store needs.
func Open(path string, cfg PoolConfig, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}

	s := &Store{
		db:     db,
		slots:  make(chan struct{}, cfg.Size),
		cfg:    cfg,
		logger: logger,
	}
	for i := 0; i < cfg.Size; i++ {
		s.slots <- struct{}{}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// configurePragmas runs the startup PRAGMAs directly against *sql.DB before
// any BEGIN.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA cache_size = -64000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for collaborators that need it directly
// (doctor's health check, audit's table writes).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// acquire blocks for a free pool slot up to cfg.AcquireTimeout, returning
// ErrConnectionTimeout on expiry. release must be called on every exit path.
func (s *Store) acquire(ctx context.Context) (release func(), err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	select {
	case <-s.slots:
		return func() { s.slots <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ErrConnectionTimeout
	}
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction acquired from the
// pool, committing on success and rolling back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	if err != nil {
		err = classifyErr(err)
	}
	return err
}

// withRetry executes fn up to cfg.MaxRetries times with exponential
// backoff (base * 2^attempt, plus jitter), skipping retry entirely for
// constraint violations. Each attempt acquires its own pooled connection
// and transaction.
func (s *Store) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err := s.withTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isConstraintViolation(err) || errIsConnectionTimeout(err) {
			return err
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}
		delay := s.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(delay) / 2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func errIsConnectionTimeout(err error) bool {
	return err == ErrConnectionTimeout
}

func isConstraintViolation(err error) bool {
	_, ok := err.(*ConstraintViolationError)
	return ok
}

// classifyErr recognises constraint-violation driver messages (never
// retried) and wraps everything else as transient, matching the
// ConstraintViolation/StorageTransient split.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique"):
		return &ConstraintViolationError{Kind: "unique", Err: err}
	case strings.Contains(msg, "foreign key"):
		return &ConstraintViolationError{Kind: "foreign_key", Err: err}
	case strings.Contains(msg, "check constraint"):
		return &ConstraintViolationError{Kind: "check", Err: err}
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"):
		return &StorageTransientError{Err: err}
	default:
		return &StorageTransientError{Err: err}
	}
}
