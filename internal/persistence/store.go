package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	schemaVersionV1  = 1
	schemaChecksumV1 = "taskd-v1-2026-09-tasks-events-agents"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

type Options struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	// DSN is a database file path for sqlite3 or a connection URL for pgx.
	DSN string
}

// Store is the durable source of truth for tasks, task events and persisted
// agent definitions. All task mutations go through ApplyPatch.
type Store struct {
	db     *sql.DB
	driver string
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if opts.DSN == "" {
			return nil, errors.New("sqlite3 dsn is required")
		}
		if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn := opts.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_foreign_keys=on"
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	store := &Store{db: db, driver: driver}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres. Queries in this package
// never carry a literal question mark.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// now returns the UTC wall clock at microsecond precision so values survive
// a round trip through both drivers unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports SQLite BUSY (5) or LOCKED (6), including errors that
// were flattened to strings by a wrapping layer.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return nil
	}
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT checksum FROM schema_migrations WHERE version = ?;`), schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range s.schemaStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`),
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) schemaStatements() []string {
	ts, seq, boolean := "TIMESTAMP", "seq INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if s.driver == DriverPostgres {
		ts, seq, boolean = "TIMESTAMPTZ", "seq BIGSERIAL PRIMARY KEY", "BOOLEAN"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'done', 'error')),
			source TEXT NOT NULL,
			payload TEXT NOT NULL,
			result TEXT,
			error TEXT,
			correlation_id TEXT,
			trace_id TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			agent_id TEXT,
			agent_slug TEXT,
			agent_display_name TEXT,
			agent_channel TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks (updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_correlation ON tasks (correlation_id);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			` + seq + `,
			id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			ts ` + ts + ` NOT NULL,
			actor TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('created', 'agent_assigned', 'status_change', 'result', 'error', 'dispatch_ack', 'log')),
			data TEXT,
			correlation_id TEXT,
			trace_id TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id, ts);`,
		`CREATE TABLE IF NOT EXISTS agents (
			slug TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			channel TEXT NOT NULL,
			mode TEXT NOT NULL CHECK (mode IN ('inline', 'dispatch')),
			task_types TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT 'POST',
			headers TEXT,
			basic_user_env TEXT NOT NULL DEFAULT '',
			basic_pass_env TEXT NOT NULL DEFAULT '',
			bearer_env TEXT NOT NULL DEFAULT '',
			forward_task ` + boolean + ` NOT NULL,
			static_body TEXT,
			expect_json ` + boolean + ` NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			payload_schema TEXT,
			enabled ` + boolean + ` NOT NULL,
			metadata TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
	}
}
