package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB represents the database connection.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

var (
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNoRows                 = sql.ErrNoRows
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens the database and creates tables if they don't exist.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN, so a conflict check
	// and the insert that follows it cannot interleave with another writer.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	db := &DB{DB: sqlDB, path: path, logger: logger}
	if err := db.createTables(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL DEFAULT 'default',
			customer_ref TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			customer_chat_id INTEGER NOT NULL DEFAULT 0,
			service_id TEXT NOT NULL,
			service_name TEXT NOT NULL DEFAULT '',
			price REAL NOT NULL DEFAULT 0,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			external_event_id TEXT,
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_range ON appointments(resource_id, start_at, end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_customer ON appointments(customer_ref)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_external ON appointments(external_event_id)
			WHERE external_event_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS appointment_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			appointment_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			old_start INTEGER,
			old_duration INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (appointment_id) REFERENCES appointments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_appointment ON appointment_audit(appointment_id, at)`,
		`CREATE TABLE IF NOT EXISTS reminder_jobs (
			appointment_id TEXT NOT NULL,
			lead_seconds INTEGER NOT NULL,
			fire_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			claim_token TEXT NOT NULL DEFAULT '',
			claimed_at INTEGER,
			sent_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (appointment_id, lead_seconds),
			FOREIGN KEY (appointment_id) REFERENCES appointments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminder_jobs_due ON reminder_jobs(status, fire_at, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS calendar_mirrors (
			appointment_id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			external_updated INTEGER NOT NULL DEFAULT 0,
			local_version INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL,
			FOREIGN KEY (appointment_id) REFERENCES appointments(id) ON DELETE CASCADE
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("query %q: %w", trimSQL(query), err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction and commits when fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Queries returns the repository bound to the plain connection pool.
func (db *DB) Queries() *Queries {
	return &Queries{q: db.DB}
}

// Queries runs repository statements against a connection or transaction.
type Queries struct {
	q Querier
}

func trimSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 60 {
		return q[:60] + "..."
	}
	return q
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
