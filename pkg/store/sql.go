package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name    string
	migrate string
	get     string
	set     string
	remove  string
}

var sqliteDialect = dialect{
	name: "sqlite",
	migrate: `
    CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );`,
	get: `SELECT value FROM settings WHERE key = ?`,
	set: `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	remove: `DELETE FROM settings WHERE key = ?`,
}

var postgresDialect = dialect{
	name: "postgres",
	migrate: `
    CREATE TABLE IF NOT EXISTS signet_settings (
        key TEXT PRIMARY KEY,
        value JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );`,
	get: `SELECT value::text FROM signet_settings WHERE key = $1`,
	set: `INSERT INTO signet_settings (key, value, updated_at) VALUES ($1, $2::jsonb, $3)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	remove: `DELETE FROM signet_settings WHERE key = $1`,
}

// SQLKV keeps values in a single table of a SQL database.
type SQLKV struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens the database file at path and prepares the schema.
func OpenSQLite(path string) (*SQLKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; the file is private to this process.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteKV(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(dsn string) (*SQLKV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s, err := NewPostgresKV(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteKV wraps an open SQLite handle and migrates it.
func NewSQLiteKV(db *sql.DB) (*SQLKV, error) {
	return newSQLKV(db, sqliteDialect)
}

// NewPostgresKV wraps an open Postgres handle and migrates it.
func NewPostgresKV(db *sql.DB) (*SQLKV, error) {
	return newSQLKV(db, postgresDialect)
}

func newSQLKV(db *sql.DB, d dialect) (*SQLKV, error) {
	s := &SQLKV{db: db, dialect: d}
	if _, err := db.ExecContext(context.Background(), d.migrate); err != nil {
		return nil, fmt.Errorf("migrate %s settings table: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if err := validate(value); err != nil {
		return err
	}
	now := time.Now().UTC()
	var ts any = now
	if s.dialect.name == "sqlite" {
		ts = now.Format(time.RFC3339Nano)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.set, key, string(value), ts); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.remove, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Close() error {
	return s.db.Close()
}
