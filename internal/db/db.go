// Package db persists run state across runs: output records, the resolved
// target index, structural signatures and blocked domains. PostgreSQL (pgx)
// and SQLite (go-sqlite3) are both supported; the schema is shared.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned by InitFromEnv when DATABASE_URL is unset.
var ErrNotConfigured = errors.New("DATABASE_URL not set")

// DB wraps a database connection
type DB struct {
	client *sql.DB
	config *Config
	driver string
}

// Config holds the connection configuration
type Config struct {
	DatabaseURL      string        // postgres://..., sqlite://path or file:path
	MaxIdleConns     int           // Maximum number of idle connections
	MaxOpenConns     int           // Maximum number of open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	StatementTimeout int           // PostgreSQL statement_timeout in milliseconds
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Driver returns the database/sql driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// New opens the database, verifies the connection and creates the schema.
func New(ctx context.Context, config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, ErrNotConfigured
	}

	driver, dsn, err := ParseDatabaseURL(config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if driver == DriverPostgres {
		dsn = AugmentDSNWithTimeout(dsn, config.StatementTimeout)
	}

	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}
	if driver == DriverSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
	}

	client, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.PingContext(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	if err := setupSchema(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connected")

	return &DB{client: client, config: config, driver: driver}, nil
}

// NewWithClient wraps an already open connection without touching the schema.
func NewWithClient(client *sql.DB, driver string) *DB {
	return &DB{client: client, config: &Config{}, driver: driver}
}

// InitFromEnv connects using DATABASE_URL and DATABASE_STATEMENT_TIMEOUT_MS.
func InitFromEnv(ctx context.Context) (*DB, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, ErrNotConfigured
	}
	config := &Config{
		DatabaseURL:  url,
		MaxIdleConns: 10,
		MaxOpenConns: 25,
		MaxLifetime:  20 * time.Minute,
	}
	if v := os.Getenv("DATABASE_STATEMENT_TIMEOUT_MS"); v != "" {
		var ms int
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
			config.StatementTimeout = ms
		}
	}
	return New(ctx, config)
}

var schema = []struct {
	table string
	ddl   string
}{
	{"resolution_records", `
		CREATE TABLE IF NOT EXISTS resolution_records (
			run_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			source_url TEXT NOT NULL,
			page_url TEXT,
			resolved_url TEXT,
			outcome TEXT NOT NULL,
			was_checked BOOLEAN NOT NULL DEFAULT FALSE,
			was_valid BOOLEAN NOT NULL DEFAULT FALSE,
			was_accessible BOOLEAN NOT NULL DEFAULT FALSE,
			was_direct_link BOOLEAN NOT NULL DEFAULT FALSE,
			could_retry BOOLEAN NOT NULL DEFAULT FALSE,
			hash TEXT,
			size BIGINT,
			mime_type TEXT,
			file_path TEXT,
			error TEXT,
			platform TEXT,
			original_id TEXT,
			resolved_at TIMESTAMP NOT NULL
		)`},
	{"resolved_targets", `
		CREATE TABLE IF NOT EXISTS resolved_targets (
			url TEXT PRIMARY KEY,
			record_id TEXT,
			source_url TEXT NOT NULL,
			mime_type TEXT,
			created_at TIMESTAMP NOT NULL
		)`},
	{"structure_signatures", `
		CREATE TABLE IF NOT EXISTS structure_signatures (
			path_key TEXT NOT NULL,
			signature_key TEXT NOT NULL,
			signature TEXT NOT NULL,
			hits INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (path_key, signature_key)
		)`},
	{"blocked_domains", `
		CREATE TABLE IF NOT EXISTS blocked_domains (
			run_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			reason TEXT NOT NULL,
			blocked_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, domain)
		)`},
}

// setupSchema creates the tables. The DDL is valid for both PostgreSQL and SQLite.
func setupSchema(ctx context.Context, db *sql.DB) error {
	for _, t := range schema {
		if _, err := db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.table, err)
		}
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_resolution_records_run ON resolution_records (run_id, outcome)`); err != nil {
		return fmt.Errorf("failed to create resolution_records index: %w", err)
	}
	return nil
}

// Execute runs fn inside a transaction, committing when it returns nil.
func (db *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}
