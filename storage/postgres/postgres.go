// Package postgres provides a PostgreSQL implementation of the credit.Backend interface.
// Every document is one row; the UPSERT that writes a new body moves the old
// body into the backup column in the same statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Storage implements credit.Backend using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var _ credit.Backend = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Table is the documents table (default: "ledger_documents")
	Table string

	// CreateSchema creates the table on startup when missing
	CreateSchema bool

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Table:           "ledger_documents",
		CreateSchema:    true,
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Table == "" {
		config.Table = "ledger_documents"
	}
	if !tableNamePattern.MatchString(config.Table) {
		return nil, fmt.Errorf("invalid table name %q", config.Table)
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.CreateSchema {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the documents table if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			backup     JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.Table))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.config.Table, err)
	}
	return nil
}

// Close closes the connection pool
func (s *Storage) Close() {
	s.pool.Close()
}

// Load implements credit.Backend
func (s *Storage) Load(ctx context.Context, name string) ([]byte, error) {
	return s.column(ctx, "body", name)
}

// LoadBackup implements credit.Backend
func (s *Storage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	return s.column(ctx, "backup", name)
}

// Save implements credit.Backend
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (name, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET backup = %[1]s.body, body = EXCLUDED.body, updated_at = now()`, s.config.Table),
		name, data)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

func (s *Storage) column(ctx context.Context, column, name string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE name = $1", column, s.config.Table), name).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credit.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to load %s of %s: %w", column, name, err)
	}
	if data == nil {
		return nil, credit.ErrDocumentNotFound
	}
	return data, nil
}
