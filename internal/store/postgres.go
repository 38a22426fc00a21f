// Package store provides conversation address storage backends for OpenChannel.
//
// This file implements a PostgreSQL-backed address store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/OpenChannel/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements AddressStore.
var _ AddressStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, conversationID string, address models.ConversationAddress) (bool, error) {
	if err := checkID(conversationID); err != nil {
		return false, err
	}
	if err := checkAddress(conversationID, address); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_addresses (conversation_id, address) VALUES ($1, $2) ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, string(address),
	)
	if err != nil {
		slog.Error("PostgresStore Upsert failed", "error", err, "conversation_id", conversationID)
		return false, fmt.Errorf("%w: insert address for %s: %v", ErrStoreIO, conversationID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected check failed: %v", ErrStoreIO, err)
	}
	slog.Debug("PostgresStore Upsert succeeded", "conversation_id", conversationID, "created", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, conversationID string) (models.ConversationAddress, error) {
	if err := checkID(conversationID); err != nil {
		return nil, err
	}
	var address string
	err := s.db.QueryRowContext(ctx,
		`SELECT address FROM conversation_addresses WHERE conversation_id = $1`, conversationID,
	).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore Lookup failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("%w: query address for %s: %v", ErrStoreIO, conversationID, err)
	}
	return models.ConversationAddress(address), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_addresses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count addresses: %v", ErrStoreIO, err)
	}
	return n, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
