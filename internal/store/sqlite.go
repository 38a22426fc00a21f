// Package store provides conversation address storage backends for OpenChannel.
//
// This file implements an SQLite-backed address store for deployments that
// outgrow the single JSON document.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/OpenChannel/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements AddressStore.
var _ AddressStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One writer at a time keeps INSERT OR IGNORE free of SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, conversationID string, address models.ConversationAddress) (bool, error) {
	if err := checkID(conversationID); err != nil {
		return false, err
	}
	if err := checkAddress(conversationID, address); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_addresses (conversation_id, address) VALUES (?, ?)`,
		conversationID, string(address),
	)
	if err != nil {
		slog.Error("SQLiteStore Upsert failed", "error", err, "conversation_id", conversationID)
		return false, fmt.Errorf("%w: insert address for %s: %v", ErrStoreIO, conversationID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected check failed: %v", ErrStoreIO, err)
	}
	slog.Debug("SQLiteStore Upsert succeeded", "conversation_id", conversationID, "created", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, conversationID string) (models.ConversationAddress, error) {
	if err := checkID(conversationID); err != nil {
		return nil, err
	}
	var address string
	err := s.db.QueryRowContext(ctx,
		`SELECT address FROM conversation_addresses WHERE conversation_id = ?`, conversationID,
	).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Lookup failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("%w: query address for %s: %v", ErrStoreIO, conversationID, err)
	}
	return models.ConversationAddress(address), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_addresses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count addresses: %v", ErrStoreIO, err)
	}
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
