// Package store provides conversation address storage backends for OpenChannel.
//
// Every backend honours the same contract: Upsert is insert-if-absent (the first
// address recorded for a conversation wins), it only accepts JSON object
// addresses whose conversation.id, when present, names the conversation, and
// Lookup reports unknown conversations with ErrNotFound rather than an I/O error.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// DSN type identifiers returned by DetectDSNType.
const (
	DSNTypeJSON     = "json"
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
)

var (
	// ErrNotFound means no address was ever recorded for the conversation.
	ErrNotFound = errors.New("conversation address not found")
	// ErrStoreIO wraps failures reading or writing the backing storage.
	ErrStoreIO = errors.New("conversation store I/O error")
	// ErrEmptyConversationID is returned for blank conversation ids.
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	// ErrInvalidAddress is returned for addresses that cannot be keyed by their conversation.
	ErrInvalidAddress = errors.New("invalid conversation address")
)

// conversationIDPath is where an address names its conversation.
const conversationIDPath = "conversation.id"

// AddressStore maps conversation ids to opaque routing addresses.
type AddressStore interface {
	// Upsert records the address unless the conversation is already known.
	// It reports whether a new record was created. The address must be a JSON
	// object; a conversation.id in it must equal conversationID (ErrInvalidAddress).
	// Lookup returns the stored bytes unchanged, except that the JSON document
	// backend adds conversation.id to addresses that lack it, since the document
	// is keyed by that field.
	Upsert(ctx context.Context, conversationID string, address models.ConversationAddress) (bool, error)
	// Lookup returns the stored address or ErrNotFound.
	Lookup(ctx context.Context, conversationID string) (models.ConversationAddress, error)
	// Count returns the number of stored conversations.
	Count(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // JSON file path, SQLite file path or Postgres connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the backing storage location. The backend is chosen from its shape.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithJSONPath selects the single-document JSON backend at the given path.
func WithJSONPath(path string) Option {
	return WithDSN(path)
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType classifies a DSN as postgres, sqlite or json.
// Empty DSNs and paths ending in .json use the JSON document backend.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	case d == "", strings.HasSuffix(lower, ".json"):
		return DSNTypeJSON
	default:
		return DSNTypeSQLite
	}
}

// New opens the backend selected by the configured DSN.
// Without a DSN the store lives in memory only.
func New(opts ...Option) (AddressStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		slog.Warn("store.New: no DSN configured, conversation addresses will not survive restarts")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		slog.Debug("store.New: using Postgres backend")
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		slog.Debug("store.New: using SQLite backend", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	default:
		slog.Debug("store.New: using JSON document backend", "path", cfg.DSN)
		return NewJSONFileStore(opts...)
	}
}

func checkID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrEmptyConversationID
	}
	return nil
}

func checkAddress(conversationID string, address models.ConversationAddress) error {
	if !gjson.ValidBytes(address) || !gjson.ParseBytes(address).IsObject() {
		return fmt.Errorf("%w: address for conversation %s is not a JSON object", ErrInvalidAddress, conversationID)
	}
	if existing := gjson.GetBytes(address, conversationIDPath); existing.Exists() && existing.String() != conversationID {
		return fmt.Errorf("%w: conversation.id %q does not match %q", ErrInvalidAddress, existing.String(), conversationID)
	}
	return nil
}

// cloneAddress copies an address so callers never share the backing slice.
func cloneAddress(address models.ConversationAddress) models.ConversationAddress {
	if address == nil {
		return nil
	}
	out := make(models.ConversationAddress, len(address))
	copy(out, address)
	return out
}
