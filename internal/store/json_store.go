package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// File permissions for the JSON document and its directory.
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0600
)


// JSONFileStore keeps every address in one JSON array document on disk.
//
// Each mutation reads the whole document, applies the change and rewrites it
// through a temp file and rename while holding mu, so concurrent upserts never
// interleave their read-modify-write cycles.
type JSONFileStore struct {
	mu   sync.Mutex
	path string
}

// Compile-time check that JSONFileStore implements AddressStore.
var _ AddressStore = (*JSONFileStore)(nil)

// NewJSONFileStore opens (or creates) the address document at the configured path.
// A missing or unreadable document is replaced by an empty one instead of failing.
func NewJSONFileStore(opts ...Option) (*JSONFileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("JSONFileStore path not set")
		return nil, fmt.Errorf("address document path not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create address document directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create address document directory: %w", err)
	}

	s := &JSONFileStore{path: cfg.DSN}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// initialize makes sure a parseable document exists at s.path.
func (s *JSONFileStore) initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.readLocked()
	switch {
	case err == nil:
		slog.Debug("JSONFileStore.initialize: existing document loaded", "path", s.path)
		return nil
	case errors.Is(err, os.ErrNotExist):
		slog.Info("JSONFileStore.initialize: no address document found, starting empty", "path", s.path)
	default:
		slog.Warn("JSONFileStore.initialize: address document unreadable, starting empty", "path", s.path, "error", err)
		s.quarantineLocked()
	}
	if err := s.writeLocked(nil); err != nil {
		return fmt.Errorf("failed to create empty address document: %w", err)
	}
	return nil
}

func (s *JSONFileStore) Upsert(ctx context.Context, conversationID string, address models.ConversationAddress) (bool, error) {
	if err := checkID(conversationID); err != nil {
		return false, err
	}
	record, err := keyedAddress(conversationID, address)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	doc, err := s.readLocked()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("JSONFileStore.Upsert: address document unreadable, treating as empty", "path", s.path, "error", err)
			s.quarantineLocked()
		}
		doc = nil
	}
	if _, found := findAddress(doc, conversationID); found {
		slog.Debug("JSONFileStore.Upsert: conversation already recorded", "conversation_id", conversationID)
		return false, nil
	}

	doc = append(doc, record)
	if err := s.writeLocked(doc); err != nil {
		slog.Error("JSONFileStore.Upsert: failed to write address document", "error", err, "path", s.path)
		return false, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	slog.Debug("JSONFileStore.Upsert: conversation recorded", "conversation_id", conversationID, "total", len(doc))
	return true, nil
}

func (s *JSONFileStore) Lookup(ctx context.Context, conversationID string) (models.ConversationAddress, error) {
	if err := checkID(conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("JSONFileStore.Lookup: failed to read address document", "error", err, "path", s.path)
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	address, found := findAddress(doc, conversationID)
	if !found {
		return nil, ErrNotFound
	}
	return cloneAddress(address), nil
}

func (s *JSONFileStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return len(doc), nil
}

func (s *JSONFileStore) Close() error {
	return nil
}

// Path returns the location of the backing document.
func (s *JSONFileStore) Path() string {
	return s.path
}

func (s *JSONFileStore) readLocked() ([]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc []json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid address document: %w", err)
	}
	return doc, nil
}

func (s *JSONFileStore) writeLocked(doc []json.RawMessage) error {
	data := encodeDocument(doc)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", s.path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp for %s: %w", s.path, err)
	}
	if err := tmp.Chmod(DefaultFilePermissions); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", s.path, err)
	}
	return nil
}

// encodeDocument writes the array by hand so each address keeps its exact bytes.
func encodeDocument(doc []json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, raw := range doc {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		buf.Write(raw)
	}
	if len(doc) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	return buf.Bytes()
}

// quarantineLocked moves an unreadable document aside so it can be inspected later.
func (s *JSONFileStore) quarantineLocked() {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, aside); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("JSONFileStore: failed to move unreadable document aside", "error", err, "path", s.path)
		}
		return
	}
	slog.Warn("JSONFileStore: unreadable document moved aside", "path", s.path, "moved_to", aside)
}

// keyedAddress validates the address and stamps conversation.id when the channel left it out.
func keyedAddress(conversationID string, address models.ConversationAddress) (json.RawMessage, error) {
	if err := checkAddress(conversationID, address); err != nil {
		return nil, err
	}
	if gjson.GetBytes(address, conversationIDPath).Exists() {
		return cloneAddress(address), nil
	}
	stamped, err := sjson.SetBytes(cloneAddress(address), conversationIDPath, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to key address for conversation %s: %w", conversationID, err)
	}
	return stamped, nil
}

func findAddress(doc []json.RawMessage, conversationID string) (json.RawMessage, bool) {
	for _, raw := range doc {
		if gjson.GetBytes(raw, conversationIDPath).String() == conversationID {
			return raw, true
		}
	}
	return nil, false
}
