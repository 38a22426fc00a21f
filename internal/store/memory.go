package store

import (
	"context"
	"sync"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// InMemoryStore is a simple in-memory address store.
type InMemoryStore struct {
	mu        sync.RWMutex
	addresses map[string]models.ConversationAddress
}

// Compile-time check that InMemoryStore implements AddressStore.
var _ AddressStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{addresses: make(map[string]models.ConversationAddress)}
}

func (s *InMemoryStore) Upsert(ctx context.Context, conversationID string, address models.ConversationAddress) (bool, error) {
	if err := checkID(conversationID); err != nil {
		return false, err
	}
	if err := checkAddress(conversationID, address); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addresses[conversationID]; ok {
		return false, nil
	}
	s.addresses[conversationID] = cloneAddress(address)
	return true, nil
}

func (s *InMemoryStore) Lookup(ctx context.Context, conversationID string) (models.ConversationAddress, error) {
	if err := checkID(conversationID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	address, ok := s.addresses[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAddress(address), nil
}

func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addresses), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
