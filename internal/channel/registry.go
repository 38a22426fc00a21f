package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// Registry maps channel ids found in conversation addresses to senders.
// Addresses whose channel id is not registered resolve to the default sender, if any.
type Registry struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	fallback string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{senders: map[string]Sender{}}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds a sender under its own ID and any aliases.
// The Bot Framework sender, for instance, also answers for "skype" and "msteams".
func (r *Registry) Register(s Sender, aliases ...string) error {
	if s == nil {
		return fmt.Errorf("sender is nil")
	}
	ids := append([]string{s.ID()}, aliases...)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range ids {
		id := normalizeID(raw)
		if id == "" {
			return fmt.Errorf("channel id is required")
		}
		if _, exists := r.senders[id]; exists {
			return fmt.Errorf("channel already registered: %s", id)
		}
	}
	for _, raw := range ids {
		r.senders[normalizeID(raw)] = s
	}
	slog.Debug("Registry.Register: channel registered", "id", s.ID(), "aliases", aliases)
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(s Sender, aliases ...string) {
	if err := r.Register(s, aliases...); err != nil {
		panic(err)
	}
}

// SetDefault selects the sender used for addresses with an unregistered channel id.
func (r *Registry) SetDefault(id string) error {
	id = normalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.senders[id]; !ok {
		return fmt.Errorf("cannot set default: channel not registered: %s", id)
	}
	r.fallback = id
	return nil
}

// Get returns the sender registered under id.
func (r *Registry) Get(id string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[normalizeID(id)]
	return s, ok
}

// Resolve picks the sender for a stored conversation address.
func (r *Registry) Resolve(address models.ConversationAddress) (Sender, error) {
	env, err := models.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.senders[normalizeID(env.ChannelID)]; ok {
		return s, nil
	}
	if r.fallback != "" {
		return r.senders[r.fallback], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, env.ChannelID)
}

// IDs returns every registered id and alias, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.senders))
	for id := range r.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every distinct sender that implements io.Closer.
func (r *Registry) Close() error {
	r.mu.RLock()
	seen := map[Sender]bool{}
	var closers []io.Closer
	for _, s := range r.senders {
		if seen[s] {
			continue
		}
		seen[s] = true
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
