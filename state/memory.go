package state

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vinayprograms/kvsync/codec"
)

// MemoryStore implements Store using in-memory storage.
//
// Values live in two layers: explicit values written with Set, and registered
// defaults beneath them. Get resolves the explicit value first and falls back
// to the registered default. Observers are notified synchronously on the
// writer's goroutine, after the store lock is released.
type MemoryStore struct {
	id       string
	mu       sync.RWMutex
	data     map[string]codec.Tree
	defaults map[string]codec.Tree
	revision uint64
	hub      *hub
	closed   atomic.Bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		id:       uuid.NewString(),
		data:     make(map[string]codec.Tree),
		defaults: make(map[string]codec.Tree),
		hub:      newHub(),
	}
}

// ID returns the store identity.
func (s *MemoryStore) ID() string {
	return s.id
}

// Get returns the resolved entry for key.
func (s *MemoryStore) Get(key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(key, s.revision), nil
}

// resolveLocked returns the explicit value, else the registered default.
func (s *MemoryStore) resolveLocked(key string, revision uint64) Entry {
	if v, ok := s.data[key]; ok {
		return present(key, clone(v), revision)
	}
	if v, ok := s.defaults[key]; ok {
		return present(key, clone(v), revision)
	}
	return absent(key, revision)
}

// Set stores an explicit value.
func (s *MemoryStore) Set(key string, value codec.Tree) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := normalizeValue(key, value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.revision++
	rev := s.revision
	s.data[key] = n
	s.mu.Unlock()

	s.hub.notify(present(key, n, rev))
	return rev, nil
}

// Delete removes the explicit value. Observers receive the resolved value
// afterwards, which is the registered default when one exists.
func (s *MemoryStore) Delete(key string) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	if _, ok := s.data[key]; !ok {
		s.mu.Unlock()
		return 0, nil
	}
	delete(s.data, key)
	s.revision++
	e := s.resolveLocked(key, s.revision)
	s.mu.Unlock()

	s.hub.notify(e)
	return e.Revision, nil
}

// RegisterDefaults merges values into the registered-defaults layer.
// Existing registrations for other keys are kept.
func (s *MemoryStore) RegisterDefaults(values map[string]codec.Tree) error {
	next := s.Defaults()
	for k, v := range values {
		next[k] = v
	}
	return s.SetDefaults(next)
}

// SetDefaults replaces the whole registered-defaults layer. Observers of keys
// whose resolved value changes are notified.
func (s *MemoryStore) SetDefaults(values map[string]codec.Tree) error {
	if s.closed.Load() {
		return ErrClosed
	}

	normalized := make(map[string]codec.Tree, len(values))
	for k, v := range values {
		if err := ValidateKey(k); err != nil {
			return err
		}
		n, err := normalizeValue(k, v)
		if err != nil {
			return err
		}
		normalized[k] = n
	}

	s.mu.Lock()
	var changed []Entry
	touched := make(map[string]struct{}, len(normalized)+len(s.defaults))
	for k := range s.defaults {
		touched[k] = struct{}{}
	}
	for k := range normalized {
		touched[k] = struct{}{}
	}
	old := s.defaults
	s.defaults = normalized
	for k := range touched {
		if _, explicit := s.data[k]; explicit {
			continue
		}
		if codec.Equal(old[k], normalized[k]) {
			continue
		}
		s.revision++
		changed = append(changed, s.resolveLocked(k, s.revision))
	}
	s.mu.Unlock()

	for _, e := range changed {
		s.hub.notify(e)
	}
	return nil
}

// Defaults returns a copy of the registered-defaults layer.
func (s *MemoryStore) Defaults() map[string]codec.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]codec.Tree, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = clone(v)
	}
	return out
}

// Observe registers handler for changes to key.
func (s *MemoryStore) Observe(key string, handler Handler) (Subscription, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.add(key, handler)
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.hub.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.defaults = nil
	return nil
}
