package state

import (
	"sync"

	"github.com/google/uuid"
)

// hub fans changes out to per-key handlers. Handlers are invoked outside the
// hub lock so they may call back into the store.
type hub struct {
	mu       sync.Mutex
	handlers map[string]map[string]Handler
	closed   bool
}

func newHub() *hub {
	return &hub{handlers: make(map[string]map[string]Handler)}
}

func (h *hub) add(key string, fn Handler) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	if h.handlers[key] == nil {
		h.handlers[key] = make(map[string]Handler)
	}
	h.handlers[key][id] = fn

	return &hubSubscription{hub: h, key: key, id: id}, nil
}

func (h *hub) remove(key, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.handlers[key], id)
	if len(h.handlers[key]) == 0 {
		delete(h.handlers, key)
	}
}

// notify delivers e to every handler registered for e.Key.
func (h *hub) notify(e Entry) {
	h.mu.Lock()
	fns := make([]Handler, 0, len(h.handlers[e.Key]))
	for _, fn := range h.handlers[e.Key] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(Entry{
			Key:       e.Key,
			Value:     clone(e.Value),
			Present:   e.Present,
			Revision:  e.Revision,
			Operation: e.Operation,
		})
	}
}

// observed reports whether any handler is registered for key.
func (h *hub) observed(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers[key]) > 0
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.handlers = make(map[string]map[string]Handler)
}

type hubSubscription struct {
	hub  *hub
	key  string
	id   string
	once sync.Once
}

// Cancel removes the handler. Safe to call repeatedly.
func (s *hubSubscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s.key, s.id)
	})
}
