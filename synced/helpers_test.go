package synced

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/logging"
	"github.com/vinayprograms/kvsync/state"
)

// prefs is the structured value used across the tests.
type prefs struct {
	Foo  float64 `json:"foo"`
	Bar  string  `json:"bar"`
	Bash *string `json:"bash,omitempty"`
}

var defaultPrefs = prefs{Foo: 0, Bar: "no"}

// syncBuffer is a bytes.Buffer safe for a logger and a test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestRegistry returns a registry logging at DEBUG into the returned buffer.
func newTestRegistry(t *testing.T) (*Registry, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	logger := logging.New()
	logger.SetOutput(out)
	logger.SetLevel(logging.LevelDebug)

	r := NewRegistry(WithLogger(logger))
	t.Cleanup(func() { r.Close() })
	return r, out
}

// onLoop runs fn on the registry loop and fails the test if the loop is gone.
func onLoop(t *testing.T, r *Registry, fn func()) {
	t.Helper()
	if err := r.Loop().Do(fn); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

// settle waits until everything queued on the loop so far has run.
func settle(t *testing.T, r *Registry) {
	t.Helper()
	onLoop(t, r, func() {})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptStore is a Store whose behaviour the test controls. With async set,
// the notification for a write is delivered later on another goroutine, the
// way a networked store delivers it.
type scriptStore struct {
	id string

	mu        sync.Mutex
	data      map[string]codec.Tree
	revision  uint64
	handlers  map[string]map[int]state.Handler
	nextID    int
	async     bool
	setErr    error
	getErr    error
	deleteRev bool

	pending sync.WaitGroup
}

func newScriptStore() *scriptStore {
	return &scriptStore{
		id:        uuid.NewString(),
		data:      make(map[string]codec.Tree),
		handlers:  make(map[string]map[int]state.Handler),
		deleteRev: true,
	}
}

func (s *scriptStore) ID() string { return s.id }

func (s *scriptStore) Get(key string) (state.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return state.Entry{}, s.getErr
	}
	if v, ok := s.data[key]; ok {
		return state.Entry{Key: key, Value: v, Present: true, Revision: s.revision}, nil
	}
	return state.Entry{Key: key, Revision: s.revision, Operation: state.OpDelete}, nil
}

func (s *scriptStore) Set(key string, value codec.Tree) (uint64, error) {
	s.mu.Lock()
	if s.setErr != nil {
		err := s.setErr
		s.mu.Unlock()
		return 0, err
	}
	s.revision++
	rev := s.revision
	s.data[key] = value
	s.mu.Unlock()

	s.deliver(state.Entry{Key: key, Value: value, Present: true, Revision: rev})
	return rev, nil
}

func (s *scriptStore) Delete(key string) (uint64, error) {
	s.mu.Lock()
	s.revision++
	rev := s.revision
	delete(s.data, key)
	reported := rev
	if !s.deleteRev {
		reported = 0
	}
	s.mu.Unlock()

	s.deliver(state.Entry{Key: key, Revision: rev, Operation: state.OpDelete})
	return reported, nil
}

// emit delivers e as if another writer had changed the key. It does not
// touch the stored data.
func (s *scriptStore) emit(e state.Entry) {
	s.deliver(e)
}

// put changes the stored data as another writer would, and notifies.
func (s *scriptStore) put(key string, value codec.Tree) uint64 {
	s.mu.Lock()
	s.revision++
	rev := s.revision
	s.data[key] = value
	async := s.async
	s.async = false
	s.mu.Unlock()

	s.deliver(state.Entry{Key: key, Value: value, Present: true, Revision: rev})

	s.mu.Lock()
	s.async = async
	s.mu.Unlock()
	return rev
}

func (s *scriptStore) deliver(e state.Entry) {
	s.mu.Lock()
	var fns []state.Handler
	for _, fn := range s.handlers[e.Key] {
		fns = append(fns, fn)
	}
	async := s.async
	s.mu.Unlock()

	if !async {
		for _, fn := range fns {
			fn(e)
		}
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		time.Sleep(time.Millisecond)
		for _, fn := range fns {
			fn(e)
		}
	}()
}

func (s *scriptStore) Observe(key string, handler state.Handler) (state.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.handlers[key] == nil {
		s.handlers[key] = make(map[int]state.Handler)
	}
	s.handlers[key][id] = handler
	return &scriptSub{store: s, key: key, id: id}, nil
}

func (s *scriptStore) Close() error { return nil }

// observers returns the number of live subscriptions on key.
func (s *scriptStore) observers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[key])
}

func (s *scriptStore) stored(key string) (codec.Tree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

type scriptSub struct {
	store *scriptStore
	key   string
	id    int
	once  sync.Once
}

func (c *scriptSub) Cancel() {
	c.once.Do(func() {
		c.store.mu.Lock()
		delete(c.store.handlers[c.key], c.id)
		c.store.mu.Unlock()
	})
}
