package state

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
)

// NATSStore implements Store using NATS JetStream KV.
//
// Trees are stored as JSON documents so the bucket stays readable with the
// nats CLI. A top-level []byte tree is stored verbatim, and any value that is
// not valid JSON is surfaced as a []byte tree.
type NATSStore struct {
	id     string
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	mu       sync.Mutex
	watchers map[*natsSubscription]struct{}
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV call.
	// Default: 5s
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "kvsync",
		History:      1,
		MaxValueSize: 1024 * 1024, // 1MB
		Timeout:      5 * time.Second,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		id:       uuid.NewString(),
		conn:     cfg.Conn,
		kv:       kv,
		config:   cfg,
		watchers: make(map[*natsSubscription]struct{}),
	}, nil
}

// ID returns the store identity.
func (s *NATSStore) ID() string {
	return s.id
}

// Bucket returns the KV bucket name.
func (s *NATSStore) Bucket() string {
	return s.config.Bucket
}

// Get retrieves the entry for key.
func (s *NATSStore) Get(key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	kve, err := s.kv.Get(ctx, key)
	if err != nil {
		if isMissing(err) {
			return absent(key, 0), nil
		}
		return Entry{}, wrapNATS("get", key, err)
	}
	return entryFromNATS(kve), nil
}

// Set stores value as a JSON document.
func (s *NATSStore) Set(key string, value codec.Tree) (uint64, error) {
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
	data, err := encodeNATSValue(n)
	if err != nil {
		return 0, errors.New(errors.ErrCodeStore, "encode kv value",
			errors.WithCause(err), errors.WithKey(key), errors.WithRetryable(false))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	rev, err := s.kv.Put(ctx, key, data)
	if err != nil {
		return 0, wrapNATS("put", key, err)
	}
	return rev, nil
}

// Delete places a delete marker for key. JetStream does not report the
// marker's revision, so the returned revision is zero.
func (s *NATSStore) Delete(key string) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !isMissing(err) {
		return 0, wrapNATS("delete", key, err)
	}
	return 0, nil
}

// Observe starts a KV watch on key. Only updates after the call are
// delivered; the handler runs on the watch goroutine.
func (s *NATSStore) Observe(key string, handler Handler) (Subscription, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := s.kv.Watch(ctx, key, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, wrapNATS("watch", key, err)
	}

	sub := &natsSubscription{store: s, watcher: watcher, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.watchers[sub] = struct{}{}
	s.mu.Unlock()

	go s.watchLoop(sub, handler)
	return sub, nil
}

// watchLoop processes watch updates until the watcher stops.
func (s *NATSStore) watchLoop(sub *natsSubscription, handler Handler) {
	defer close(sub.done)

	for kve := range sub.watcher.Updates() {
		if kve == nil {
			continue // initial sync complete marker
		}
		if sub.cancelled.Load() || s.closed.Load() {
			return
		}
		handler(entryFromNATS(kve))
	}
}

// Close stops all watches. The connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	subs := make([]*natsSubscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}

type natsSubscription struct {
	store     *NATSStore
	watcher   jetstream.KeyWatcher
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel stops the watch. Safe to call repeatedly.
func (sub *natsSubscription) Cancel() {
	if sub.cancelled.Swap(true) {
		return
	}
	_ = sub.watcher.Stop()
	sub.cancel()

	sub.store.mu.Lock()
	delete(sub.store.watchers, sub)
	sub.store.mu.Unlock()
}

// opFromNATS converts a NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValuePut:
		return OpPut
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

func entryFromNATS(kve jetstream.KeyValueEntry) Entry {
	if opFromNATS(kve.Operation()) == OpDelete {
		return absent(kve.Key(), kve.Revision())
	}
	return present(kve.Key(), decodeNATSValue(kve.Value()), kve.Revision())
}

// encodeNATSValue renders a canonical tree as KV bytes.
func encodeNATSValue(t codec.Tree) ([]byte, error) {
	if b, ok := t.([]byte); ok {
		return b, nil
	}
	return json.Marshal(t)
}

// decodeNATSValue parses KV bytes into a tree. Anything that is not a JSON
// document comes back as an opaque []byte leaf.
func decodeNATSValue(data []byte) codec.Tree {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil || dec.More() {
		return append([]byte(nil), data...)
	}
	t, err := codec.Normalize(raw)
	if err != nil {
		return append([]byte(nil), data...)
	}
	return t
}

func isMissing(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted)
}

func wrapNATS(op, key string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeTimeout, "kv "+op, errors.WithOp(op), errors.WithCause(err), errors.WithKey(key))
	}
	return errors.StoreFailed(op, key, err)
}
