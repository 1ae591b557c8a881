package synced

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/logging"
	"github.com/vinayprograms/kvsync/state"
	"github.com/vinayprograms/kvsync/telemetry"
)

// Value keeps a typed value in step with one key of a Store.
//
// Local writes update the value immediately and persist its encoding. Changes
// made to the key by anyone else are decoded and applied. A Value never
// applies the notification caused by its own write.
//
// Value is confined to its Loop: call its methods only from functions running
// on that loop, such as change listeners or Loop.Do. Accessor is the
// goroutine-safe way to use a Value.
type Value[V any] struct {
	key    string
	store  state.Store
	codec  codec.Codec[V]
	def    V
	loop   *Loop
	logger *logging.Logger
	tracer *telemetry.Tracer

	state V

	// absent is true while state is the default because the store has no
	// entry for key.
	absent bool

	// suppressing is set for the duration of a store write. It is read from
	// the store's delivery goroutine, so it is atomic.
	suppressing atomic.Bool

	// watermark is the highest store revision this value has written, read
	// or applied. Deliveries at or below it are echoes or stale.
	watermark uint64

	willChange []willListener
	changed    []changeListener[V]
	nextID     int

	obs      *observation[V]
	disposed bool

	// done is closed by Dispose.
	done chan struct{}
}

type willListener struct {
	id int
	fn func()
}

type changeListener[V any] struct {
	id int
	fn func(V)
}

// newValue reads the initial state and starts observing key. It runs on the
// loop.
func newValue[V any](r *Registry, store state.Store, key string, def V, c codec.Codec[V]) (*Value[V], error) {
	v := &Value[V]{
		key:    key,
		store:  store,
		codec:  c,
		def:    def,
		state:  def,
		loop:   r.loop,
		logger: r.logger,
		tracer: r.tracer,
		done:   make(chan struct{}),
	}

	source := "default"
	e, err := store.Get(key)
	switch {
	case err != nil:
		if errors.Is(err, errors.ErrCodeInvalidKey) || errors.Is(err, errors.ErrCodeStoreClosed) {
			return nil, err
		}
		v.logger.Warn("initial read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		source = "read_failed"
	case !e.Present:
		v.absent = true
		v.watermark = e.Revision
	default:
		v.watermark = e.Revision
		decoded, derr := c.Decode(e.Value)
		if derr != nil {
			v.logger.ExternalRejected(key, derr)
			source = "undecodable"
			break
		}
		v.state = decoded
		source = "store"
	}

	obs, err := observe(v)
	if err != nil {
		return nil, err
	}
	v.obs = obs

	v.logger.ValueOpened(store.ID(), key, source)
	return v, nil
}

// Key returns the store key.
func (v *Value[V]) Key() string {
	return v.key
}

// Store returns the backing store.
func (v *Value[V]) Store() state.Store {
	return v.store
}

// Default returns the value used when the store has no entry.
func (v *Value[V]) Default() V {
	return v.def
}

// Read returns the current value.
func (v *Value[V]) Read() V {
	return v.state
}

// Write sets the value and persists it. See WriteContext.
func (v *Value[V]) Write(nv V) error {
	return v.WriteContext(context.Background(), nv)
}

// WriteContext sets the value and persists it. ctx only carries the trace;
// a write is never abandoned part way.
//
// The new value is visible to Read, and reported to change listeners, even
// when encoding or persisting it fails. The error is returned to the caller
// and the store keeps its previous contents.
func (v *Value[V]) WriteContext(ctx context.Context, nv V) error {
	_, span := v.tracer.StartWriteSpan(ctx, telemetry.SpanWrite, v.key)

	v.fireWillChange()
	v.state = nv
	v.absent = false

	var rev uint64
	t, err := v.codec.Encode(nv)
	if err == nil {
		v.suppressing.Store(true)
		rev, err = v.store.Set(v.key, t)
		v.suppressing.Store(false)
		v.observeRevision(rev)
	}
	if err != nil {
		err = errors.Wrap(err, "write "+v.key, errors.WithKey(v.key))
	}

	v.logger.WriteApplied(v.key, rev, err)
	v.tracer.EndWriteSpan(span, telemetry.WriteSpanOptions{
		StoreID:  v.store.ID(),
		Revision: rev,
		Value:    v.debugValue(t),
	}, err)

	v.fireChange(nv)
	return err
}

// Clear removes the stored entry and reverts to the default value, which is
// whatever the store resolves for the key afterwards.
func (v *Value[V]) Clear() error {
	_, span := v.tracer.StartWriteSpan(context.Background(), telemetry.SpanClear, v.key)

	v.fireWillChange()
	v.state = v.def
	v.absent = true

	v.suppressing.Store(true)
	rev, err := v.store.Delete(v.key)
	v.suppressing.Store(false)
	if err != nil {
		err = errors.Wrap(err, "clear "+v.key, errors.WithKey(v.key))
	} else {
		v.observeRevision(rev)
		v.resolveAfterClear()
	}

	v.logger.WriteApplied(v.key, rev, err)
	v.tracer.EndWriteSpan(span, telemetry.WriteSpanOptions{StoreID: v.store.ID(), Revision: rev}, err)

	v.fireChange(v.state)
	return err
}

// resolveAfterClear picks up a value the store still resolves for the key
// once the explicit entry is gone, such as a registered default.
func (v *Value[V]) resolveAfterClear() {
	e, err := v.store.Get(v.key)
	if err != nil || !e.Present {
		return
	}
	v.observeRevision(e.Revision)
	if decoded, derr := v.codec.Decode(e.Value); derr == nil {
		v.state = decoded
		v.absent = false
	}
}

// OnWillChange registers fn to run before every change. It returns a function
// that removes the listener.
func (v *Value[V]) OnWillChange(fn func()) func() {
	v.nextID++
	id := v.nextID
	v.willChange = append(v.willChange, willListener{id: id, fn: fn})
	return func() {
		for i, l := range v.willChange {
			if l.id == id {
				v.willChange = append(v.willChange[:i:i], v.willChange[i+1:]...)
				return
			}
		}
	}
}

// OnChange registers fn to receive the value after every change. It returns a
// function that removes the listener.
func (v *Value[V]) OnChange(fn func(V)) func() {
	v.nextID++
	id := v.nextID
	v.changed = append(v.changed, changeListener[V]{id: id, fn: fn})
	return func() {
		for i, l := range v.changed {
			if l.id == id {
				v.changed = append(v.changed[:i:i], v.changed[i+1:]...)
				return
			}
		}
	}
}

// Dispose stops observing the store. The value keeps working for local reads
// and writes but no longer follows external changes.
func (v *Value[V]) Dispose() {
	if v.disposed {
		return
	}
	v.disposed = true
	close(v.done)
	if v.obs != nil {
		v.obs.Cancel()
	}
}

// applyExternal handles a change delivered by the store. It runs on the loop.
func (v *Value[V]) applyExternal(e state.Entry) {
	if v.disposed {
		return
	}

	_, span := v.tracer.StartExternalSpan(context.Background(), v.key)
	outcome, err := v.apply(e)
	v.tracer.EndExternalSpan(span, telemetry.ExternalSpanOptions{Revision: e.Revision, Outcome: outcome}, err)
}

func (v *Value[V]) apply(e state.Entry) (string, error) {
	if e.Revision != 0 && e.Revision <= v.watermark {
		v.logger.EchoSuppressed(v.key, e.Revision)
		return "stale", nil
	}

	if !e.Present {
		// The store dropped the key with its history; the next revision
		// it reports may be lower than anything seen so far.
		if e.Revision == 0 {
			v.watermark = 0
		}
		if v.absent {
			v.observeRevision(e.Revision)
			v.logger.EchoSuppressed(v.key, e.Revision)
			return "duplicate", nil
		}
		v.fireWillChange()
		v.state = v.def
		v.absent = true
		v.observeRevision(e.Revision)
		v.logger.ExternalApplied(v.key, e.Revision, "default")
		v.fireChange(v.state)
		return "absent", nil
	}

	decoded, err := v.codec.Decode(e.Value)
	if err != nil {
		v.observeRevision(e.Revision)
		v.logger.ExternalRejected(v.key, err)
		return "rejected", err
	}

	v.fireWillChange()
	v.state = decoded
	v.absent = false
	v.observeRevision(e.Revision)
	v.logger.ExternalApplied(v.key, e.Revision, "decoded")
	v.fireChange(decoded)
	return "applied", nil
}

func (v *Value[V]) observeRevision(rev uint64) {
	if rev > v.watermark {
		v.watermark = rev
	}
}

func (v *Value[V]) fireWillChange() {
	listeners := append([]willListener(nil), v.willChange...)
	for _, l := range listeners {
		v.safely(func() { l.fn() })
	}
}

func (v *Value[V]) fireChange(nv V) {
	listeners := append([]changeListener[V](nil), v.changed...)
	for _, l := range listeners {
		v.safely(func() { l.fn(nv) })
	}
}

// safely runs a listener, logging a panic instead of unwinding the loop.
func (v *Value[V]) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("listener panicked", map[string]interface{}{
				"key":   v.key,
				"error": errors.RecoverPanic(r).Error(),
			})
		}
	}()
	fn()
}

func (v *Value[V]) debugValue(t codec.Tree) string {
	if !v.tracer.Debug() || t == nil {
		return ""
	}
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}
