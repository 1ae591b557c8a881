package synced

import (
	"context"
	"iter"
	"sync"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/state"
)

// Accessor is a goroutine-safe handle on a shared Value. Each method runs on
// the registry's loop, so Accessor methods must not be called from change
// listeners; use the Value passed through Value() there instead.
type Accessor[V any] struct {
	value *Value[V]
}

// BindOption configures Bind.
type BindOption[V any] func(*bindConfig[V])

type bindConfig[V any] struct {
	codec codec.Codec[V]
}

// WithCodec sets the codec used if Bind creates the Value.
func WithCodec[V any](c codec.Codec[V]) BindOption[V] {
	return func(cfg *bindConfig[V]) {
		cfg.codec = c
	}
}

// Bind returns an accessor for key in store, sharing the Value with every
// other accessor of the same key. It panics if the key is already bound to a
// different type, or if the Value cannot be created.
func Bind[V any](r *Registry, store state.Store, key string, def V, opts ...BindOption[V]) *Accessor[V] {
	var cfg bindConfig[V]
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Accessor[V]{value: MustOpen(r, store, key, def, cfg.codec)}
}

// Value returns the shared Value. Its methods may only be called on the loop.
func (a *Accessor[V]) Value() *Value[V] {
	return a.value
}

// Key returns the store key.
func (a *Accessor[V]) Key() string {
	return a.value.key
}

// Get returns the current value. After the loop has closed it returns the
// last value the loop saw.
func (a *Accessor[V]) Get() V {
	var out V
	if err := a.value.loop.Do(func() { out = a.value.Read() }); err != nil {
		// Close may still be running queued work.
		<-a.value.loop.Done()
		return a.value.state
	}
	return out
}

// Set writes v. See Value.WriteContext for failure semantics.
func (a *Accessor[V]) Set(v V) error {
	return a.SetContext(context.Background(), v)
}

// SetContext writes v, tracing under ctx.
func (a *Accessor[V]) SetContext(ctx context.Context, v V) error {
	var err error
	if derr := a.value.loop.Do(func() { err = a.value.WriteContext(ctx, v) }); derr != nil {
		return derr
	}
	return err
}

// Update applies fn to a copy of the current value and writes the result, in
// one loop turn.
func (a *Accessor[V]) Update(fn func(*V)) error {
	var err error
	derr := a.value.loop.Do(func() {
		cur := a.value.Read()
		fn(&cur)
		err = a.value.Write(cur)
	})
	if derr != nil {
		return derr
	}
	return err
}

// Clear removes the stored entry and reverts to the default.
func (a *Accessor[V]) Clear() error {
	var err error
	if derr := a.value.loop.Do(func() { err = a.value.Clear() }); derr != nil {
		return derr
	}
	return err
}

// Updates returns a channel that receives the value after every change,
// starting with the next one. Values are queued, never dropped, until the
// receiver takes them. The channel is closed when ctx is done, or once the
// queued values are delivered after the Value is disposed or its loop closes.
func (a *Accessor[V]) Updates(ctx context.Context) <-chan V {
	out := make(chan V)
	q := &updateQueue[V]{signal: make(chan struct{}, 1)}

	var remove func()
	if err := a.value.loop.Do(func() { remove = a.value.OnChange(q.push) }); err != nil {
		close(out)
		return out
	}

	disposed, loopDone := a.value.done, a.value.loop.Done()
	go func() {
		defer close(out)
		defer a.value.loop.Post(remove)

		stopped := false
		for {
			v, ok := q.pop()
			if !ok {
				if stopped {
					return
				}
				select {
				case <-q.signal:
				case <-disposed:
					stopped = true
				case <-loopDone:
					stopped = true
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Values returns the changes as a sequence. Each iteration subscribes
// afresh and stops when the loop body breaks or ctx is done.
func (a *Accessor[V]) Values(ctx context.Context) iter.Seq[V] {
	return func(yield func(V) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		for v := range a.Updates(ctx) {
			if !yield(v) {
				return
			}
		}
	}
}

// updateQueue buffers changes between the loop and a slow receiver.
type updateQueue[V any] struct {
	mu     sync.Mutex
	items  []V
	signal chan struct{}
}

func (q *updateQueue[V]) push(v V) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *updateQueue[V]) pop() (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero V
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}
