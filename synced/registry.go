package synced

import (
	"reflect"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/logging"
	"github.com/vinayprograms/kvsync/state"
	"github.com/vinayprograms/kvsync/telemetry"
)

// StoreKey identifies one key of one store.
type StoreKey struct {
	StoreID string
	Key     string
}

// entry is a registered Value of a type known only through typ.
type entry struct {
	typ     reflect.Type
	handle  any
	dispose func()
}

// Registry holds at most one Value per StoreKey and makes sure every caller
// agrees on its type. The table is confined to the registry's Loop.
type Registry struct {
	loop     *Loop
	ownsLoop bool
	logger   *logging.Logger
	tracer   *telemetry.Tracer

	entries map[StoreKey]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoop confines the registry and its values to l. The caller owns l.
func WithLoop(l *Loop) Option {
	return func(r *Registry) {
		r.loop = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithTracer sets the tracer for write and external change spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

// NewRegistry creates an empty registry. Without WithLoop it starts its own
// loop, which Close stops.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{entries: make(map[StoreKey]*entry)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.loop == nil {
		r.loop = NewLoop()
		r.ownsLoop = true
	}
	r.logger = logging.OrDefault(r.logger, "synced")
	if r.tracer == nil {
		r.tracer = telemetry.GetTracer()
	}
	return r
}

// Loop returns the loop the registry is confined to.
func (r *Registry) Loop() *Loop {
	return r.loop
}

// Open returns the Value for key in store, creating it on first use with
// def as its default. Later calls return the same Value and ignore def and c.
//
// Asking for a key that is already open with a different type fails with a
// TYPE_MISMATCH error. That is a programming error; see MustOpen.
//
// A nil codec selects codec.For[V](). Open must not be called from the loop.
func Open[V any](r *Registry, store state.Store, key string, def V, c codec.Codec[V]) (*Value[V], error) {
	var (
		v   *Value[V]
		err error
	)
	if derr := r.loop.Do(func() { v, err = open(r, store, key, def, c) }); derr != nil {
		return nil, derr
	}
	return v, err
}

// open looks up or creates the Value. It runs on the loop.
func open[V any](r *Registry, store state.Store, key string, def V, c codec.Codec[V]) (*Value[V], error) {
	if r.entries == nil {
		return nil, ErrLoopClosed
	}

	sk := StoreKey{StoreID: store.ID(), Key: key}
	typ := reflect.TypeFor[V]()

	if e, ok := r.entries[sk]; ok {
		if e.typ != typ {
			err := errors.TypeMismatch(key, e.typ.String(), typ.String())
			r.logger.Error("type mismatch", map[string]interface{}{
				"key":       key,
				"existing":  e.typ.String(),
				"requested": typ.String(),
			})
			return nil, err
		}
		return e.handle.(*Value[V]), nil
	}

	if c == nil {
		c = codec.For[V]()
	}
	v, err := newValue(r, store, key, def, c)
	if err != nil {
		return nil, err
	}
	r.entries[sk] = &entry{typ: typ, handle: v, dispose: v.Dispose}
	return v, nil
}

// MustOpen is like Open but panics on error. A type mismatch means two parts
// of the program disagree about what a key holds, and continuing would let
// one of them read the other's data wrongly.
func MustOpen[V any](r *Registry, store state.Store, key string, def V, c codec.Codec[V]) *Value[V] {
	v, err := Open(r, store, key, def, c)
	if err != nil {
		panic(err)
	}
	return v
}

// Len returns the number of open values.
func (r *Registry) Len() int {
	n := 0
	r.loop.Do(func() { n = len(r.entries) })
	return n
}

// Reset disposes every value and empties the registry. Values handed out
// earlier stop following their stores.
func (r *Registry) Reset() error {
	return r.loop.Do(r.reset)
}

func (r *Registry) reset() {
	if r.entries == nil {
		return
	}
	n := len(r.entries)
	for _, e := range r.entries {
		e.dispose()
	}
	r.entries = make(map[StoreKey]*entry)
	r.logger.RegistryReset(n)
}

// Close resets the registry and stops its loop if the registry started it.
// Open fails afterwards.
func (r *Registry) Close() error {
	err := r.loop.Do(func() {
		r.reset()
		r.entries = nil
	})
	if r.ownsLoop {
		r.loop.Close()
	}
	if err == ErrLoopClosed {
		return nil
	}
	return err
}
