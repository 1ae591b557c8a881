package synced

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/vinayprograms/kvsync/state"
)

// observation is the store subscription of one Value. It refers to the Value
// weakly: a Value that is no longer reachable is collected, and its
// subscription is cancelled with it.
type observation[V any] struct {
	owner     weak.Pointer[Value[V]]
	key       string
	cancelled atomic.Bool

	mu      sync.Mutex
	sub     state.Subscription
	cleanup runtime.Cleanup
}

// observe subscribes v to its key.
func observe[V any](v *Value[V]) (*observation[V], error) {
	o := &observation[V]{
		owner: weak.Make(v),
		key:   v.key,
	}

	sub, err := v.store.Observe(v.key, o.deliver)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.sub = sub
	o.cleanup = runtime.AddCleanup(v, func(s state.Subscription) { s.Cancel() }, sub)
	o.mu.Unlock()
	return o, nil
}

// deliver runs on the store's delivery goroutine. It drops the change if
// the owner is gone or is in the middle of its own write, and otherwise hands
// it to the owner's loop.
func (o *observation[V]) deliver(e state.Entry) {
	if o.cancelled.Load() {
		return
	}
	v := o.owner.Value()
	if v == nil {
		o.Cancel()
		return
	}
	if v.suppressing.Load() {
		v.logger.EchoSuppressed(o.key, e.Revision)
		return
	}
	v.loop.Post(func() { v.applyExternal(e) })
}

// Cancel ends the subscription. Safe to call more than once.
func (o *observation[V]) Cancel() {
	if o.cancelled.Swap(true) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sub != nil {
		o.sub.Cancel()
		o.cleanup.Stop()
	}
}

// Cancelled reports whether the subscription has ended.
func (o *observation[V]) Cancelled() bool {
	return o.cancelled.Load()
}
