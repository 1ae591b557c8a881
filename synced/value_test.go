package synced

import (
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/state"
)

func openPrefs(t *testing.T, r *Registry, store state.Store) *Value[prefs] {
	t.Helper()
	v, err := Open(r, store, "K", defaultPrefs, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return v
}

func read[V any](t *testing.T, r *Registry, v *Value[V]) V {
	t.Helper()
	var out V
	onLoop(t, r, func() { out = v.Read() })
	return out
}

func write[V any](t *testing.T, r *Registry, v *Value[V], nv V) error {
	t.Helper()
	var err error
	onLoop(t, r, func() { err = v.Write(nv) })
	return err
}

// counters records listener calls made on the loop.
type counters[V any] struct {
	will    int
	changes []V
}

func listen[V any](t *testing.T, r *Registry, v *Value[V]) *counters[V] {
	t.Helper()
	c := &counters[V]{}
	onLoop(t, r, func() {
		v.OnWillChange(func() { c.will++ })
		v.OnChange(func(nv V) { c.changes = append(c.changes, nv) })
	})
	return c
}

func snapshot[V any](t *testing.T, r *Registry, c *counters[V]) (int, []V) {
	t.Helper()
	var will int
	var changes []V
	onLoop(t, r, func() {
		will = c.will
		changes = append(changes, c.changes...)
	})
	return will, changes
}

// ============================================================================
// Default fallback and write-through
// ============================================================================

func TestValue_DefaultWhenAbsent(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("expected default %+v, got %+v", defaultPrefs, got)
	}
	if e, _ := store.Get("K"); e.Present {
		t.Errorf("opening must not write to the store, found %v", e.Value)
	}
}

func TestValue_ScenarioA(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	if err := write(t, r, v, prefs{Foo: 0, Bar: "123", Bash: nil}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	e, _ := store.Get("K")
	want := map[string]any{"foo": 0.0, "bar": "123"}
	if !e.Present || !codec.Equal(e.Value, want) {
		t.Errorf("expected store to hold %v, got %v", want, e.Value)
	}
	if _, ok := e.Value.(map[string]any)["bash"]; ok {
		t.Error("absent optional field should be omitted")
	}

	second := openPrefs(t, r, store)
	if got := read(t, r, second); got.Bar != "123" {
		t.Errorf("second accessor read %+v", got)
	}
}

func TestValue_InitialReadDecodes(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	store.Set("K", map[string]any{"foo": 1.5, "bar": "stored"})
	v := openPrefs(t, r, store)
	if got := read(t, r, v); got.Foo != 1.5 || got.Bar != "stored" {
		t.Errorf("expected stored value, got %+v", got)
	}
}

func TestValue_InitialReadUndecodable(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	store.Set("K", "not an object")
	v := openPrefs(t, r, store)
	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("expected default for undecodable entry, got %+v", got)
	}
	if !strings.Contains(logs.String(), "external_rejected") {
		t.Errorf("expected decode failure to be logged, got:\n%s", logs)
	}
}

func TestValue_InitialReadFailure(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := newScriptStore()
	store.getErr = fmt.Errorf("disk on fire")

	v := openPrefs(t, r, store)
	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("expected default when the read fails, got %+v", got)
	}
	if !strings.Contains(logs.String(), "initial read failed") {
		t.Errorf("expected read failure to be logged, got:\n%s", logs)
	}
}

func TestValue_InvalidKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	_, err := Open(r, store, "bad key", "", nil)
	if !errors.Is(err, errors.ErrCodeInvalidKey) {
		t.Errorf("expected INVALID_KEY, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("failed open must not register a value")
	}
}

// ============================================================================
// Loop avoidance
// ============================================================================

func TestValue_WriteFiresOnce_SyncStore(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	next := prefs{Foo: 2, Bar: "two"}
	write(t, r, v, next)
	settle(t, r)

	will, changes := snapshot(t, r, c)
	if will != 1 || len(changes) != 1 || changes[0] != next {
		t.Errorf("expected exactly one transition, got will=%d changes=%+v", will, changes)
	}
	if !strings.Contains(logs.String(), "echo_suppressed") {
		t.Errorf("expected echo to be suppressed, got:\n%s", logs)
	}
}

func TestValue_WriteFiresOnce_AsyncStore(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()
	store.async = true

	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	for i := 1; i <= 3; i++ {
		write(t, r, v, prefs{Foo: float64(i)})
	}
	store.pending.Wait()
	settle(t, r)

	_, changes := snapshot(t, r, c)
	if len(changes) != 3 {
		t.Fatalf("expected 3 transitions, got %d: %+v", len(changes), changes)
	}
	if got := read(t, r, v); got.Foo != 3 {
		t.Errorf("late echoes must not roll the value back, got %+v", got)
	}
}

func TestValue_StaleDeliveryIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()

	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Bar: "first"})
	write(t, r, v, prefs{Bar: "second"})
	c := listen(t, r, v)

	store.emit(state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "first"}, Present: true, Revision: 1})
	settle(t, r)

	if got := read(t, r, v); got.Bar != "second" {
		t.Errorf("stale delivery applied: %+v", got)
	}
	if _, changes := snapshot(t, r, c); len(changes) != 0 {
		t.Errorf("expected no transition, got %+v", changes)
	}
}

func TestValue_RevisionsRestartAfterPurge(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()

	v := openPrefs(t, r, store)
	for i := 1; i <= 5; i++ {
		write(t, r, v, prefs{Foo: float64(i), Bar: "local"})
	}

	// Purging the item removes its revision counter, so the next writer
	// starts again at 1.
	store.emit(state.Entry{Key: "K", Operation: state.OpDelete})
	store.emit(state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "remote"}, Present: true, Revision: 1})
	settle(t, r)

	if got := read(t, r, v); got.Bar != "remote" {
		t.Errorf("write after purge dropped as stale: %+v", got)
	}

	store.emit(state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "remote"}, Present: true, Revision: 1})
	store.emit(state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "replayed"}, Present: true, Revision: 1})
	settle(t, r)
	if got := read(t, r, v); got.Bar != "remote" {
		t.Errorf("revision 1 replayed after it was applied: %+v", got)
	}
}

func TestValue_DuplicateDeliveryIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()

	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	e := state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "ext"}, Present: true, Revision: 10}
	store.emit(e)
	store.emit(e)
	settle(t, r)

	if _, changes := snapshot(t, r, c); len(changes) != 1 {
		t.Errorf("expected one transition for a repeated delivery, got %d", len(changes))
	}
}

// ============================================================================
// External changes
// ============================================================================

func TestValue_ExternalChangeApplied(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	store.Set("K", map[string]any{"foo": 7.0, "bar": "external"})
	settle(t, r)

	want := prefs{Foo: 7, Bar: "external"}
	if got := read(t, r, v); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	will, changes := snapshot(t, r, c)
	if will != 1 || len(changes) != 1 || changes[0] != want {
		t.Errorf("expected one notification, got will=%d changes=%+v", will, changes)
	}
}

func TestValue_ExternalChangeFromOtherGoroutine(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()
	store.async = true

	v := openPrefs(t, r, store)
	store.emit(state.Entry{Key: "K", Value: map[string]any{"foo": 0.0, "bar": "async"}, Present: true, Revision: 5})

	waitFor(t, "external change", func() bool { return read(t, r, v).Bar == "async" })
}

func TestValue_ExternalAbsenceRevertsToDefault(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	store.Set("K", map[string]any{"foo": 0.0, "bar": "stored"})
	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	store.Delete("K")
	settle(t, r)

	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("expected default after external delete, got %+v", got)
	}
	if _, changes := snapshot(t, r, c); len(changes) != 1 {
		t.Errorf("expected one notification, got %d", len(changes))
	}
}

func TestValue_BadExternalDataKeepsState(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Bar: "good"})
	before := read(t, r, v)
	c := listen(t, r, v)

	store.Set("K", []any{"not", "prefs"})
	settle(t, r)

	if got := read(t, r, v); got != before {
		t.Errorf("state changed on bad data: before %+v after %+v", before, got)
	}
	will, changes := snapshot(t, r, c)
	if will != 0 || len(changes) != 0 {
		t.Errorf("expected no notification, got will=%d changes=%d", will, len(changes))
	}
	if !strings.Contains(logs.String(), "external_rejected") {
		t.Errorf("expected rejection to be logged, got:\n%s", logs)
	}
}

func TestValue_UnrelatedMapKeepsState(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Foo: 3, Bar: "good"})
	c := listen(t, r, v)

	store.Set("K", map[string]any{"totally": "unrelated"})
	settle(t, r)

	if got := read(t, r, v); got.Foo != 3 || got.Bar != "good" {
		t.Errorf("unrelated map overwrote state: %+v", got)
	}
	if _, changes := snapshot(t, r, c); len(changes) != 0 {
		t.Errorf("expected no change notification, got %d", len(changes))
	}
	if !strings.Contains(logs.String(), "missing field") {
		t.Errorf("expected missing field in rejection log, got:\n%s", logs)
	}
}

// ============================================================================
// Failures
// ============================================================================

func TestValue_StoreFailureKeepsLocalValue(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()
	store.setErr = errors.StoreFailed("set", "K", fmt.Errorf("read-only"))

	v := openPrefs(t, r, store)
	c := listen(t, r, v)

	next := prefs{Bar: "unsaved"}
	err := write(t, r, v, next)
	if !errors.Is(err, errors.ErrCodeStore) {
		t.Fatalf("expected STORE_FAILED, got %v", err)
	}
	if errors.AsSyncError(err).Key() != "K" {
		t.Errorf("expected error to carry the key, got %q", errors.AsSyncError(err).Key())
	}
	if got := read(t, r, v); got != next {
		t.Errorf("local value should reflect the attempted write, got %+v", got)
	}
	if _, changes := snapshot(t, r, c); len(changes) != 1 {
		t.Errorf("expected change notification despite failure, got %d", len(changes))
	}

	// Suppression does not outlive the failed write.
	store.setErr = nil
	store.put("K", map[string]any{"foo": 0.0, "bar": "external"})
	settle(t, r)
	if got := read(t, r, v); got.Bar != "external" {
		t.Errorf("external change after failed write was dropped: %+v", got)
	}
}

func TestValue_EncodeFailureLeavesStore(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	failing := codec.Funcs[string]{
		EncodeFunc: func(s string) (codec.Tree, error) {
			if s == "bad" {
				return nil, fmt.Errorf("unrepresentable")
			}
			return s, nil
		},
		DecodeFunc: func(t codec.Tree) (string, error) {
			s, ok := t.(string)
			if !ok {
				return "", fmt.Errorf("not a string")
			}
			return s, nil
		},
	}

	v, err := Open[string](r, store, "S", "default", failing)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	write(t, r, v, "good")

	err = write(t, r, v, "bad")
	if !errors.Is(err, errors.ErrCodeEncode) {
		t.Fatalf("expected ENCODE_FAILED, got %v", err)
	}
	if got := read(t, r, v); got != "bad" {
		t.Errorf("expected local value to hold the attempted write, got %q", got)
	}
	if e, _ := store.Get("S"); e.Value != "good" {
		t.Errorf("store must be untouched, got %v", e.Value)
	}
}

func TestValue_ListenerPanicIsContained(t *testing.T) {
	r, logs := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	var after []prefs
	onLoop(t, r, func() {
		v.OnChange(func(prefs) { panic("listener bug") })
		v.OnChange(func(p prefs) { after = append(after, p) })
	})

	if err := write(t, r, v, prefs{Bar: "x"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	onLoop(t, r, func() {
		if len(after) != 1 {
			t.Errorf("later listener did not run, got %d calls", len(after))
		}
	})
	if !strings.Contains(logs.String(), "listener panicked") {
		t.Errorf("expected panic to be logged, got:\n%s", logs)
	}
}

// ============================================================================
// Listeners, Clear, Dispose
// ============================================================================

func TestValue_RemoveListener(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	calls := 0
	var remove func()
	onLoop(t, r, func() { remove = v.OnChange(func(prefs) { calls++ }) })

	write(t, r, v, prefs{Bar: "1"})
	onLoop(t, r, remove)
	write(t, r, v, prefs{Bar: "2"})

	onLoop(t, r, func() {
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}

func TestValue_ListenerMayWrite(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	mirror, err := Open(r, store, "mirror", "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	onLoop(t, r, func() {
		v.OnChange(func(p prefs) { mirror.Write(p.Bar) })
	})

	write(t, r, v, prefs{Bar: "copied"})
	if got := read(t, r, mirror); got != "copied" {
		t.Errorf("expected listener write to land, got %q", got)
	}
	if e, _ := store.Get("mirror"); e.Value != "copied" {
		t.Errorf("expected listener write to persist, got %v", e.Value)
	}
}

func TestValue_Clear(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Bar: "set"})
	c := listen(t, r, v)

	var err error
	onLoop(t, r, func() { err = v.Clear() })
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	settle(t, r)

	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("expected default after clear, got %+v", got)
	}
	if e, _ := store.Get("K"); e.Present {
		t.Errorf("expected entry removed, got %v", e.Value)
	}
	if _, changes := snapshot(t, r, c); len(changes) != 1 {
		t.Errorf("expected one notification, got %d", len(changes))
	}
}

func TestValue_ClearRevealsRegisteredDefault(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := state.NewMemoryStore()
	defer store.Close()

	store.RegisterDefaults(map[string]codec.Tree{"K": map[string]any{"foo": 0.0, "bar": "registered"}})
	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Bar: "explicit"})

	onLoop(t, r, func() { v.Clear() })
	if got := read(t, r, v); got.Bar != "registered" {
		t.Errorf("expected registered default after clear, got %+v", got)
	}
}

func TestValue_ClearWithUnknownRevision(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()
	store.async = true
	store.deleteRev = false

	v := openPrefs(t, r, store)
	write(t, r, v, prefs{Bar: "set"})
	c := listen(t, r, v)

	onLoop(t, r, func() { v.Clear() })
	store.pending.Wait()
	settle(t, r)

	if _, changes := snapshot(t, r, c); len(changes) != 1 {
		t.Errorf("delete echo must not fire a second notification, got %d", len(changes))
	}
}

func TestValue_Dispose(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()

	v := openPrefs(t, r, store)
	if store.observers("K") != 1 {
		t.Fatalf("expected one observer, got %d", store.observers("K"))
	}

	onLoop(t, r, func() {
		v.Dispose()
		v.Dispose()
	})
	if store.observers("K") != 0 {
		t.Errorf("expected subscription cancelled, got %d observers", store.observers("K"))
	}

	store.put("K", map[string]any{"foo": 0.0, "bar": "ignored"})
	settle(t, r)
	if got := read(t, r, v); got != defaultPrefs {
		t.Errorf("disposed value followed an external change: %+v", got)
	}

	// Local writes still work.
	if err := write(t, r, v, prefs{Bar: "local"}); err != nil {
		t.Errorf("Write after Dispose failed: %v", err)
	}
}

func TestValue_CollectedOwnerCancelsSubscription(t *testing.T) {
	r, _ := newTestRegistry(t)
	store := newScriptStore()

	func() {
		var err error
		onLoop(t, r, func() {
			_, err = newValue(r, store, "K", defaultPrefs, codec.For[prefs]())
		})
		if err != nil {
			t.Fatalf("newValue failed: %v", err)
		}
	}()

	waitFor(t, "subscription cleanup", func() bool {
		runtime.GC()
		return store.observers("K") == 0
	})
}
