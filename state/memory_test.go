package state

import (
	"sync"
	"testing"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
)

// ============================================================================
// LEVEL 1: Unit Tests - Get/Set/Delete and the defaults layer
// ============================================================================

func TestMemoryStore_Get_Absent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	e, err := s.Get("nonexistent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Present {
		t.Errorf("expected absent entry, got %+v", e)
	}
	if e.Value != nil {
		t.Errorf("expected nil value, got %v", e.Value)
	}
}

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	value := map[string]any{"foo": 0.0, "bar": "123"}
	rev, err := s.Set("test.key", value)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if rev == 0 {
		t.Error("expected non-zero revision")
	}

	e, err := s.Get("test.key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !e.Present || !codec.Equal(e.Value, value) {
		t.Errorf("expected %v, got %+v", value, e)
	}
}

func TestMemoryStore_Get_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Set("k", map[string]any{"n": int64(1)})
	e, _ := s.Get("k")
	e.Value.(map[string]any)["n"] = int64(99)

	again, _ := s.Get("k")
	if again.Value.(map[string]any)["n"] != int64(1) {
		t.Error("mutating a read value changed the store")
	}
}

func TestMemoryStore_RevisionsIncrease(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	r1, _ := s.Set("a", "1")
	r2, _ := s.Set("b", "2")
	r3, _ := s.Delete("a")
	if !(r1 < r2 && r2 < r3) {
		t.Errorf("expected increasing revisions, got %d %d %d", r1, r2, r3)
	}
}

func TestMemoryStore_Delete_Missing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	rev, err := s.Delete("missing")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if rev != 0 {
		t.Errorf("expected zero revision for no-op delete, got %d", rev)
	}
}

func TestMemoryStore_InvalidKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Set("", "v"); !errors.Is(err, errors.ErrCodeInvalidKey) {
		t.Errorf("expected INVALID_KEY, got %v", err)
	}
	if _, err := s.Get("bad key"); !errors.Is(err, errors.ErrCodeInvalidKey) {
		t.Errorf("expected INVALID_KEY, got %v", err)
	}
}

func TestMemoryStore_Defaults_Layering(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.RegisterDefaults(map[string]codec.Tree{"k": "default"}); err != nil {
		t.Fatalf("RegisterDefaults failed: %v", err)
	}

	e, _ := s.Get("k")
	if e.Value != "default" {
		t.Errorf("expected registered default, got %v", e.Value)
	}

	s.Set("k", "explicit")
	e, _ = s.Get("k")
	if e.Value != "explicit" {
		t.Errorf("expected explicit value, got %v", e.Value)
	}

	s.Delete("k")
	e, _ = s.Get("k")
	if e.Value != "default" {
		t.Errorf("expected default after delete, got %v", e.Value)
	}
}

func TestMemoryStore_RegisterDefaults_Merges(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.RegisterDefaults(map[string]codec.Tree{"a": "1"})
	s.RegisterDefaults(map[string]codec.Tree{"b": "2"})

	d := s.Defaults()
	if len(d) != 2 || d["a"] != "1" || d["b"] != "2" {
		t.Errorf("unexpected defaults %v", d)
	}
}

func TestMemoryStore_SetDefaults_Replaces(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.RegisterDefaults(map[string]codec.Tree{"a": "1"})
	saved := s.Defaults()
	s.RegisterDefaults(map[string]codec.Tree{"b": "2"})

	if err := s.SetDefaults(saved); err != nil {
		t.Fatalf("SetDefaults failed: %v", err)
	}
	e, _ := s.Get("b")
	if e.Present {
		t.Errorf("expected b to be absent after restore, got %v", e.Value)
	}
}

// ============================================================================
// LEVEL 2: Observation
// ============================================================================

func TestMemoryStore_Observe_SetAndDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var got []Entry
	sub, err := s.Observe("k", func(e Entry) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer sub.Cancel()

	rev, _ := s.Set("k", "v")
	s.Set("other", "x")
	s.Delete("k")

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if !got[0].Present || got[0].Value != "v" || got[0].Revision != rev {
		t.Errorf("unexpected put entry %+v", got[0])
	}
	if got[1].Present || got[1].Operation != OpDelete {
		t.Errorf("unexpected delete entry %+v", got[1])
	}
}

func TestMemoryStore_Observe_DeleteRevealsDefault(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.RegisterDefaults(map[string]codec.Tree{"k": "default"})
	s.Set("k", "explicit")

	var last Entry
	sub, _ := s.Observe("k", func(e Entry) { last = e })
	defer sub.Cancel()

	s.Delete("k")
	if !last.Present || last.Value != "default" {
		t.Errorf("expected default to be delivered, got %+v", last)
	}
}

func TestMemoryStore_Observe_DefaultsChange(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var got []Entry
	sub, _ := s.Observe("k", func(e Entry) { got = append(got, e) })
	defer sub.Cancel()

	s.RegisterDefaults(map[string]codec.Tree{"k": "d1"})
	s.RegisterDefaults(map[string]codec.Tree{"k": "d1"}) // unchanged
	s.SetDefaults(nil)

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(got), got)
	}
	if got[0].Value != "d1" || got[1].Present {
		t.Errorf("unexpected notifications %+v", got)
	}
}

func TestMemoryStore_Observe_ShadowedDefaultIsSilent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Set("k", "explicit")

	calls := 0
	sub, _ := s.Observe("k", func(Entry) { calls++ })
	defer sub.Cancel()

	s.RegisterDefaults(map[string]codec.Tree{"k": "default"})
	if calls != 0 {
		t.Errorf("expected no notification for shadowed default, got %d", calls)
	}
}

func TestMemoryStore_Observe_HandlerMayWrite(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	sub, _ := s.Observe("a", func(e Entry) {
		if e.Present {
			s.Set("b", e.Value)
		}
	})
	defer sub.Cancel()

	s.Set("a", "copied")
	e, _ := s.Get("b")
	if e.Value != "copied" {
		t.Errorf("expected handler write to land, got %v", e.Value)
	}
}

// ============================================================================
// LEVEL 3: Lifecycle and concurrency
// ============================================================================

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore()
	s.Set("k", "v")

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Set("k", "v"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Observe("k", func(Entry) {}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_ConcurrentWriters(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	sub, _ := s.Observe("k", func(e Entry) {
		mu.Lock()
		seen[e.Revision] = true
		mu.Unlock()
	})
	defer sub.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("k", int64(i))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Errorf("expected 50 distinct revisions, got %d", len(seen))
	}
}
