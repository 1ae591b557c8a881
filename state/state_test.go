package state

import (
	"testing"

	"github.com/vinayprograms/kvsync/errors"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"foo", true},
		{"prefs.theme", true},
		{"a-b_c", true},
		{"", false},
		{"has space", false},
		{".leading", false},
		{"trailing.", false},
		{string(make([]byte, 1025)), false},
	}

	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if tt.valid && err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", tt.key, err)
		}
		if !tt.valid && !errors.Is(err, errors.ErrCodeInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want INVALID_KEY", tt.key, err)
		}
	}
}

func TestOperation_String(t *testing.T) {
	if OpPut.String() != "put" {
		t.Errorf("OpPut = %q", OpPut.String())
	}
	if OpDelete.String() != "delete" {
		t.Errorf("OpDelete = %q", OpDelete.String())
	}
	if Operation(42).String() != "unknown" {
		t.Errorf("Operation(42) = %q", Operation(42).String())
	}
}

func TestNormalizeValue_RejectsNil(t *testing.T) {
	_, err := normalizeValue("k", nil)
	if !errors.Is(err, errors.ErrCodeStore) {
		t.Fatalf("expected STORE_FAILED, got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("invalid value should not be retryable")
	}
}

func TestHub_NotifyClonesValue(t *testing.T) {
	h := newHub()
	var got Entry
	sub, err := h.add("k", func(e Entry) { got = e })
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	defer sub.Cancel()

	value := map[string]any{"a": int64(1)}
	h.notify(present("k", value, 3))

	m, ok := got.Value.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", got.Value)
	}
	m["a"] = int64(2)
	if value["a"] != int64(1) {
		t.Error("handler mutation leaked into notified value")
	}
	if got.Revision != 3 || !got.Present || got.Operation != OpPut {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestHub_CancelAndClose(t *testing.T) {
	h := newHub()
	calls := 0
	sub, _ := h.add("k", func(Entry) { calls++ })

	if !h.observed("k") {
		t.Fatal("expected key to be observed")
	}
	sub.Cancel()
	sub.Cancel()
	if h.observed("k") {
		t.Fatal("expected key to be unobserved after cancel")
	}

	h.notify(absent("k", 1))
	if calls != 0 {
		t.Errorf("expected no calls after cancel, got %d", calls)
	}

	h.close()
	if _, err := h.add("k", func(Entry) {}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
