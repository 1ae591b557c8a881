package state

import (
	"strings"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
)

// Common errors.
var (
	ErrClosed     = errors.FromCode(errors.ErrCodeStoreClosed)
	ErrInvalidKey = errors.FromCode(errors.ErrCodeInvalidKey)
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is the resolved value of a key, as returned by Get and delivered to
// observers.
type Entry struct {
	// Key is the entry key.
	Key string

	// Value is the stored tree. Nil when Present is false.
	Value codec.Tree

	// Present is false when the key has no value: never set, deleted, or
	// cleared. This is the absence marker.
	Present bool

	// Revision orders changes within one store. Zero means unknown.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation
}

// Handler receives changes for an observed key. It may run on any goroutine,
// including the goroutine that performed the write.
type Handler func(Entry)

// Subscription is an active observer registration.
type Subscription interface {
	// Cancel stops delivery. Calling it more than once is a no-op.
	Cancel()
}

// Store is a synchronously readable key-value store of trees with a change
// notification channel.
//
// Set and Delete must notify observers of the key exactly like writes made by
// any other writer; observers cannot tell their own writes apart except by
// revision.
type Store interface {
	// ID returns a stable identity for this store instance.
	ID() string

	// Get returns the resolved entry for key. A missing key is not an error;
	// the entry has Present set to false.
	Get(key string) (Entry, error)

	// Set stores value under key and returns the revision of the write.
	Set(key string, value codec.Tree) (uint64, error)

	// Delete removes the value under key and returns the revision of the
	// delete, or zero if it is not known.
	Delete(key string) (uint64, error)

	// Observe registers handler for changes to key.
	Observe(key string, handler Handler) (Subscription, error)

	// Close shuts down the store and cancels all observers.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, " ") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// absent builds the absence entry for key.
func absent(key string, revision uint64) Entry {
	return Entry{Key: key, Revision: revision, Operation: OpDelete}
}

// present builds a put entry for key.
func present(key string, value codec.Tree, revision uint64) Entry {
	return Entry{Key: key, Value: value, Present: true, Revision: revision, Operation: OpPut}
}

// clone deep-copies a canonical tree.
func clone(t codec.Tree) codec.Tree {
	if t == nil {
		return nil
	}
	c, err := codec.Normalize(t)
	if err != nil {
		return t
	}
	return c
}

// normalizeValue validates a tree handed to Set.
func normalizeValue(key string, value codec.Tree) (codec.Tree, error) {
	n, err := codec.Normalize(value)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStore, "value is not a tree",
			errors.WithCause(err), errors.WithKey(key), errors.WithRetryable(false))
	}
	return n, nil
}
