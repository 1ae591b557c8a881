package errors

import (
	"fmt"
	"maps"
	"strings"
)

// SyncError is implemented by every error kvsync returns from a store, codec
// or synced value.
type SyncError interface {
	error

	// Code identifies the failure.
	Code() ErrorCode

	// Category groups codes by how a caller should react.
	Category() ErrorCategory

	// Retryable reports whether repeating the operation may succeed.
	Retryable() bool

	// Op is the store or value operation that failed, such as "set".
	Op() string

	// Key is the store key involved, if any.
	Key() string

	// Metadata holds extra detail such as the Go type being coded.
	Metadata() map[string]string

	Unwrap() error
}

// Error is the SyncError implementation.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	op        string
	key       string
	message   string
	cause     error
	retryable *bool
	metadata  map[string]string
}

var _ SyncError = (*Error)(nil)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Op() string              { return e.op }
func (e *Error) Key() string             { return e.key }
func (e *Error) Unwrap() error           { return e.cause }

// Retryable defaults to the category's answer unless WithRetryable was used.
func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy; callers may modify it freely.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	maps.Copy(out, e.metadata)
	return out
}

// Option adjusts an Error under construction.
type Option func(*Error)

// WithCategory replaces the code's default category.
func WithCategory(c ErrorCategory) Option {
	return func(e *Error) { e.category = c }
}

// WithRetryable overrides the category's retry answer. Backends use it to
// mark throttling as retryable and bad requests as not.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata attaches one detail.
func WithMetadata(name, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[name] = value
	}
}

// WithKey records the store key.
func WithKey(key string) Option {
	return func(e *Error) { e.key = key }
}

// WithOp records the failed operation.
func WithOp(op string) Option {
	return func(e *Error) { e.op = op }
}

// WithCause sets the wrapped error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New builds an Error with code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, category: code.DefaultCategory(), message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode builds an Error whose message is the code's description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// EncodeFailed reports a value of typeName that has no tree form. The
// store is never written when this is returned.
func EncodeFailed(typeName string, cause error, opts ...Option) *Error {
	base := []Option{WithOp("encode"), WithCause(cause), WithMetadata("type", typeName)}
	return New(ErrCodeEncode, "encode "+typeName, append(base, opts...)...)
}

// DecodeFailed reports a stored tree that cannot become a typeName.
func DecodeFailed(typeName string, cause error, opts ...Option) *Error {
	base := []Option{WithOp("decode"), WithCause(cause), WithMetadata("type", typeName)}
	return New(ErrCodeDecode, "decode "+typeName, append(base, opts...)...)
}

// StoreFailed reports a persistence call op on key that did not complete.
func StoreFailed(op, key string, cause error) *Error {
	return New(ErrCodeStore, "store "+op, WithOp(op), WithKey(key), WithCause(cause))
}

// TypeMismatch reports key being opened as requested while it is already
// bound to existing.
func TypeMismatch(key, existing, requested string) *Error {
	msg := fmt.Sprintf("key %q is bound to %s, cannot open it as %s", key, existing, requested)
	return New(ErrCodeTypeMismatch, msg,
		WithOp("open"),
		WithKey(key),
		WithMetadata("existing", existing),
		WithMetadata("requested", requested),
	)
}
