package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds message in front of err. Wrapping a kvsync error keeps its code,
// op, key and retry answer, so a store failure stays a store failure after
// the synced layer names the write it belonged to. Context errors become
// TIMEOUT or CANCELED and anything else INTERNAL. Wrap(nil) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	inner := asError(err)
	if inner == nil {
		code := ErrCodeInternal
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = ErrCodeTimeout
		case errors.Is(err, context.Canceled):
			code = ErrCodeCanceled
		}
		return New(code, message, append(opts, WithCause(err))...)
	}

	e := &Error{
		code:      inner.code,
		category:  inner.category,
		op:        inner.op,
		key:       inner.key,
		message:   message,
		cause:     err,
		retryable: inner.retryable,
		metadata:  inner.Metadata(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// AsSyncError returns the outermost kvsync error in err's chain, or nil.
func AsSyncError(err error) SyncError {
	if e := asError(err); e != nil {
		return e
	}
	return nil
}

// Is reports whether the outermost kvsync error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	e := asError(err)
	return e != nil && e.code == code
}

// IsRetryable reports whether err is a kvsync error worth retrying. Errors
// from outside kvsync are not.
func IsRetryable(err error) bool {
	e := asError(err)
	return e != nil && e.Retryable()
}

// Code returns the code of the outermost kvsync error, or "".
func Code(err error) ErrorCode {
	if e := asError(err); e != nil {
		return e.code
	}
	return ""
}

// Cause follows Unwrap to the innermost error.
func Cause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// RecoverPanic turns a value returned by recover into a PANIC error. A
// listener or Loop.Do function that panics is reported this way.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	var msg string
	switch v := recovered.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprint(v)
	}
	return New(ErrCodePanic, msg, WithMetadata("panic_type", fmt.Sprintf("%T", recovered)))
}
