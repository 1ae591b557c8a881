// Package errors defines the errors kvsync returns.
//
// Every failure carries an ErrorCode and the category that code belongs to.
// Transient failures (STORE_FAILED, TIMEOUT) may succeed when repeated;
// permanent ones (ENCODE_FAILED, DECODE_FAILED, INVALID_KEY, STORE_CLOSED,
// LOOP_CLOSED) will not; internal ones (TYPE_MISMATCH, PANIC) are bugs in the
// calling program. Errors also record the operation and store key involved.
//
// A failed write is still applied locally, so the error tells the caller what
// did not reach the store:
//
//	if err := prefs.Set(p); errors.Is(err, errors.ErrCodeEncode) {
//	    // p is visible to readers but was never persisted
//	} else if errors.IsRetryable(err) {
//	    // try again later
//	}
//
// The package name shadows the standard library; import one of them under
// an alias when both are needed.
package errors
