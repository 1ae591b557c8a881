package errors

// ErrorCategory groups codes by the reaction they call for.
type ErrorCategory string

const (
	// CategoryTransient failures may clear up: the store was unreachable,
	// slow or throttling.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent failures repeat on retry: the value or key is
	// unusable, or the resource is gone.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal failures are bugs in the calling program, such as
	// one key opened with two types.
	CategoryInternal ErrorCategory = "internal"
)

func (c ErrorCategory) String() string { return string(c) }

// IsRetryable reports whether the category is transient.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode names one kind of failure.
type ErrorCode string

const (
	ErrCodeStore        ErrorCode = "STORE_FAILED"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeEncode       ErrorCode = "ENCODE_FAILED"
	ErrCodeDecode       ErrorCode = "DECODE_FAILED"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidKey   ErrorCode = "INVALID_KEY"
	ErrCodeStoreClosed  ErrorCode = "STORE_CLOSED"
	ErrCodeLoopClosed   ErrorCode = "LOOP_CLOSED"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodePanic        ErrorCode = "PANIC"
)

type codeInfo struct {
	category    ErrorCategory
	description string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeStore:        {CategoryTransient, "store operation failed"},
	ErrCodeTimeout:      {CategoryTransient, "store operation timed out"},
	ErrCodeEncode:       {CategoryPermanent, "value cannot be encoded"},
	ErrCodeDecode:       {CategoryPermanent, "stored value cannot be decoded"},
	ErrCodeNotFound:     {CategoryPermanent, "key not found"},
	ErrCodeInvalidKey:   {CategoryPermanent, "invalid key"},
	ErrCodeStoreClosed:  {CategoryPermanent, "store closed"},
	ErrCodeLoopClosed:   {CategoryPermanent, "loop closed"},
	ErrCodeCanceled:     {CategoryPermanent, "operation canceled"},
	ErrCodeTypeMismatch: {CategoryInternal, "value type does not match existing binding"},
	ErrCodeInternal:     {CategoryInternal, "internal error"},
	ErrCodePanic:        {CategoryInternal, "recovered from panic"},
}

func (c ErrorCode) String() string { return string(c) }

// DefaultCategory returns the category an Error with this code starts with.
// Unknown codes are internal.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Description returns the message FromCode uses.
func (c ErrorCode) Description() string {
	if info, ok := codes[c]; ok {
		return info.description
	}
	return "unknown error"
}
