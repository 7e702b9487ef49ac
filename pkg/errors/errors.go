package sentinal_errors

import "errors"

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Key and session errors
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrStorage        = errors.New("storage error")
	ErrCrypto         = errors.New("crypto library error")
	ErrCache          = errors.New("cache error")

	ErrValidation   = ErrInvalidInput
	ErrAccessDenied = ErrForbidden
)

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Wrap tags cause with kind. errors.Is matches both the kind and anything in the cause chain.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	var ke *kindError
	if errors.As(cause, &ke) && ke.kind == kind {
		return cause
	}
	return &kindError{kind: kind, cause: cause}
}

// Storage tags a durable store failure. Not-found passes through untouched.
func Storage(cause error) error {
	if cause == nil || errors.Is(cause, ErrNotFound) {
		return cause
	}
	return Wrap(ErrStorage, cause)
}

var kinds = []error{
	ErrValidation,
	ErrUnauthorized,
	ErrAccessDenied,
	ErrNotFound,
	ErrNotInitialized,
	ErrRateLimited,
	ErrConflict,
	ErrAlreadyExists,
	ErrCrypto,
	ErrStorage,
	ErrCache,
	ErrServiceUnavailable,
}

// Kind returns the first known sentinel err matches, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns the wire code clients see for err.
func Code(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "VALIDATION"
	case ErrUnauthorized:
		return "UNAUTHORIZED"
	case ErrAccessDenied:
		return "ACCESS_DENIED"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrNotInitialized:
		return "NOT_INITIALIZED"
	case ErrRateLimited:
		return "RATE_LIMITED"
	case ErrConflict, ErrAlreadyExists:
		return "CONFLICT"
	case ErrCrypto:
		return "DECRYPT_FAILED"
	case ErrStorage, ErrCache, ErrServiceUnavailable:
		return "STORAGE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
