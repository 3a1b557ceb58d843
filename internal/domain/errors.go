package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies failures so each component can decide whether to
// retry, fall back, surface to the operator, or halt.
type ErrorKind int

const (
	// KindUnknown is the zero value; unclassified errors are treated as
	// transient by callers that must choose.
	KindUnknown ErrorKind = iota

	// KindTransient covers network failures and timeouts. Retried with
	// backoff by the owning component.
	KindTransient

	// KindRejected means the broker explicitly refused the request. Not
	// retried automatically; surfaced to the operator.
	KindRejected

	// KindCapability means the requested order type or session is
	// unsupported. Triggers the configured fallback policy.
	KindCapability

	// KindConflict is an idempotency violation, e.g. a duplicate command id
	// with a different payload. Rejected outright.
	KindConflict

	// KindFatal means the state store is corrupt or unavailable. The engine
	// halts command intake and serves reads from last-known state.
	KindFatal
)

// String returns the lower-case kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindCapability:
		return "capability"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindError attaches an ErrorKind to an underlying error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// E wraps err with the given kind. A nil err returns nil.
func E(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf is E over fmt.Errorf.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return E(kind, fmt.Errorf(format, args...))
}

// Kind extracts the ErrorKind from err, unwrapping as needed. Deadline and
// network errors classify as transient even when unwrapped.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried with backoff. Unknown
// errors count as transient so a miss-classified failure degrades to a
// bounded retry rather than a silent drop.
func IsTransient(err error) bool {
	k := Kind(err)
	return k == KindTransient || k == KindUnknown
}
