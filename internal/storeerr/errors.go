// Package storeerr defines the typed error kinds couchkeep surfaces across
// the storage engine, datastore facade, and replicator.
package storeerr

import "errors"

// Kind classifies an error for callers that need to branch on it
// (HTTP status mapping, retry policy, logging verbosity).
type Kind int

const (
	// KindUnknown is the zero value; Is/As never match it on purpose.
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUpstream
	KindTransientNetwork
	KindStorage
	KindInsufficientStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream_error"
	case KindTransientNetwork:
		return "transient_network"
	case KindStorage:
		return "storage_error"
	case KindInsufficientStorage:
		return "insufficient_storage"
	default:
		return "unknown"
	}
}

// Error is a kinded error carrying an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a kinded error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, looking through
// wrapped chains via errors.As.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel convenience constructors mirroring spec.md §7.

func Validation(msg string) error  { return New(KindValidation, msg) }
func NotFound(msg string) error    { return New(KindNotFound, msg) }
func Conflict(msg string) error    { return New(KindConflict, msg) }
func Forbidden(msg string) error   { return New(KindForbidden, msg) }
func Upstream(msg string) error    { return New(KindUpstream, msg) }
func Transient(msg string) error   { return New(KindTransientNetwork, msg) }
func Storage(msg string, cause error) error {
	return Wrap(KindStorage, msg, cause)
}
func InsufficientStorage(msg string, cause error) error {
	return Wrap(KindInsufficientStorage, msg, cause)
}

// ErrDeleted is returned by Get when the requested/winning revision is a
// tombstone; distinct from NotFound per spec.md §4.C. Callers should
// compare with errors.Is, since it is returned by reference unchanged.
var ErrDeleted = New(KindNotFound, "deleted")

// IsDeleted reports whether err is the "revision is a tombstone" case.
func IsDeleted(err error) bool {
	return errors.Is(err, ErrDeleted)
}
