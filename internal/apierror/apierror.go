// Package apierror defines the error kinds the HTTP surface maps to status
// codes, decoupling the internal component errors (eventlog, node, ...) from
// the wire representation the way modules/auth and modules/database keep
// their sentinel errors separate from the framework's HTTP layer.
package apierror

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in the error handling design.
type Kind string

const (
	KindAuthRequired       Kind = "AuthRequired"
	KindAuthInvalid        Kind = "AuthInvalid"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindNotFound           Kind = "NotFound"
	KindInvalidInput       Kind = "InvalidInput"
	KindInvalidTransition  Kind = "InvalidTransition"
	KindInvalidParent      Kind = "InvalidParent"
	KindConflict           Kind = "Conflict"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindTooLarge           Kind = "TooLarge"
)

// StatusCode returns the HTTP status code for a Kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindAuthRequired, KindAuthInvalid:
		return 401
	case KindPermissionDenied:
		return 403
	case KindNotFound:
		return 404
	case KindInvalidInput:
		return 400
	case KindInvalidTransition, KindInvalidParent, KindConflict:
		return 409
	case KindStorageUnavailable:
		return 503
	case KindTooLarge:
		return 413
	default:
		return 500
	}
}

// Error is the typed error surfaced to HTTP handlers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindStorageUnavailable for
// unrecognized errors so that unexpected failures never leak as 200s.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindStorageUnavailable
}
