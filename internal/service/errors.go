package service

import (
	"errors"
	"fmt"
)

// Kind classifies a circulation failure. The API maps each kind to one HTTP status.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindNoUnitsAvailable Kind = "NO_UNITS_AVAILABLE"
	KindDuplicateActive  Kind = "DUPLICATE_ACTIVE"
	KindAlreadyReturned  Kind = "ALREADY_RETURNED"
	KindAlreadyFree      Kind = "ALREADY_FREE"
	KindInvalidState     Kind = "INVALID_STATE"
	KindInProgress       Kind = "IN_PROGRESS"
	KindIntegrity        Kind = "INTEGRITY"
)

// Error is a circulation failure with a kind the caller can act on
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNoUnitsAvailable = &Error{Kind: KindNoUnitsAvailable}
	ErrDuplicateActive  = &Error{Kind: KindDuplicateActive}
	ErrAlreadyReturned  = &Error{Kind: KindAlreadyReturned}
	ErrAlreadyFree      = &Error{Kind: KindAlreadyFree}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrInProgress       = &Error{Kind: KindInProgress}
	ErrIntegrity        = &Error{Kind: KindIntegrity}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of a circulation error, or "" for anything else
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
