// Package apperr is the engine's error taxonomy: tagged result values
// instead of ad-hoc error strings, so the HTTP layer can classify any
// error it receives into a status code without string-matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with the category it belongs to.
type Kind string

const (
	ValidationError        Kind = "ValidationError"
	InsufficientBalance    Kind = "InsufficientBalance"
	InsufficientAssets     Kind = "InsufficientAssets"
	InsufficientLocked     Kind = "InsufficientLocked"
	NotFound               Kind = "NotFound"
	OwnershipViolation     Kind = "OwnershipViolation"
	IllegalState           Kind = "IllegalState"
	UnsupportedPartialMatch Kind = "UnsupportedPartialMatch"
	TransientError         Kind = "TransientError"
	InternalError          Kind = "InternalError"
)

// Error is the concrete error type every engine package returns for a
// classified failure. Unclassified errors from lower layers (e.g. a raw
// driver error) should be wrapped with Wrap before crossing a service
// boundary.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a classified error around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to InternalError for any
// error that was never classified: a bug (an invariant violation the
// engine didn't anticipate) should surface as InternalError, not as a
// 200.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return InternalError
}

// HTTPStatus maps a Kind onto the HTTP status it should be reported as.
func (k Kind) HTTPStatus() int {
	switch k {
	case ValidationError, InsufficientBalance, InsufficientAssets, InsufficientLocked,
		OwnershipViolation, IllegalState, UnsupportedPartialMatch:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case TransientError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus is a convenience that classifies err and maps it in one
// call.
func HTTPStatus(err error) int {
	return KindOf(err).HTTPStatus()
}
