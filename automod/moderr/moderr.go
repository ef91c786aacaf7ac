// Error taxonomy shared by the moderation engine and its HTTP surface.
//
// Every error which is returned to an external caller is (or wraps) an *Error, carrying a Kind which lets the caller distinguish retryable conditions (timeouts, storage hiccups) from non-retryable ones (authorization, validation, state conflicts).
package moderr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindForbidden     Kind = "forbidden"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindPersistence   Kind = "persistence"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed if re-submitted unchanged.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindPersistence:
		return true
	}
	return false
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func Authorization(detail string, err error) *Error {
	return Wrap(KindAuthorization, detail, err)
}

func Forbidden(detail string) *Error {
	return New(KindForbidden, detail)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Persistence(detail string, err error) *Error {
	return Wrap(KindPersistence, detail, err)
}

// KindOf returns the Kind of the first *Error in the chain, or KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable is false for nil errors and for errors outside the taxonomy.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
