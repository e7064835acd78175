package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable, inspectable classification of an engine error.
// Callers (e.g. a REST layer) map kinds to their own status codes.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient-balance"
	KindNotFound            Kind = "not-found"
	KindInternal            Kind = "internal"
)

// Error is a kind-tagged error. The absence of a path in a path quote is
// not an Error: it is reported as a nil quote.
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

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

func InsufficientBalancef(format string, args ...any) error {
	return newError(KindInsufficientBalance, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func Internalf(format string, args ...any) error {
	return newError(KindInternal, format, args...)
}

// WrapNotFound tags an underlying transport error as not-found.
func WrapNotFound(cause error, format string, args ...any) error {
	e := newError(KindNotFound, format, args...)
	e.Cause = cause
	return e
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsInsufficientBalance(err error) bool { return KindOf(err) == KindInsufficientBalance }

func IsInternal(err error) bool { return KindOf(err) == KindInternal }
