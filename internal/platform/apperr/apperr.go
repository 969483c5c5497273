// Package apperr defines the error taxonomy shared by every wallet component.
// Transports map a Kind to a status code in one place; services only pick the kind.
package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for the transport layer.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindAuth              Kind = "AUTH"
	KindPermission        Kind = "PERMISSION"
	KindNotFound          Kind = "NOT_FOUND"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindConflict          Kind = "CONFLICT"
	KindProvider          Kind = "PROVIDER"
	KindInternal          Kind = "INTERNAL"
)

// Error is a classified error. Err carries the underlying cause, if any.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Set only for KindInsufficientFunds.
	Required decimal.Decimal
	Current  decimal.Decimal
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Permission(format string, args ...any) *Error {
	return New(KindPermission, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Auth(message string) *Error {
	return New(KindAuth, message)
}

// InsufficientFunds reports the amount a caller needs against what it holds.
func InsufficientFunds(required, current decimal.Decimal) *Error {
	return &Error{
		Kind:     KindInsufficientFunds,
		Message:  "insufficient balance",
		Required: required,
		Current:  current,
	}
}

// As extracts an *Error from anywhere in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
