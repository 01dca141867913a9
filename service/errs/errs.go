// Package errs defines the error taxonomy shared by every payflow component.
//
// Errors are classified once, at the boundary where they are produced, into one of three
// kinds. Callers branch on the kind (or on the sentinel through errors.Is), never on message
// text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// KindValidation is a local, synchronous input problem. Never retried.
	KindValidation Kind = "validation"
	// KindRetryable is a transient delivery failure (connectivity, timeouts, signer unavailable).
	KindRetryable Kind = "retryable"
	// KindTerminal is a permanent delivery failure (insufficient funds, rejected destination, cancellation).
	KindTerminal Kind = "terminal"
)

// Sentinels. Wrap them with Validation, Retryable or Terminal to attach a kind and a detail.
var (
	ErrInvalidTotal         = errors.New("invalid total")
	ErrNoParticipants       = errors.New("no participants")
	ErrDuplicateParticipant = errors.New("duplicate participant")
	ErrPercentageMismatch   = errors.New("percentage mismatch")
	ErrInvalidPercent       = errors.New("invalid percent")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidPreset        = errors.New("invalid fee preset")
	ErrAlreadyResolved      = errors.New("already resolved")
	ErrNotFound             = errors.New("not found")
	ErrExecutionInProgress  = errors.New("execution in progress")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNoQuote              = errors.New("no quote available")
	ErrQuoteStale           = errors.New("quote is stale")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrRejected             = errors.New("rejected")
	ErrEntryBusy            = errors.New("entry is being submitted")
	ErrIntentConflict       = errors.New("intent key reused with different parameters")
	ErrTooManySessions      = errors.New("too many sessions")
)

// Error carries a Kind, the sentinel it wraps and a human-readable detail.
type Error struct {
	Kind   Kind
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a validation error wrapping sentinel.
func Validation(sentinel error, format string, args ...any) *Error {
	return newError(KindValidation, sentinel, format, args...)
}

// Retryable returns a retryable delivery error wrapping sentinel.
func Retryable(sentinel error, format string, args ...any) *Error {
	return newError(KindRetryable, sentinel, format, args...)
}

// Terminal returns a terminal delivery error wrapping sentinel.
func Terminal(sentinel error, format string, args ...any) *Error {
	return newError(KindTerminal, sentinel, format, args...)
}

func newError(kind Kind, sentinel error, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Err: sentinel, Detail: detail}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsTerminal reports whether err is classified as terminal.
func IsTerminal(err error) bool {
	return KindOf(err) == KindTerminal
}

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
