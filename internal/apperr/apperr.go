// Package apperr classifies engine failures so callers can decide whether a
// message is safe to show and whether the failure is worth retrying.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an engine error.
type Kind int

const (
	// Internal is anything unclassified: DB failures, bugs.
	Internal Kind = iota
	// Validation errors are rejected before any lock is taken.
	Validation
	// State errors are detected after locking (inactive market, insufficient funds).
	State
	// ReserveDepletion means the trade would breach the AMM reserve floor.
	ReserveDepletion
	// NotFound means a referenced row does not exist.
	NotFound
	// ExternalSync wraps chain RPC failures during event processing.
	ExternalSync
	// Duplicate marks a re-delivered event that was already applied.
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case State:
		return "state"
	case ReserveDepletion:
		return "reserve_depletion"
	case NotFound:
		return "not_found"
	case ExternalSync:
		return "external_sync"
	case Duplicate:
		return "duplicate"
	default:
		return "internal"
	}
}

// Error is a classified error. The message is the caller-facing reason string.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two classified errors by kind and message, so
// package-level sentinels keep working after being wrapped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg
}

// New returns a classified error with a fixed reason.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsSafe reports whether err's message may be returned to an end user.
// Rolled-back internals never qualify.
func IsSafe(err error) bool {
	switch KindOf(err) {
	case Validation, State, ReserveDepletion, NotFound:
		return true
	}
	return false
}

// Message returns the caller-facing reason of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

// Common state failures shared by several packages.
var (
	ErrMarketNotFound      = New(NotFound, "market not found")
	ErrMarketNotActive     = New(State, "market is not active")
	ErrMarketExpired       = New(State, "market has expired")
	ErrInsufficientBalance = New(State, "insufficient balance")
	ErrInsufficientShares  = New(State, "insufficient shares")
)
