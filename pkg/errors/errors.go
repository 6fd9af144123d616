// Package errors provides the kind-based error type shared by the custody
// ledger and the order escrow. Every failing operation reports exactly one
// kind from the taxonomy below; callers branch with errors.Is.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap makes a copy of the error with the given cause. The sentinels are
// shared, so the receiver is never mutated.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the needed interface for errors.Is.
// It checks kind for equality.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// MarshalJSON implements json.Marshaler so handlers can return the error body directly.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}{Kind: e.Kind, Message: e.Message})
}

// Error kinds. These are the only kinds the core components emit; tests and
// API handlers match on them.
const (
	KindInsufficientBalance   = "InsufficientBalance"
	KindInsufficientAllowance = "InsufficientAllowance"
	KindNotWhitelisted        = "NotWhitelisted"
	KindUnauthorized          = "Unauthorized"
	KindOrderAlreadyExists    = "OrderAlreadyExists"
	KindOrderNotFound         = "OrderNotFound"
	KindOrderAlreadyFilled    = "OrderAlreadyFilled"
	KindOrderExpired          = "OrderExpired"
	KindInvalidParameters     = "InvalidParameters"
)

// Sentinel errors, one per kind
var (
	ErrInsufficientBalance   = NewWithKind(KindInsufficientBalance)
	ErrInsufficientAllowance = NewWithKind(KindInsufficientAllowance)
	ErrNotWhitelisted        = NewWithKind(KindNotWhitelisted)
	ErrUnauthorized          = NewWithKind(KindUnauthorized)
	ErrOrderAlreadyExists    = NewWithKind(KindOrderAlreadyExists)
	ErrOrderNotFound         = NewWithKind(KindOrderNotFound)
	ErrOrderAlreadyFilled    = NewWithKind(KindOrderAlreadyFilled)
	ErrOrderExpired          = NewWithKind(KindOrderExpired)
	ErrInvalidParameters     = NewWithKind(KindInvalidParameters)
)
