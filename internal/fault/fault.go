// Package fault classifies ledger failures so callers can tell a request that
// may succeed later from one that never will.
package fault

import (
	"errors"
	"fmt"
)

// Class is the failure taxonomy shared by every ledger operation.
type Class uint8

const (
	// Unknown is reported for errors that were never classified.
	Unknown Class = iota
	// PolicyViolation covers cap, interval and re-mark band rejections.
	PolicyViolation
	// ResourceExhaustion covers missing liquidity and depleted backstops.
	ResourceExhaustion
	// InvariantGuard covers balance shortfalls and invalid inputs.
	InvariantGuard
	// SlippageGuard covers collaborator results below a caller minimum.
	SlippageGuard
)

func (c Class) String() string {
	switch c {
	case PolicyViolation:
		return "policy_violation"
	case ResourceExhaustion:
		return "resource_exhaustion"
	case InvariantGuard:
		return "invariant_guard"
	case SlippageGuard:
		return "slippage_guard"
	default:
		return "unknown"
	}
}

// Error attaches a Class and the failing operation to an underlying error.
type Error struct {
	Class Class
	Op    string
	Err   error
	// Retry marks failures that may clear without caller changes.
	Retry bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil err stays nil.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Temporary classifies err and marks it retryable.
func Temporary(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err, Retry: true}
}

// ClassOf returns the outermost Class found in the chain.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return Unknown
}

// Is reports whether err carries the given class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// Retryable reports whether the caller should try again later.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retry
	}
	return false
}
