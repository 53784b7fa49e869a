package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConflict  = errors.New("state conflict")

	// ErrSeedRotated marks a round opened against a seed that has since been revealed.
	ErrSeedRotated = errors.New("seed no longer active")
)

// ValidationError rejects a request before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ExternalVerificationError means the payment provider was unreachable or did not confirm the payment.
type ExternalVerificationError struct {
	PaymentID string
	Reason    string
	Err       error
}

func (e *ExternalVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s not verified: %s: %v", e.PaymentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment %s not verified: %s", e.PaymentID, e.Reason)
}

func (e *ExternalVerificationError) Unwrap() error {
	return e.Err
}

// StateError is an invariant violation. It is never retried and always logged.
type StateError struct {
	Op     string
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invariant violated: %s", e.Op, e.Reason)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a transient store failure; the failing step may be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// persistErr classifies a store error: domain sentinels pass through, anything else is transient.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se *StateError
	if errors.As(err, &se) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
