package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the typed errors below carry detail.
var (
	ErrValidation       = errors.New("validation failed")
	ErrUnknownActor     = errors.New("unknown actor")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrNoSession        = errors.New("no active session")
)

// ValidationError rejects caller input; the caller may correct and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnknownActorError means an id did not resolve through the identity
// provider.
type UnknownActorError struct {
	ActorID string
}

func (e *UnknownActorError) Error() string {
	return fmt.Sprintf("unknown actor %q", e.ActorID)
}

func (e *UnknownActorError) Is(target error) bool { return target == ErrUnknownActor }

// StoreError wraps a failed read or write against the persistent store.
// It matches ErrStoreUnavailable and unwraps to the driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// WrapStore wraps err as a *StoreError unless it is nil, a not-found, or
// already wrapped.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
