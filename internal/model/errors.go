package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrOutOfHours        = errors.New("out of business hours")
	ErrConflict          = errors.New("slot conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTransientFailure  = errors.New("transient failure")
	ErrPermanentFailure  = errors.New("permanent failure")
)

// ConflictError is returned when the requested interval is taken.
type ConflictError struct {
	Requested    Slot
	Alternatives []Slot
}

func (e *ConflictError) Error() string {
	if len(e.Alternatives) == 0 {
		return fmt.Sprintf("%s: %s, no alternatives", ErrConflict, e.Requested)
	}
	alts := make([]string, len(e.Alternatives))
	for i, a := range e.Alternatives {
		alts[i] = a.String()
	}
	return fmt.Sprintf("%s: %s, alternatives %s", ErrConflict, e.Requested, strings.Join(alts, ", "))
}

// Is makes errors.Is(err, ErrConflict) hold for conflict errors.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// AsConflict extracts the conflict details from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientFailure, err)
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanentFailure)
}
