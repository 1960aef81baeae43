package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrNotFound is returned when a referenced memory id does not exist
	ErrNotFound = errors.New("memory not found")

	// ErrConflict is returned when a write attempts to change an immutable field
	ErrConflict = errors.New("immutable field conflict")

	// ErrValidation is returned for malformed feedback kinds or missing payload fields
	ErrValidation = errors.New("validation failed")

	// ErrTimeout is returned when an operation exceeds the caller's deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrStoreUnavailable is returned when the durable store cannot be reached
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrDerivedNotStored is returned by SubmitFeedback when the feedback was
	// committed but the memory holding the corrected content could not be
	// stored. The feedback must not be submitted again.
	ErrDerivedNotStored = errors.New("feedback recorded but corrected content not stored")

	// ErrCacheUnavailable is returned by cache adapters on connectivity failures.
	// The engine never surfaces it to callers.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Validation returns an ErrValidation carrying a description of the problem.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// FromContext maps context expiry onto the error taxonomy.
// A deadline becomes ErrTimeout; any other error is returned as is.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
// This is a convenience function that wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join is a convenience wrapper around errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// New is a convenience wrapper around errors.New.
func New(text string) error {
	return errors.New(text)
}
