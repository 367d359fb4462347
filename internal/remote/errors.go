package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class splits backend errors into the two behaviors the engine cares about:
// transient errors are retried with backoff, permanent ones fail immediately.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// PermanentError marks an error that retrying will not fix (validation
// rejected, authorization revoked).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classify buckets err. Network failures, timeouts and anything unknown are
// transient: retrying a permanent error only wastes time, but giving up on a
// transient one loses a message.
func Classify(err error) Class {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
