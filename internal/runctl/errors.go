// Package runctl carries the cross-cutting run-control primitives: the error
// taxonomy, the process-wide shutdown flag, bounded fan-out, and retry with
// backoff for outbound provider calls.
package runctl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// UserError is an input mistake: bad project name, missing prompt, rollback
// target out of range. Surfaced verbatim; exit code 1.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// Userf builds a UserError.
func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a timeout or connectivity failure from an outbound
// call. Only these are retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// CancellationError marks a cooperative stop: the shutdown flag was observed
// mid-node and the node returned a graceful partial.
type CancellationError struct {
	Node string
}

func (e *CancellationError) Error() string {
	if e.Node == "" {
		return "run cancelled"
	}
	return "run cancelled during " + e.Node
}

// CorruptionError marks a checkpoint that cannot be reconciled with the
// filesystem. The caller falls back to the filesystem as authoritative.
type CorruptionError struct {
	Detail string
	Err    error
}

func (e *CorruptionError) Error() string {
	return "checkpoint corruption: " + e.Detail
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried: an explicit
// TransientError, a context deadline, or an OS-level timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsCancellation reports whether err is a cooperative stop rather than a
// failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
