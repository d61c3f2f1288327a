// Package errors provides error handling for taskd.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel errors for the task lifecycle
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrQueueFull) {
//	    // surface 503
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors for the task core.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrQueueFull indicates a submission was refused because the
	// priority queue is saturated (admission control, surfaced as 503)
	ErrQueueFull = New("task queue is full")

	// ErrTaskNotFound indicates the requested task does not exist
	ErrTaskNotFound = New("task not found")

	// ErrNotCancellable indicates a cancel was requested on a task that
	// already reached a terminal state
	ErrNotCancellable = New("task is not cancellable")

	// ErrCancelled signals cooperative cancellation of an executor;
	// workers classify it into the cancelled terminal state
	ErrCancelled = New("task cancelled")
)

// IsQueueFull checks if an error is or wraps ErrQueueFull
func IsQueueFull(err error) bool {
	return err != nil && Is(err, ErrQueueFull)
}

// IsTaskNotFound checks if an error is or wraps ErrTaskNotFound
func IsTaskNotFound(err error) bool {
	return err != nil && Is(err, ErrTaskNotFound)
}

// IsNotCancellable checks if an error is or wraps ErrNotCancellable
func IsNotCancellable(err error) bool {
	return err != nil && Is(err, ErrNotCancellable)
}

// IsCancelled checks if an error is or wraps ErrCancelled
func IsCancelled(err error) bool {
	return err != nil && Is(err, ErrCancelled)
}
