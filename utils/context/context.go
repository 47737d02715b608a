// Package context provides a short alias set around the standard context
// package so call sites read as "context.T" instead of "context.Context"
// throughout the relay/gateway runtime, matching the rest of the codebase's
// one-letter-interface convention.
package context

import (
	"context"
	"time"
)

// T is a context.Context.
type T = context.Context

// F is a plain cancel function.
type F = context.CancelFunc

// C is a cancel-with-cause function.
type C = context.CancelCauseFunc

// Bg returns context.Background().
func Bg() T { return context.Background() }

// Cancel returns a cancellable child of c.
func Cancel(c T) (T, F) { return context.WithCancel(c) }

// Cause returns a cancellable-with-cause child of c.
func Cause(c T) (T, C) { return context.WithCancelCause(c) }

// Timeout returns a child of c that is cancelled after d elapses.
func Timeout(c T, d time.Duration) (T, F) { return context.WithTimeout(c, d) }

// TimeoutCause returns a child of c that is cancelled with err after d
// elapses, unless cancelled or the parent is done first.
func TimeoutCause(c T, d time.Duration, err error) (T, F) {
	return context.WithTimeoutCause(c, d, err)
}

// GetCause returns the cause of cancellation, if any.
func GetCause(c T) error { return context.Cause(c) }
