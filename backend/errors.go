package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks an execution that stopped because of a
	// user-initiated cancellation rather than an I/O failure.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrUnsupportedRoute marks a (kind, source, destination) combination
	// the dispatcher has no execution path for. Hitting it at runtime is
	// a programming error, not a recoverable condition.
	ErrUnsupportedRoute = errors.New("unsupported backend route")
)

// Cancelled reports whether err represents cooperative cancellation.
// Classification is structural; error text is never inspected.
func Cancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// cancelErr maps a context error to the structured cancellation kind while
// keeping the original cause in the chain.
func cancelErr(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
