package files

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Errors returned by Service wrap exactly one of these together
// with the underlying cause, so both match with errors.Is.
var (
	// ErrValidation marks malformed input. The caller must fix the input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a file ID with no record.
	ErrNotFound = errors.New("file not found")

	// ErrInternal marks backend, client construction and metadata store failures.
	ErrInternal = errors.New("internal error")

	// ErrDeadlineExceeded marks an operation whose bounded scope expired.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// scopeError reports why the operation scope ended.
func scopeError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrDeadlineExceeded, op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

// internalError wraps err with label, unless the scope already ended, in
// which case the scope error wins: a backend call cut short by the deadline
// is a timeout, not a backend failure.
func internalError(ctx context.Context, op, label string, err error) error {
	if ctx.Err() != nil {
		return scopeError(ctx, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, label, err)
}
