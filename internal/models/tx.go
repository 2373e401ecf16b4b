package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type compensationKey struct{}

type compensations struct {
	mu  sync.Mutex
	fns []func(ctx context.Context) error
}

// OnRollback registers fn to undo a write made inside RunCompensated. It is
// a no-op when ctx is not a compensated scope, e.g. inside a real database
// transaction whose abort already discards the write.
func OnRollback(ctx context.Context, fn func(ctx context.Context) error) {
	c, ok := ctx.Value(compensationKey{}).(*compensations)
	if !ok {
		return
	}
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// RunCompensated runs fn. If fn fails, the compensations registered during
// the call run in reverse order and their failures are joined to the
// returned error. Compensations use a context that is not cancelled with
// the caller's.
func RunCompensated(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(compensationKey{}).(*compensations); nested {
		return fn(ctx)
	}

	c := &compensations{}
	err := fn(context.WithValue(ctx, compensationKey{}, c))
	if err == nil {
		return nil
	}

	undoCtx := context.WithoutCancel(ctx)
	c.mu.Lock()
	fns := c.fns
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		if undoErr := fns[i](undoCtx); undoErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: compensation failed: %w", ErrInvariantViolation, undoErr))
		}
	}
	return err
}
