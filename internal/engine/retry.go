package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/sethvargo/go-retry"
)

func (e *Engine) backoff() retry.Backoff {
	b := retry.NewExponential(e.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(e.opts.MaxAttempts-1), b)
}

// retry runs fn with a per-call timeout and retries it on network errors
// with exponential backoff, MaxAttempts calls at most. Other errors are
// returned at once.
func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		err = timeoutAsNetwork(ctx, err)
		if errors.Is(err, common.ErrNetwork) && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

// timeoutAsNetwork reports a per-call timeout as a network error. Deadlines
// of the caller's own ctx are left alone.
func timeoutAsNetwork(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, common.ErrNetwork) {
		return fmt.Errorf("%w: call timed out: %w", common.ErrNetwork, err)
	}
	return err
}
