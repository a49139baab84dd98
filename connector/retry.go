package connector

import (
	"context"
	"time"
)

// retryConnect calls connectFn until it succeeds, the attempts are used up
// or ctx is done. Delays grow by the backoff factor, capped at MaxDelay.
func retryConnect(ctx context.Context, opts RetryConfig, connectFn func(context.Context) (Connection, error)) (Connection, error) {
	var (
		err  error
		conn Connection
	)
	delay := opts.BaseDelay
	if delay == 0 {
		delay = time.Second
	}
	factor := opts.Backoff
	if factor == 0 {
		factor = 2
	}
	attempts := opts.MaxRetries + 1

	for i := 0; i < attempts; i++ {
		conn, err = connectFn(ctx)
		if err == nil {
			return conn, nil
		}
		if i == attempts-1 {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * factor)
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return nil, err
}
