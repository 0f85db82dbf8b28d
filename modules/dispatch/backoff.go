package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrMaxRetries is returned by RetryWithBackoff when every attempt failed.
var ErrMaxRetries = errors.New("dispatch: max retries exceeded")

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	MaxRetries    int           // Attempts after the first failure (default: 5)
	RetryDelay    time.Duration // Initial delay (default: 100ms)
	MaxRetryDelay time.Duration // Delay cap (default: 5s)
}

// DefaultBackoffConfig returns the backoff used to resynchronize a device.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:    5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// RetryState carries counters across RetryWithBackoff calls.
type RetryState struct {
	CurrentRetries int
	Attempts       atomic.Uint64 // Total failed attempts, across calls
}

// Reset clears the per-run retry counter.
func (s *RetryState) Reset() {
	s.CurrentRetries = 0
}

// RetryWithBackoff calls fn until it succeeds, ctx is done or MaxRetries
// consecutive failures happened. Between failures it waits
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
//
// state may be nil.
func RetryWithBackoff(ctx context.Context, fn func(ctx context.Context) error, cfg BackoffConfig, state *RetryState) error {
	if state == nil {
		state = &RetryState{}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			state.Reset()
			return nil
		}

		state.CurrentRetries++
		state.Attempts.Add(1)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("%w (%d attempts): %w", ErrMaxRetries, cfg.MaxRetries, err)
		}

		delay := backoffDelay(state.CurrentRetries, cfg)
		slog.Warn("dispatch: retrying",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// backoffDelay returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoffDelay(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxRetryDelay > 0 && delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
