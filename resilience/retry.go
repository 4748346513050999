// Package resilience holds the retry and circuit breaker helpers used around
// ledger reads, seller HTTP calls and the pricing model.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sage-x-project/sage-paywall/types"
)

// RetryConfig describes an exponential backoff.
type RetryConfig struct {
	MaxAttempts  int // including the first call
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0..1

	// RetryIf filters which errors are worth another attempt. Nil retries
	// every error.
	RetryIf func(error) bool
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig is the policy for ledger reads: three attempts, 200ms
// doubling up to 5s, retrying only LedgerUnavailable.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
		RetryIf:      IsRetryable,
	}
}

// RetryWithConfig calls fn until it succeeds, fails with an error RetryIf
// rejects, or the attempts run out. Exhaustion returns ErrMaxRetriesExceeded
// wrapping the last error; a done ctx returns ctx.Err().
func RetryWithConfig(ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == attempts {
			return ErrMaxRetriesExceeded{Attempts: attempts, LastErr: err}
		}

		wait := jitter(delay, cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay = next(delay, cfg)
	}
}

func next(d time.Duration, cfg *RetryConfig) time.Duration {
	if cfg.Multiplier > 1 {
		d = time.Duration(float64(d) * cfg.Multiplier)
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// IsRetryable retries transient ledger failures only. Context cancellation
// and every other coded payment error stop immediately.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return types.IsRetryable(err)
}

// ErrMaxRetriesExceeded reports a retry loop that ran out of attempts.
type ErrMaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e ErrMaxRetriesExceeded) Unwrap() error { return e.LastErr }
