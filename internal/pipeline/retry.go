package pipeline

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// RetryPolicy bounds WithRetry. The wait after failed attempt n (1-based) is
// BaseDelay * 2^n, so the defaults wait 2s and then 4s.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy used for question generation.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Backoff returns the wait after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.normalized().BaseDelay * time.Duration(1<<uint(attempt))
}

// WithRetry runs op until it succeeds, fails with a non-retryable error, or
// runs out of attempts. The last error is returned unchanged.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	p := policy.normalized()
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		pe := Classify(err)
		if !pe.Retryable {
			p.Logger.Warn("Non-retryable error, giving up.", "attempt", attempt, "kind", pe.Kind, "error", err)
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		wait := p.Backoff(attempt)
		p.Logger.Warn("Call failed, will retry.",
			"attempt", attempt,
			"maxAttempts", p.MaxAttempts,
			"backoff", wait.String(),
			"kind", pe.Kind,
			"error", err,
		)
		if serr := p.Sleep(ctx, wait); serr != nil {
			p.Logger.Error("Context cancelled during backoff. Aborting retries.", "error", serr)
			return zero, lastErr
		}
	}
	p.Logger.Error("Call failed after all retries.", "attempts", p.MaxAttempts, "error", lastErr)
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
