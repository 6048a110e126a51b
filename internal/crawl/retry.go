package crawl

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
)

// RetryPolicy retries transient portal failures with jittered
// exponential backoff. Only errors the errors package marks retryable
// are attempted again; everything else surfaces immediately, as does
// any error once the surrounding context is done.
type RetryPolicy struct {
	// MaxAttempts counts the first try, so 4 means one request and
	// up to three retries.
	MaxAttempts int

	// BaseDelay is the wait before the first retry. Each further
	// retry doubles it, plus up to BaseDelay of jitter.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the pacing the portal is known to
// tolerate: quick first retry, capped at half a minute.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Do runs fn until it succeeds, exhausts the attempt budget, or fails
// in a way that retrying cannot fix. fn receives the caller's context
// and must honor its cancellation.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt - 1)
			logger.Warn("retrying portal request",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The caller is shutting down; a retry would only
			// observe the same dead context.
			return lastErr
		}
		if !cerrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoff returns the wait before retry number attempt (zero-based):
// BaseDelay doubled per attempt plus up to BaseDelay of jitter, capped
// at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	delay += randomJitter(base)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
