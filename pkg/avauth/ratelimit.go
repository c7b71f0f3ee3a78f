package avauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureLimiter throttles repeated authentication failures per IMPI using
// Redis INCR + EXPIRE. This is the replay/guessing defence on repeated
// Digest/AKA failures.
type FailureLimiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// NewFailureLimiter creates a limiter allowing maxAttempt failures per IMPI
// within window before further verification attempts are refused outright.
func NewFailureLimiter(rdb *redis.Client, maxAttempt int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{redis: rdb, maxAttempt: maxAttempt, window: window}
}

// LimitResult holds the result of a Check.
type LimitResult struct {
	Allowed bool
	RetryAt time.Time
}

func failureKey(impi string) string {
	return "avauth_failures:" + impi
}

// Check reports whether impi may still attempt authentication.
func (rl *FailureLimiter) Check(ctx context.Context, impi string) (LimitResult, error) {
	key := failureKey(impi)

	count, err := rl.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LimitResult{}, fmt.Errorf("checking auth failure limit: %w", err)
	}

	if count >= rl.maxAttempt {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil {
			return LimitResult{}, fmt.Errorf("getting auth failure limit TTL: %w", err)
		}
		return LimitResult{Allowed: false, RetryAt: time.Now().Add(ttl)}, nil
	}

	return LimitResult{Allowed: true}, nil
}

// RecordFailure records a failed Verify for impi.
func (rl *FailureLimiter) RecordFailure(ctx context.Context, impi string) error {
	key := failureKey(impi)

	incr := rl.redis.Incr(ctx, key)
	if _, err := incr.Result(); err != nil {
		return fmt.Errorf("recording auth failure: %w", err)
	}
	if incr.Val() == 1 {
		rl.redis.Expire(ctx, key, rl.window)
	}
	return nil
}

// Reset clears the failure counter for impi, called on a successful Verify.
func (rl *FailureLimiter) Reset(ctx context.Context, impi string) error {
	return rl.redis.Del(ctx, failureKey(impi)).Err()
}
