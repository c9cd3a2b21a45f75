package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a (username, remote address) pair has
// exceeded the limit for its current window.
var ErrRateLimited = errors.New("auth: rate limit exceeded")

// RateLimiter is a fixed-window login counter backed by Redis: a window
// starts at the first attempt and the count resets only when it expires.
// It is not a sliding window, so up to twice the limit can pass across a
// window boundary.
type RateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	limit  int64
}

// NewRateLimiter returns a RateLimiter allowing limit attempts per window,
// backed by rdb.
func NewRateLimiter(rdb *redis.Client, window time.Duration, limit int64) *RateLimiter {
	return &RateLimiter{rdb: rdb, window: window, limit: limit}
}

// Allow increments the counter for (username, remoteAddr) and reports
// whether the attempt is within the window's limit. The INCR and the
// first-increment EXPIRE are issued in a single pipeline round trip.
func (r *RateLimiter) Allow(ctx context.Context, username, remoteAddr string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", username, remoteAddr)

	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, r.window) // only takes effect on the first increment, starting the window
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return incr.Val() <= r.limit, nil
}

// CheckAndAllow is a convenience wrapper returning ErrRateLimited directly,
// for callers (the Command Dispatcher's LOGIN handler) that just want an
// error to propagate.
func (r *RateLimiter) CheckAndAllow(ctx context.Context, username, remoteAddr string) error {
	ok, err := r.Allow(ctx, username, remoteAddr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}
