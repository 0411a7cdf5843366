package handlers

import (
	"math"
	"sync"
	"time"
)

// pruneThreshold bounds how many buckets accumulate before expired ones are swept.
const pruneThreshold = 1024

// userRateLimiter caps attempts per user within a fixed window.
type userRateLimiter interface {
	// Allow records an attempt and reports whether it fits the window. When it does not, the
	// returned duration is the time left until the window resets.
	Allow(userID int64) (bool, time.Duration)
}

type fixedWindowLimiter struct {
	limit   int
	window  time.Duration
	clock   func() time.Time
	mu      sync.Mutex
	buckets map[int64]windowBucket
}

type windowBucket struct {
	attempts int
	resetAt  time.Time
}

func newFixedWindowLimiter(limit int, window time.Duration, clock func() time.Time) userRateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[int64]windowBucket),
	}
}

func (l *fixedWindowLimiter) Allow(userID int64) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[userID]
	if !ok || !now.Before(bucket.resetAt) {
		if len(l.buckets) >= pruneThreshold {
			l.pruneLocked(now)
		}
		l.buckets[userID] = windowBucket{attempts: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if bucket.attempts >= l.limit {
		return false, bucket.resetAt.Sub(now)
	}
	bucket.attempts++
	l.buckets[userID] = bucket
	return true, 0
}

func (l *fixedWindowLimiter) pruneLocked(now time.Time) {
	for id, bucket := range l.buckets {
		if !now.Before(bucket.resetAt) {
			delete(l.buckets, id)
		}
	}
}

// retryAfterSeconds renders a Retry-After header value, rounding up to whole seconds.
func retryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	return int(math.Ceil(wait.Seconds()))
}
