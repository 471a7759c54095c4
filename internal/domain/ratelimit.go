package domain

import (
	"sync"
	"time"
)

type windowKey struct {
	caller CallerID
	class  OperationClass
}

// RateLimiter enforces sliding-window per-minute ceilings, independently
// for read and mutating requests per caller. Admission is exact at the
// boundary: TryConsume holds the limiter lock across the check and the
// append, so concurrent requests from one caller can never jointly
// exceed a ceiling.
type RateLimiter struct {
	ReadLimit   int
	MutateLimit int

	// Window defaults to one minute.
	Window time.Duration

	// Now is overridable for tests.
	Now func() time.Time

	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

func (l *RateLimiter) window() time.Duration {
	if l.Window > 0 {
		return l.Window
	}
	return time.Minute
}

func (l *RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *RateLimiter) limit(class OperationClass) int {
	if class == ClassRead {
		return l.ReadLimit
	}
	return l.MutateLimit
}

// TryConsume admits the request and records its timestamp, or rejects it
// with a [RateLimitedError] whose RetryAfter is the time until the
// oldest admitted request leaves the trailing window.
func (l *RateLimiter) TryConsume(caller CallerID, class OperationClass) error {
	limit := l.limit(class)
	if limit <= 0 {
		return &RateLimitedError{RetryAfter: l.window()}
	}

	now := l.now()
	cutoff := now.Add(-l.window())
	key := windowKey{caller: caller, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windows == nil {
		l.windows = make(map[windowKey][]time.Time)
	}

	// Evict entries that slid out of the trailing window.
	stamps := l.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		retryAfter := kept[0].Sub(cutoff)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		l.windows[key] = kept
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	l.windows[key] = append(kept, now)
	return nil
}
