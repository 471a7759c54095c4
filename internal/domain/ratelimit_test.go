package domain_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shipgate/shipgate-server/internal/domain"
)

func TestRateLimiter_MutateCeiling(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := &domain.RateLimiter{
		ReadLimit:   100,
		MutateLimit: 10,
		Now:         func() time.Time { return now },
	}

	// 11 submissions within 5 seconds: 10 admitted, the 11th rejected
	// with a positive retry-after.
	for i := 0; i < 10; i++ {
		if err := l.TryConsume("ci-bot", domain.ClassMutate); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		now = now.Add(500 * time.Millisecond)
	}

	err := l.TryConsume("ci-bot", domain.ClassMutate)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("11th request: got %v, want ErrRateLimited", err)
	}
	var rle *domain.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("11th request: error type %T, want *RateLimitedError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want > 0", rle.RetryAfter)
	}
}

func TestRateLimiter_WindowEviction(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := &domain.RateLimiter{
		MutateLimit: 2,
		Now:         func() time.Time { return now },
	}

	must(t, l.TryConsume("c1", domain.ClassMutate))
	must(t, l.TryConsume("c1", domain.ClassMutate))
	if err := l.TryConsume("c1", domain.ClassMutate); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("third request: got %v, want ErrRateLimited", err)
	}

	// Once the first timestamp slides out, one slot opens.
	now = now.Add(61 * time.Second)
	must(t, l.TryConsume("c1", domain.ClassMutate))
}

func TestRateLimiter_RetryAfterMatchesOldestEntry(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := start
	l := &domain.RateLimiter{
		MutateLimit: 2,
		Now:         func() time.Time { return now },
	}

	must(t, l.TryConsume("c1", domain.ClassMutate))
	now = start.Add(10 * time.Second)
	must(t, l.TryConsume("c1", domain.ClassMutate))

	now = start.Add(20 * time.Second)
	err := l.TryConsume("c1", domain.ClassMutate)
	var rle *domain.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("got %v, want *RateLimitedError", err)
	}
	// Oldest entry was at start; window is 60s; it leaves at start+60s,
	// which is 40s from now.
	if rle.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %s, want 40s", rle.RetryAfter)
	}
}

func TestRateLimiter_ClassesAndCallersIndependent(t *testing.T) {
	l := &domain.RateLimiter{ReadLimit: 1, MutateLimit: 1}

	must(t, l.TryConsume("c1", domain.ClassMutate))
	must(t, l.TryConsume("c1", domain.ClassRead))
	must(t, l.TryConsume("c2", domain.ClassMutate))

	if err := l.TryConsume("c1", domain.ClassMutate); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("c1 second mutate: got %v, want ErrRateLimited", err)
	}
}

func TestRateLimiter_ConcurrentExactAtBoundary(t *testing.T) {
	l := &domain.RateLimiter{MutateLimit: 10}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.TryConsume("c1", domain.ClassMutate); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("admitted %d concurrent requests, want exactly 10", admitted)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
