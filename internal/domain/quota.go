package domain

import (
	"fmt"
	"sync"
	"time"
)

type quotaKey struct {
	caller CallerID
	kind   ActionKind
	day    string // UTC calendar day, formatted as 2006-01-02
}

// QuotaLedger enforces daily per-action-kind ceilings per caller.
// Counters are keyed by UTC calendar day: crossing midnight starts a
// fresh counter without invalidating actions already performed, and a
// burst around the boundary can never exceed the new day's ceiling.
// TryReserve is an atomic check-and-increment.
type QuotaLedger struct {
	// Limits holds the daily ceiling per action kind. A missing kind
	// means zero: nothing is admitted.
	Limits map[ActionKind]int

	// Now is overridable for tests.
	Now func() time.Time

	mu     sync.Mutex
	counts map[quotaKey]int
}

func (q *QuotaLedger) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// TryReserve reserves one unit of today's quota for the action kind. The
// returned reservation must be released if the downstream dispatch fails
// with a known-not-dispatched outcome, so failed attempts do not consume
// quota. Ambiguous outcomes keep the reservation.
func (q *QuotaLedger) TryReserve(caller CallerID, kind ActionKind) (*QuotaReservation, error) {
	limit := q.Limits[kind]
	key := quotaKey{caller: caller, kind: kind, day: q.now().UTC().Format("2006-01-02")}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.counts == nil {
		q.counts = make(map[quotaKey]int)
	}
	if q.counts[key] >= limit {
		return nil, fmt.Errorf("%w: %s daily limit %d reached", ErrQuotaExceeded, kind, limit)
	}
	q.counts[key]++
	return &QuotaReservation{ledger: q, key: key}, nil
}

// Limit reports the configured daily ceiling for the action kind.
func (q *QuotaLedger) Limit(kind ActionKind) int { return q.Limits[kind] }

// Remaining reports how many units of today's quota the caller still
// has for the action kind. It consumes nothing.
func (q *QuotaLedger) Remaining(caller CallerID, kind ActionKind) int {
	key := quotaKey{caller: caller, kind: kind, day: q.now().UTC().Format("2006-01-02")}

	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.Limits[kind] - q.counts[key]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// QuotaReservation is one admitted unit of daily quota. It remembers the
// day it was drawn against, so a release after midnight decrements the
// correct counter.
type QuotaReservation struct {
	ledger   *QuotaLedger
	key      quotaKey
	released bool
}

// Release returns the reserved unit. Releasing twice is a no-op.
func (r *QuotaReservation) Release() {
	if r == nil {
		return
	}
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if r.ledger.counts[r.key] > 0 {
		r.ledger.counts[r.key]--
	}
}
