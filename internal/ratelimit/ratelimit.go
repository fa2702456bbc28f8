// Package ratelimit provides keyed token-bucket limiters.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter *rate.Limiter
	last    time.Time
}

// Keyed holds one token bucket per key (client IP, user id, or a single
// global key). Idle buckets are evicted by Sweep.
type Keyed struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*entry
	now     func() time.Time
}

// New returns a limiter allowing burst events at once, refilled at limit
// events per second.
func New(limit rate.Limit, burst int) *Keyed {
	return &Keyed{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// PerMinute is a convenience for limits configured as events per minute.
func PerMinute(n int) *Keyed {
	return New(rate.Limit(float64(n)/60), n)
}

// Allow consumes one token for key. When the bucket is empty it returns
// false and how long until a token becomes available.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	k.mu.Lock()
	e, ok := k.entries[key]
	now := k.now()
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.last = now
	k.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Sweep drops buckets idle for longer than idle.
func (k *Keyed) Sweep(idle time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-idle)
	for key, e := range k.entries {
		if e.last.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}

// Len reports the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
