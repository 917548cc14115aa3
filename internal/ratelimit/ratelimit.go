// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed hands out one token bucket per key (client IP, login email, ...).
// Buckets idle for longer than the eviction window are dropped on the next
// call to Allow.
type Keyed struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	lastGC   time.Time
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed allows burst events at once and r events per second afterwards
// for every key.
func NewKeyed(r rate.Limit, burst int) *Keyed {
	return &Keyed{
		limit:    r,
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*entry),
	}
}

// PerMinute allows n events per minute per key with a burst of n.
func PerMinute(n int) *Keyed {
	if n < 1 {
		n = 1
	}
	return NewKeyed(rate.Every(time.Minute/time.Duration(n)), n)
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastGC) > k.idle {
		for key, e := range k.limiters {
			if now.Sub(e.lastSeen) > k.idle {
				delete(k.limiters, key)
			}
		}
		k.lastGC = now
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
