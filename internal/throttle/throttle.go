// Package throttle rate-limits requests per caller identity.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is the limiter's own config type.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL drops limiters for identities not seen for this long. 0 means 10m.
	IdleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per identity. A zero RequestsPerSecond
// disables limiting.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
}

// New creates a Limiter. Panics on a negative rate or a burst < 1 when
// limiting is enabled.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond < 0 {
		panic("throttle: requests_per_second must be >= 0")
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		panic("throttle: burst must be >= 1 when rate limiting is enabled")
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idleTTL: ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Enabled reports whether any limiting happens.
func (l *Limiter) Enabled() bool {
	return l.limit > 0
}

// Allow reports whether identity may make a request now, consuming a token
// if so.
func (l *Limiter) Allow(identity string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > l.idleTTL {
		for id, e := range l.entries {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.entries, id)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.entries[identity]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[identity] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of identities currently holding a bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
