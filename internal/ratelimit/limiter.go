package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple owners
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: requests allowed per hour per owner (e.g., 10)
// burst: max requests in a burst (e.g., 3)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the rate limiter for a specific owner
func (l *Limiter) GetLimiter(ownerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[ownerID]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ownerID] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Allow checks if a request is allowed for the given owner
func (l *Limiter) Allow(ownerID string) bool {
	return l.GetLimiter(ownerID).Allow()
}

// Tokens returns the current number of available tokens for an owner
func (l *Limiter) Tokens(ownerID string) float64 {
	return l.GetLimiter(ownerID).Tokens()
}

// RetryAfter returns how long the owner must wait for the next token.
func (l *Limiter) RetryAfter(ownerID string) time.Duration {
	r := l.GetLimiter(ownerID).Reserve()
	defer r.Cancel()
	if !r.OK() {
		return time.Hour
	}
	return r.Delay()
}

// Prune drops limiters not used within idle and returns how many were dropped.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked owners.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
