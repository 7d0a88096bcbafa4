package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Limiter manages one token bucket per application id.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

// NewLimiter creates and returns a new Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		limiters: make(map[string]*ratelib.Limiter),
	}
}

// Allow checks if a request is allowed for the given application, updating
// the bucket's configuration (rps/burst) if it has changed. A non-positive
// rps disables limiting.
func (l *Limiter) Allow(app string, rps float64, burst int) bool {
	if rps <= 0 {
		return true
	}
	if burst < 1 {
		burst = 1
	}

	l.mu.RLock()
	lim, ok := l.limiters[app]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[app]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rps), burst)
			l.limiters[app] = lim
		}
		l.mu.Unlock()
	}

	// hot reload may change the configuration of an existing bucket
	if lim.Limit() != ratelib.Limit(rps) {
		lim.SetLimit(ratelib.Limit(rps))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}

	return lim.Allow()
}

// Remove removes the limiter for the given application.
func (l *Limiter) Remove(app string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, app)
}

// Retain drops the buckets of applications that are no longer composed.
func (l *Limiter) Retain(apps []string) {
	keep := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		keep[a] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.limiters {
		if _, ok := keep[k]; !ok {
			delete(l.limiters, k)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
