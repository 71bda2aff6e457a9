// Package ratelimit provides token-bucket rate limiting keyed by an
// arbitrary string, shared by the HTTP control plane and the realtime
// gateway. A limiter is created lazily per key on first use and
// retained for the process lifetime.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per key.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// New creates a Limiter where each key gets its own bucket refilling
// at r events per second with the given burst size. To express "N
// requests per window seconds" (the vocabulary the specification
// uses), call NewPerWindow instead.
func New(r rate.Limit, burst int) *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter), r: r, burst: burst}
}

// NewPerWindow builds a Limiter allowing n events per window, e.g.
// NewPerWindow(30, 60) for "30 requests per 60 seconds",
// matching §4.4's file-upload rate limit.
func NewPerWindow(n int, windowSeconds float64) *Limiter {
	return New(rate.Limit(float64(n)/windowSeconds), n)
}

// Allow reports whether an event identified by key may proceed now,
// consuming one token from its bucket if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = rate.NewLimiter(l.r, l.burst)
	l.buckets[key] = b
	return b
}
