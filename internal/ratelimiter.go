package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by an arbitrary string
// (client IP for HTTP routes).
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it fits in the window.
// A non-positive limit disables limiting.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	slice := pruneBefore(r.hits[key], now.Add(-r.window))
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	r.hits[key] = append(slice, now)
	return true
}

// Sweep drops keys whose hits have all left the window.
func (r *RateLimiter) Sweep() {
	if r == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, slice := range r.hits {
		if slice = pruneBefore(slice, now.Add(-r.window)); len(slice) == 0 {
			delete(r.hits, key)
		} else {
			r.hits[key] = slice
		}
	}
}

func pruneBefore(slice []time.Time, windowStart time.Time) []time.Time {
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	return slice[:idx]
}
