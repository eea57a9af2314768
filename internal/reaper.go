package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically evicts records idle for longer than the inactivity
// threshold. Evictions reach clients through the registry's change sink.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	metrics   *Metrics
	now       func() time.Time
	afterTick func()
}

// ReaperOption customizes a Reaper.
type ReaperOption func(*Reaper)

// WithReaperClock replaces time.Now.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// WithHousekeeping runs fn after every tick, e.g. to sweep limiter state.
func WithHousekeeping(fn func()) ReaperOption {
	return func(r *Reaper) { r.afterTick = fn }
}

func NewReaper(registry *Registry, metrics *Metrics, interval, threshold time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		metrics:   metrics,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick performs one eviction sweep. A panic inside the sweep is logged and
// swallowed so the next tick still happens.
func (r *Reaper) Tick() (removed []string) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Errorw("panic in reaper tick", "panic", err)
			removed = nil
		}
	}()
	removed = r.registry.EvictExpired(r.now(), r.threshold)
	if len(removed) > 0 {
		if r.metrics != nil {
			r.metrics.AddEvictions(len(removed))
		}
		zap.S().Infow("evicted inactive users",
			"count", len(removed),
			"user_ids", removed,
		)
	}
	if r.afterTick != nil {
		r.afterTick()
	}
	return removed
}
