package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// BucketWriter persists minute bucket facts. Inserting an existing
// (bucket, user) pair must be a no-op that reports inserted=false.
type BucketWriter interface {
	InsertMinuteBucket(ctx context.Context, bucket time.Time, userID string) (bool, error)
}

// RollupRecorder snapshots currently active users into one row per
// (minute, user).
type RollupRecorder struct {
	registry  *Registry
	writer    BucketWriter
	threshold time.Duration
	metrics   *Metrics
	now       func() time.Time
}

func NewRollupRecorder(registry *Registry, writer BucketWriter, metrics *Metrics, threshold time.Duration) *RollupRecorder {
	return &RollupRecorder{
		registry:  registry,
		writer:    writer,
		threshold: threshold,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run implements cron.Job.
func (r *RollupRecorder) Run() {
	inserted, err := r.RecordAt(context.Background(), r.now())
	if err != nil {
		zap.S().Errorw("minute rollup had failures",
			"inserted", inserted,
			"error", err,
		)
		return
	}
	if inserted > 0 {
		zap.S().Debugw("minute rollup recorded", "inserted", inserted)
	}
}

// RecordAt writes the bucket containing now. Every active user is attempted
// even if some inserts fail; the failures come back aggregated.
func (r *RollupRecorder) RecordAt(ctx context.Context, now time.Time) (int, error) {
	bucket := now.UTC().Truncate(time.Minute)
	ids := r.registry.SnapshotActive(now, r.threshold)
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		inserted int
		failures int
		result   *multierror.Error
	)
	for _, userID := range ids {
		ok, err := r.writer.InsertMinuteBucket(ctx, bucket, userID)
		if err != nil {
			failures++
			result = multierror.Append(result, fmt.Errorf("insert bucket for %s: %w", userID, err))
			continue
		}
		if ok {
			inserted++
		}
	}
	if r.metrics != nil {
		r.metrics.AddRollupRows(inserted)
		r.metrics.AddRollupFailures(failures)
	}
	return inserted, result.ErrorOrNil()
}
