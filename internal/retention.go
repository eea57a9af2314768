package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BucketPruner deletes minute bucket rows older than a cutoff.
type BucketPruner interface {
	DeleteBucketsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionPruner enforces the bucket retention window. A non-positive
// retention disables pruning.
type RetentionPruner struct {
	pruner        BucketPruner
	retentionDays int
	metrics       *Metrics
	now           func() time.Time
}

func NewRetentionPruner(pruner BucketPruner, metrics *Metrics, retentionDays int) *RetentionPruner {
	return &RetentionPruner{
		pruner:        pruner,
		retentionDays: retentionDays,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Run implements cron.Job.
func (p *RetentionPruner) Run() {
	deleted, err := p.PruneAt(context.Background(), p.now())
	if err != nil {
		zap.S().Errorw("retention prune failed", "error", err)
		return
	}
	if deleted > 0 {
		zap.S().Infow("pruned expired presence buckets",
			"deleted", deleted,
			"retention_days", p.retentionDays,
		)
	}
}

// PruneAt deletes rows older than retentionDays before now.
func (p *RetentionPruner) PruneAt(ctx context.Context, now time.Time) (int64, error) {
	if p.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-time.Duration(p.retentionDays) * 24 * time.Hour)
	deleted, err := p.pruner.DeleteBucketsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if p.metrics != nil {
		p.metrics.AddPruned(deleted)
	}
	return deleted, nil
}
