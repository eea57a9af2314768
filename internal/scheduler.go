package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// minuteSpec fires on every wall-clock minute boundary.
	minuteSpec    = "* * * * *"
	retentionSpec = "@hourly"
)

// Scheduler runs the rollup recorder and the retention pruner on their own
// cron entries. A panicking job is recovered and logged; later runs still fire.
type Scheduler struct {
	cron *cron.Cron
}

// RollupSpec returns the cron spec for a rollup cadence: minute aligned for
// 60s, a fixed interval otherwise.
func RollupSpec(cadence time.Duration) string {
	if cadence == time.Minute || cadence <= 0 {
		return minuteSpec
	}
	return fmt.Sprintf("@every %s", cadence)
}

func NewScheduler(rollup *RollupRecorder, pruner *RetentionPruner, cadence time.Duration) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	if _, err := c.AddJob(RollupSpec(cadence), rollup); err != nil {
		return nil, fmt.Errorf("schedule rollup: %w", err)
	}
	if _, err := c.AddJob(retentionSpec, pruner); err != nil {
		return nil, fmt.Errorf("schedule retention: %w", err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	zap.S().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	zap.S().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
