package internal

import (
	"context"
	"testing"
	"time"
)

func TestRollupSpec(t *testing.T) {
	cases := map[time.Duration]string{
		0:                "* * * * *",
		-time.Second:     "* * * * *",
		time.Minute:      "* * * * *",
		30 * time.Second: "@every 30s",
		5 * time.Minute:  "@every 5m0s",
	}
	for cadence, want := range cases {
		if got := RollupSpec(cadence); got != want {
			t.Errorf("RollupSpec(%v) = %q, want %q", cadence, got, want)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	registry := NewRegistry(nil)
	scheduler, err := NewScheduler(
		NewRollupRecorder(registry, &flakyWriter{}, nil, time.Minute),
		NewRetentionPruner(&recordingPruner{}, nil, 0),
		30*time.Second,
	)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	scheduler.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scheduler.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatalf("scheduler did not stop in time")
	}
}
