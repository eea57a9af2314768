package internal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type flakyWriter struct {
	mu     sync.Mutex
	failOn map[string]bool
	calls  []string
}

func (w *flakyWriter) InsertMinuteBucket(_ context.Context, _ time.Time, userID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, userID)
	if w.failOn[userID] {
		return false, errors.New("disk I/O error")
	}
	return true, nil
}

func TestRollupRecordsEachActiveUserOncePerMinute(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	registry := NewRegistry(store, WithClock(clock.Now))
	ctx := context.Background()
	registry.Upsert(ctx, "u1", "", nil)
	registry.Upsert(ctx, "u2", "", nil)

	recorder := NewRollupRecorder(registry, store, NewMetrics(), 300*time.Second)
	inserted, err := recorder.RecordAt(ctx, clock.Now())
	if err != nil || inserted != 2 {
		t.Fatalf("first rollup: inserted=%d err=%v", inserted, err)
	}
	clock.Advance(15 * time.Second)
	inserted, err = recorder.RecordAt(ctx, clock.Now())
	if err != nil || inserted != 0 {
		t.Fatalf("same-minute rollup: inserted=%d err=%v", inserted, err)
	}

	bucket := clock.Now().UTC().Truncate(time.Minute)
	count, err := store.CountBucketRows(ctx, bucket)
	if err != nil {
		t.Fatalf("CountBucketRows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows in bucket, got %d", count)
	}
}

func TestRollupSkipsStaleRecords(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(nil, WithClock(clock.Now))
	registry.Upsert(context.Background(), "stale", "", nil)
	clock.Advance(10 * time.Minute)

	writer := &flakyWriter{}
	recorder := NewRollupRecorder(registry, writer, nil, 300*time.Second)
	inserted, err := recorder.RecordAt(context.Background(), clock.Now())
	if err != nil || inserted != 0 || len(writer.calls) != 0 {
		t.Fatalf("stale user written: inserted=%d calls=%v err=%v", inserted, writer.calls, err)
	}
}

func TestRollupContinuesPastFailures(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(nil, WithClock(clock.Now))
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		registry.Upsert(ctx, id, "", nil)
	}

	metrics := NewMetrics()
	writer := &flakyWriter{failOn: map[string]bool{"u2": true}}
	recorder := NewRollupRecorder(registry, writer, metrics, 300*time.Second)
	inserted, err := recorder.RecordAt(ctx, clock.Now())
	if err == nil || !strings.Contains(err.Error(), "u2") {
		t.Fatalf("expected aggregated error naming u2, got %v", err)
	}
	if inserted != 2 || len(writer.calls) != 3 {
		t.Fatalf("inserted=%d calls=%v", inserted, writer.calls)
	}
	if got := testutil.ToFloat64(metrics.rollupFailures); got != 1 {
		t.Fatalf("rollup failures metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.rollupRows); got != 2 {
		t.Fatalf("rollup rows metric = %v", got)
	}
}

func TestRollupWithEmptyRegistryWritesNothing(t *testing.T) {
	writer := &flakyWriter{}
	recorder := NewRollupRecorder(NewRegistry(nil), writer, nil, time.Minute)
	recorder.Run()
	if len(writer.calls) != 0 {
		t.Fatalf("unexpected writes %v", writer.calls)
	}
}
