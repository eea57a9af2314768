package internal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"presencehub/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingAdmins struct {
	mu     sync.Mutex
	admins map[string]bool
	calls  map[string]int
	err    error
}

func newCountingAdmins(ids ...string) *countingAdmins {
	a := &countingAdmins{admins: map[string]bool{}, calls: map[string]int{}}
	for _, id := range ids {
		a.admins[id] = true
	}
	return a
}

func (a *countingAdmins) IsAdmin(_ context.Context, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[userID]++
	if a.err != nil {
		return false, a.err
	}
	return a.admins[userID], nil
}

func (a *countingAdmins) Calls(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[userID]
}

type viewRecorder struct {
	mu    sync.Mutex
	views []ActiveUsersUpdate
}

func (r *viewRecorder) record(view ActiveUsersUpdate) {
	r.mu.Lock()
	r.views = append(r.views, view)
	r.mu.Unlock()
}

func (r *viewRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func (r *viewRecorder) Last() ActiveUsersUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return ActiveUsersUpdate{}
	}
	return r.views[len(r.views)-1]
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
