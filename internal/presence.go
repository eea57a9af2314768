package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// lastSeenLayout is the ISO-8601 rendering used for last_seen in every payload.
const lastSeenLayout = "2006-01-02T15:04:05.000Z07:00"

// AdminChecker answers whether a user id belongs to an administrator.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// PresenceRecord is the registry entry for one user id.
type PresenceRecord struct {
	UserID       string
	ConnectionID string
	LastSeen     time.Time
	UserInfo     map[string]any
	IsAdmin      bool
}

// RecordView is the wire shape of a presence record.
type RecordView struct {
	UserID       string         `json:"user_id"`
	UserInfo     map[string]any `json:"user_info"`
	LastSeen     string         `json:"last_seen"`
	IsAdmin      bool           `json:"is_admin"`
	ConnectionID *string        `json:"connection_id"`
}

// ActiveUsersUpdate is the non-admin projection of the registry. It is both the
// body of GET /api/active-users and the payload of active_users_update.
type ActiveUsersUpdate struct {
	Count int          `json:"count"`
	Users []RecordView `json:"users"`
}

// Registry keeps the presence record of every known user. All operations are
// serialized by one mutex; no I/O happens while it is held.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*PresenceRecord
	byConn   map[string]string
	admins   AdminChecker
	now      func() time.Time
	onChange func(ActiveUsersUpdate)

	// version is bumped under mu for every broadcasting mutation; delivered
	// is the newest version handed to onChange, guarded by notifyMu.
	version   uint64
	notifyMu  sync.Mutex
	delivered uint64
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(admins AdminChecker, opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*PresenceRecord),
		byConn:  make(map[string]string),
		admins:  admins,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange installs the sink that receives a fresh non-admin view after every
// broadcasting mutation.
func (r *Registry) OnChange(fn func(ActiveUsersUpdate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Upsert creates the record for userID or refreshes it. connectionID and info
// replace the stored values only when non-empty. Admin status is looked up
// outside the lock when the record is missing; the existence check that skips
// the lookup shares a critical section with the write, so a record is never
// created without one.
func (r *Registry) Upsert(ctx context.Context, userID, connectionID string, info map[string]any) bool {
	isAdmin := false
	r.mu.Lock()
	if _, exists := r.records[userID]; !exists {
		r.mu.Unlock()
		isAdmin = r.lookupAdmin(ctx, userID)
		r.mu.Lock()
	}

	now := r.now()
	record, exists := r.records[userID]
	created := !exists
	if exists {
		if now.After(record.LastSeen) {
			record.LastSeen = now
		}
		if info != nil {
			record.UserInfo = info
		}
	} else {
		if info == nil {
			info = map[string]any{}
		}
		record = &PresenceRecord{
			UserID:   userID,
			LastSeen: now,
			UserInfo: info,
			IsAdmin:  isAdmin,
		}
		r.records[userID] = record
	}
	if connectionID != "" {
		r.bindConnectionLocked(record, connectionID)
	}
	version, view, notify := r.changedLocked()
	r.mu.Unlock()

	r.emit(version, view, notify)
	return created
}

// changedLocked stamps a new version and captures the view to broadcast.
func (r *Registry) changedLocked() (uint64, ActiveUsersUpdate, func(ActiveUsersUpdate)) {
	r.version++
	return r.version, r.nonAdminViewLocked(), r.onChange
}

// emit hands view to notify unless a newer view was already delivered, so
// subscribers never see counts go back in time.
func (r *Registry) emit(version uint64, view ActiveUsersUpdate, notify func(ActiveUsersUpdate)) {
	if notify == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if version <= r.delivered {
		return
	}
	r.delivered = version
	notify(view)
}

// bindConnectionLocked points connectionID at record. A connection that used to
// belong to another user is detached from that user, whose record then lives
// until the reaper expires it.
func (r *Registry) bindConnectionLocked(record *PresenceRecord, connectionID string) {
	if record.ConnectionID != "" && record.ConnectionID != connectionID {
		delete(r.byConn, record.ConnectionID)
	}
	if previous, ok := r.byConn[connectionID]; ok && previous != record.UserID {
		if other, ok := r.records[previous]; ok {
			other.ConnectionID = ""
		}
	}
	record.ConnectionID = connectionID
	r.byConn[connectionID] = record.UserID
}

func (r *Registry) lookupAdmin(ctx context.Context, userID string) bool {
	if r.admins == nil {
		return false
	}
	isAdmin, err := r.admins.IsAdmin(ctx, userID)
	if err != nil {
		zap.S().Warnw("admin lookup failed, treating user as non-admin",
			"user_id", userID,
			"error", err,
		)
		return false
	}
	return isAdmin
}

// Touch refreshes last_seen for a known user. It never broadcasts.
func (r *Registry) Touch(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[userID]
	if !ok {
		return false
	}
	if now := r.now(); now.After(record.LastSeen) {
		record.LastSeen = now
	}
	return true
}

// RemoveByConnection deletes the record bound to connectionID, if any.
func (r *Registry) RemoveByConnection(connectionID string) (string, bool) {
	if connectionID == "" {
		return "", false
	}
	r.mu.Lock()
	userID, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connectionID)
	delete(r.records, userID)
	version, view, notify := r.changedLocked()
	r.mu.Unlock()

	r.emit(version, view, notify)
	return userID, true
}

// EvictExpired removes every record idle for strictly longer than threshold and
// returns the removed ids in ascending order.
func (r *Registry) EvictExpired(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	var removed []string
	for userID, record := range r.records {
		if now.Sub(record.LastSeen) > threshold {
			removed = append(removed, userID)
			if record.ConnectionID != "" {
				delete(r.byConn, record.ConnectionID)
			}
			delete(r.records, userID)
		}
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return nil
	}
	version, view, notify := r.changedLocked()
	r.mu.Unlock()

	sort.Strings(removed)
	r.emit(version, view, notify)
	return removed
}

// SnapshotActive returns the ids of records seen within threshold of now,
// including admins. Staleness is re-checked because eviction runs on its own timer.
func (r *Registry) SnapshotActive(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for userID, record := range r.records {
		if now.Sub(record.LastSeen) <= threshold {
			ids = append(ids, userID)
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// NonAdminView returns the public projection of the registry.
func (r *Registry) NonAdminView() ActiveUsersUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonAdminViewLocked()
}

// All returns every record, admins included, ordered by user id.
func (r *Registry) All() []RecordView {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]RecordView, 0, len(r.records))
	for _, record := range r.records {
		views = append(views, record.view())
	}
	sortViews(views)
	return views
}

// Len returns the number of tracked records, admins included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry) nonAdminViewLocked() ActiveUsersUpdate {
	users := make([]RecordView, 0, len(r.records))
	for _, record := range r.records {
		if record.IsAdmin {
			continue
		}
		users = append(users, record.view())
	}
	sortViews(users)
	return ActiveUsersUpdate{Count: len(users), Users: users}
}

func (record *PresenceRecord) view() RecordView {
	view := RecordView{
		UserID:   record.UserID,
		UserInfo: record.UserInfo,
		LastSeen: record.LastSeen.Format(lastSeenLayout),
		IsAdmin:  record.IsAdmin,
	}
	if record.ConnectionID != "" {
		connectionID := record.ConnectionID
		view.ConnectionID = &connectionID
	}
	return view
}

func sortViews(views []RecordView) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].UserID < views[j].UserID
	})
}
