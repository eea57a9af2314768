package internal

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"presencehub/internal/storage"
)

const testOperatorToken = "op-secret"

type testServer struct {
	server  *Server
	store   *storage.Store
	clock   *fakeClock
	handler http.Handler
}

func newTestServer(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()
	store := newTestStore(t)
	clock := newFakeClock()
	hash, err := bcrypt.GenerateFromPassword([]byte(testOperatorToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if opts.DebugTokenHash == "" {
		opts.DebugTokenHash = string(hash)
	}
	opts.Clock = clock.Now
	server := NewServer(store, opts)
	t.Cleanup(server.Close)
	return &testServer{server: server, store: store, clock: clock, handler: server.Handler("/ws")}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestUserPresenceThenActiveUsers(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})

	rec := ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"u1","user_info":{"name":"Ann"},"page":"/home"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp presenceResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.UserID != "u1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	var view ActiveUsersUpdate
	decodeBody(t, ts.do(t, http.MethodGet, "/api/active-users", ""), &view)
	if view.Count != 1 || view.Users[0].UserID != "u1" || view.Users[0].UserInfo["name"] != "Ann" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Users[0].ConnectionID != nil {
		t.Fatalf("http presence should not carry a connection id")
	}
}

func TestUserPresenceNumericUserID(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	rec := ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":17}`)
	var resp presenceResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.UserID != "17" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUserPresenceRejectsMissingUserID(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	for _, body := range []string{`{}`, `{"user_id":""}`, `not json`} {
		rec := ts.do(t, http.MethodPost, "/api/user-presence", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, rec.Code)
		}
		var resp presenceResponse
		decodeBody(t, rec, &resp)
		if resp.Success || resp.Error != "Invalid user_id" {
			t.Fatalf("%s: unexpected response %+v", body, resp)
		}
	}
	if ts.server.Registry().Len() != 0 {
		t.Fatalf("registry changed on invalid input")
	}
}

func TestUserPresenceRateLimited(t *testing.T) {
	ts := newTestServer(t, ServerOptions{PresenceRateLimit: 1})
	if rec := ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"u1"}`); rec.Code != http.StatusOK {
		t.Fatalf("first call status %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"u1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("rate limited response content type %q", ct)
	}
	var resp presenceResponse
	decodeBody(t, rec, &resp)
	if resp.Success || resp.Error != rateLimited {
		t.Fatalf("unexpected rate limited body %+v", resp)
	}
}

func TestAdminHiddenButVisibleInDebug(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	if err := ts.store.AddAdmin(context.Background(), "a1"); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"a1"}`)

	var view ActiveUsersUpdate
	decodeBody(t, ts.do(t, http.MethodGet, "/api/active-users", ""), &view)
	if view.Count != 0 || len(view.Users) != 0 {
		t.Fatalf("admin visible publicly: %+v", view)
	}

	var health healthResponse
	decodeBody(t, ts.do(t, http.MethodGet, "/health", ""), &health)
	if health.ActiveUsers != 0 {
		t.Fatalf("health counted admin: %+v", health)
	}

	rec := ts.do(t, http.MethodGet, "/debug", "", "Authorization", "Bearer "+testOperatorToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug status %d", rec.Code)
	}
	var dump debugResponse
	decodeBody(t, rec, &dump)
	if dump.TotalUsers != 1 || dump.NonAdminCount != 0 || !dump.AllUsers[0].IsAdmin {
		t.Fatalf("unexpected debug dump %+v", dump)
	}
	if dump.InactivitySeconds != 300 {
		t.Fatalf("unexpected inactivity %d", dump.InactivitySeconds)
	}
}

func TestDebugRequiresOperatorToken(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	if rec := ts.do(t, http.MethodGet, "/debug", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/debug", "", "X-Operator-Token", "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/debug", "", "X-Operator-Token", testOperatorToken); rec.Code != http.StatusOK {
		t.Fatalf("header token: status %d", rec.Code)
	}
}

func TestStatsReportsPersistedTotals(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		if _, err := ts.store.CreateUser(ctx, id); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"u1"}`)

	var stats statsResponse
	decodeBody(t, ts.do(t, http.MethodGet, "/api/stats", ""), &stats)
	if stats.ActiveUsers != 1 {
		t.Fatalf("active users %d", stats.ActiveUsers)
	}
	if stats.TotalUsers == nil || *stats.TotalUsers != 2 {
		t.Fatalf("total users %v", stats.TotalUsers)
	}
	if stats.UsersLastHour == nil || *stats.UsersLastHour != 1 {
		t.Fatalf("users last hour %v", stats.UsersLastHour)
	}
}

func TestClosedStoreDegradesGracefully(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	_ = ts.store.Close()

	rec := ts.do(t, http.MethodPost, "/api/user-presence", `{"user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("presence status %d", rec.Code)
	}

	var health healthResponse
	rec = ts.do(t, http.MethodGet, "/health", "")
	decodeBody(t, rec, &health)
	if rec.Code != http.StatusOK || health.Status != "healthy" || health.ActiveUsers != 1 {
		t.Fatalf("unexpected health %d %+v", rec.Code, health)
	}

	var raw map[string]any
	decodeBody(t, ts.do(t, http.MethodGet, "/api/stats", ""), &raw)
	if _, ok := raw["total_users"]; ok {
		t.Fatalf("total_users present despite closed store: %v", raw)
	}
	if _, ok := raw["users_last_hour"]; ok {
		t.Fatalf("users_last_hour present despite closed store: %v", raw)
	}
	if raw["active_users"].(float64) != 1 {
		t.Fatalf("unexpected active_users %v", raw["active_users"])
	}

	if rec := ts.do(t, http.MethodGet, "/api/presence-history", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("history status %d", rec.Code)
	}
}

func TestPresenceHistory(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	ctx := context.Background()
	if err := ts.store.AddAdmin(ctx, "a1"); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	bucket := ts.clock.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute)
	for _, id := range []string{"u1", "u2", "a1"} {
		if _, err := ts.store.InsertMinuteBucket(ctx, bucket, id); err != nil {
			t.Fatalf("InsertMinuteBucket: %v", err)
		}
	}

	var history historyResponse
	decodeBody(t, ts.do(t, http.MethodGet, "/api/presence-history?minutes=10", ""), &history)
	if history.Minutes != 10 || len(history.Buckets) != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
	if history.Buckets[0].Count != 2 || history.Buckets[0].BucketMinute != bucket.Format(time.RFC3339) {
		t.Fatalf("unexpected bucket %+v", history.Buckets[0])
	}

	for _, query := range []string{"0", "1441", "abc"} {
		if rec := ts.do(t, http.MethodGet, "/api/presence-history?minutes="+query, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("minutes=%s: status %d", query, rec.Code)
		}
	}
}

func TestHomeAndMethodChecks(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	var home map[string]any
	decodeBody(t, ts.do(t, http.MethodGet, "/", ""), &home)
	if home["message"] != serviceName || home["version"] != Version {
		t.Fatalf("unexpected home %v", home)
	}
	if rec := ts.do(t, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/user-presence", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET presence status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
}
