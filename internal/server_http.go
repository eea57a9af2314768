package internal

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	serviceName        = "User Presence Server"
	maxHistoryMinutes  = 24 * 60
	defaultHistoryMins = 60

	cacheKeyTotalUsers    = "total_users"
	cacheKeyUsersLastHour = "users_last_hour"
)

// error texts web clients already match on
const (
	invalidUserID = "Invalid user_id"
	rateLimited   = "Too many presence updates"
)

type presenceRequest struct {
	UserID   UserID         `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
	Page     string         `json:"page"`
	Action   string         `json:"action"`
}

type presenceResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	ActiveUsers int    `json:"active_users"`
}

type statsResponse struct {
	ActiveUsers   int    `json:"active_users"`
	ServerTime    string `json:"server_time"`
	Uptime        string `json:"uptime"`
	TotalUsers    *int   `json:"total_users,omitempty"`
	UsersLastHour *int   `json:"users_last_hour,omitempty"`
}

type debugResponse struct {
	TotalUsers        int          `json:"total_users"`
	NonAdminCount     int          `json:"non_admin_count"`
	InactivitySeconds int          `json:"inactivity_timeout_seconds"`
	LiveConnections   int          `json:"live_connections"`
	AllUsers          []RecordView `json:"all_users"`
	NonAdminUsers     []RecordView `json:"non_admin_users"`
}

type historyBucket struct {
	BucketMinute string `json:"bucket_minute"`
	Count        int    `json:"count"`
}

type historyResponse struct {
	Minutes int             `json:"minutes"`
	Buckets []historyBucket `json:"buckets"`
}

type sessionData struct {
	Page      string `json:"page"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": serviceName,
		"version": Version,
		"endpoints": map[string]string{
			"health":           "/health",
			"active_users":     "/api/active-users",
			"user_presence":    "/api/user-presence",
			"stats":            "/api/stats",
			"presence_history": "/api/presence-history",
			"debug":            "/debug",
			"metrics":          "/metrics",
		},
	})
}

// HandleHealth never touches the persistence gateway.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Timestamp:   s.now().Format(lastSeenLayout),
		ActiveUsers: s.registry.NonAdminView().Count,
	})
}

func (s *Server) HandleActiveUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.NonAdminView())
}

func (s *Server) HandleUserPresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	ip := s.clientIP(r)
	if !s.presenceLimiter.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, presenceResponse{Success: false, Error: rateLimited})
		return
	}
	var req presenceRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, presenceResponse{Success: false, Error: invalidUserID})
		return
	}
	userID := string(req.UserID)
	if req.Page == "" {
		req.Page = "unknown"
	}
	if req.Action == "" {
		req.Action = "browsing"
	}

	now := s.now()
	data, err := json.Marshal(sessionData{Page: req.Page, Action: req.Action, Timestamp: now.Format(lastSeenLayout)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpsertSession(r.Context(), userID, now, string(data), ip, r.UserAgent()); err != nil {
		zap.S().Errorw("failed to upsert user session",
			"user_id", userID,
			"error", err,
		)
	}

	s.registry.Upsert(r.Context(), userID, "", req.UserInfo)
	s.metrics.IncPresenceUpdate()
	writeJSON(w, http.StatusOK, presenceResponse{Success: true, UserID: userID})
}

// HandleStats reports live counts plus persistence-backed totals. Totals that
// cannot be read are omitted rather than failing the request.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	now := s.now()
	resp := statsResponse{
		ActiveUsers: s.registry.NonAdminView().Count,
		ServerTime:  now.Format(lastSeenLayout),
		Uptime:      now.Sub(s.startedAt).Truncate(time.Second).String(),
	}

	if total, ok := s.cachedCount(cacheKeyTotalUsers, func() (int, error) {
		return s.store.CountUsers(r.Context())
	}); ok {
		resp.TotalUsers = &total
	}
	if lastHour, ok := s.cachedCount(cacheKeyUsersLastHour, func() (int, error) {
		return s.store.CountActiveSince(r.Context(), now.Add(-time.Hour))
	}); ok {
		resp.UsersLastHour = &lastHour
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cachedCount(key string, load func() (int, error)) (int, bool) {
	if cached, ok := s.statsCache.Get(key); ok {
		return cached.(int), true
	}
	value, err := load()
	if err != nil {
		zap.S().Errorw("stats query failed", "stat", key, "error", err)
		return 0, false
	}
	s.statsCache.Set(key, value, cache.DefaultExpiration)
	return value, true
}

func (s *Server) HandlePresenceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	minutes := defaultHistoryMins
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryMinutes {
			writeError(w, http.StatusBadRequest, errors.New("minutes must be between 1 and 1440"))
			return
		}
		minutes = parsed
	}
	since := s.now().Add(-time.Duration(minutes) * time.Minute).Truncate(time.Minute)
	buckets, err := s.store.PresenceHistory(r.Context(), since)
	if err != nil {
		zap.S().Errorw("presence history query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("presence history unavailable"))
		return
	}
	resp := historyResponse{Minutes: minutes, Buckets: make([]historyBucket, 0, len(buckets))}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, historyBucket{
			BucketMinute: b.Minute.Format(time.RFC3339),
			Count:        b.Count,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDebug dumps the whole registry, admins included, for operators holding
// the debug token.
func (s *Server) HandleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.authorizeOperator(r) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	all := s.registry.All()
	nonAdmin := s.registry.NonAdminView()
	writeJSON(w, http.StatusOK, debugResponse{
		TotalUsers:        len(all),
		NonAdminCount:     nonAdmin.Count,
		InactivitySeconds: int(s.inactivity / time.Second),
		LiveConnections:   s.hub.Size(),
		AllUsers:          all,
		NonAdminUsers:     nonAdmin.Users,
	})
}

func (s *Server) authorizeOperator(r *http.Request) bool {
	if len(s.debugTokenHash) == 0 {
		return false
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.Header.Get("X-Operator-Token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.debugTokenHash, []byte(token)) == nil
}

// Handler returns the mux with every route registered.
func (s *Server) Handler(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleHome)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/api/active-users", s.HandleActiveUsers)
	mux.HandleFunc("/api/user-presence", s.HandleUserPresence)
	mux.HandleFunc("/api/stats", s.HandleStats)
	mux.HandleFunc("/api/presence-history", s.HandlePresenceHistory)
	mux.HandleFunc("/debug", s.HandleDebug)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc(wsPath, s.ServeWS)
	return mux
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
