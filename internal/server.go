package internal

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"presencehub/internal/storage"
)

// ServerOptions tunes the HTTP/WebSocket surface.
type ServerOptions struct {
	// InactivityTimeout is the presence threshold used for stats and history.
	InactivityTimeout time.Duration
	// PresenceRateLimit caps POST /api/user-presence per client IP per minute.
	PresenceRateLimit int
	// StatsCacheTTL keeps successful persistence-backed stats for this long.
	StatsCacheTTL time.Duration
	// DebugTokenHash is the bcrypt hash of the operator token for /debug.
	// Empty disables the endpoint.
	DebugTokenHash string
	Clock          func() time.Time
}

// Server wires the registry, the live connection hub and the persistence
// gateway behind the HTTP handlers.
type Server struct {
	store           *storage.Store
	registry        *Registry
	hub             *Hub
	metrics         *Metrics
	authLimiter     *RateLimiter
	presenceLimiter *RateLimiter
	statsCache      *cache.Cache
	debugTokenHash  []byte
	inactivity      time.Duration
	startedAt       time.Time
	now             func() time.Time
}

func NewServer(store *storage.Store, opts ServerOptions) *Server {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 300 * time.Second
	}
	if opts.StatsCacheTTL <= 0 {
		opts.StatsCacheTTL = 10 * time.Second
	}
	var admins AdminChecker
	if store != nil {
		admins = store
	}
	s := &Server{
		store:           store,
		registry:        NewRegistry(admins, WithClock(opts.Clock)),
		hub:             NewHub(),
		metrics:         NewMetrics(),
		authLimiter:     NewRateLimiter(10, time.Minute),
		presenceLimiter: NewRateLimiter(opts.PresenceRateLimit, time.Minute),
		statsCache:      cache.New(opts.StatsCacheTTL, 2*opts.StatsCacheTTL),
		debugTokenHash:  []byte(opts.DebugTokenHash),
		inactivity:      opts.InactivityTimeout,
		startedAt:       opts.Clock(),
		now:             opts.Clock,
	}
	s.registry.OnChange(s.publish)
	go s.hub.run()
	return s
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Close stops the hub and disconnects every live client.
func (s *Server) Close() {
	s.hub.Close()
}

// Sweep releases limiter state for idle clients.
func (s *Server) Sweep() {
	s.authLimiter.Sweep()
	s.presenceLimiter.Sweep()
}

// publish pushes a registry snapshot to every live connection.
func (s *Server) publish(view ActiveUsersUpdate) {
	s.metrics.ObserveRegistry(view.Count, s.registry.Len())
	payload, err := encodeEvent(EventActiveUsersUpdate, view)
	if err != nil {
		zap.S().Errorw("failed to encode active users update", "error", err)
		return
	}
	s.hub.Broadcast(payload)
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
