package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	intrnl "presencehub/internal"
	"presencehub/internal/storage"
)

// ServerHandle represents a running presence server and its background tasks.
type ServerHandle struct {
	addr      string
	server    *http.Server
	presence  *intrnl.Server
	store     *storage.Store
	scheduler *intrnl.Scheduler
	stopReap  context.CancelFunc
	done      chan struct{}
	err       error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and background tasks are stopped.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// OpenStore creates the database directory, opens the SQLite store and runs
// migrations.
func OpenStore(ctx context.Context, cfg DBConfig) (*storage.Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && !isURIPath(cfg.Path) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store.SetQueryTimeout(cfg.QueryTimeout)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// RunServer opens the store, starts the reaper and the rollup/retention
// scheduler, and serves HTTP in the background. Cancelling ctx shuts
// everything down; Wait reports the result.
func RunServer(ctx context.Context, cfg *Config) (*ServerHandle, error) {
	store, err := OpenStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	presence := intrnl.NewServer(store, intrnl.ServerOptions{
		InactivityTimeout: cfg.Presence.InactivityTimeout,
		PresenceRateLimit: cfg.Presence.RateLimit,
		StatsCacheTTL:     cfg.Stats.CacheTTL,
		DebugTokenHash:    cfg.Debug.TokenHash,
	})

	rollup := intrnl.NewRollupRecorder(presence.Registry(), store, presence.Metrics(), cfg.Presence.InactivityTimeout)
	pruner := intrnl.NewRetentionPruner(store, presence.Metrics(), cfg.Presence.RetentionDays)
	scheduler, err := intrnl.NewScheduler(rollup, pruner, cfg.Presence.RollupCadence)
	if err != nil {
		presence.Close()
		_ = store.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		presence.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           presence.Handler(cfg.HTTP.WSPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reapCtx, stopReap := context.WithCancel(context.Background())
	reaper := intrnl.NewReaper(presence.Registry(), presence.Metrics(),
		cfg.Presence.ReapInterval, cfg.Presence.InactivityTimeout,
		intrnl.WithHousekeeping(presence.Sweep),
	)
	go reaper.Run(reapCtx)
	scheduler.Start()

	handle := &ServerHandle{
		addr:      listener.Addr().String(),
		server:    httpServer,
		presence:  presence,
		store:     store,
		scheduler: scheduler,
		stopReap:  stopReap,
		done:      make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorw("server shutdown error", "error", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	h.stopReap()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.scheduler.Stop(stopCtx)
	cancel()
	h.presence.Close()

	if err := h.store.Close(); err != nil {
		zap.S().Errorw("store close error", "error", err)
	}
	h.err = err
}

// isURIPath reports paths the driver resolves itself (DSN forms and in-memory databases).
func isURIPath(path string) bool {
	return path == ":memory:" ||
		strings.HasPrefix(path, "sqlite://") ||
		strings.HasPrefix(path, "file:") ||
		strings.Contains(path, "mode=memory")
}
