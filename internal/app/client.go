package app

import (
	"errors"

	intrnl "presencehub/internal"
)

// WatchConfig defines the parameters the watch dashboard needs.
type WatchConfig struct {
	ServerURL string
	UserID    string
}

// RunWatch launches the Bubble Tea dashboard with the provided configuration.
func RunWatch(cfg WatchConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunWatch(cfg.ServerURL, cfg.UserID)
}
