package main

import (
	"os"

	"github.com/spf13/cobra"

	"presencehub/internal/app"
)

func newWatchCommand() *cobra.Command {
	var cfg app.WatchConfig
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live terminal dashboard of present users",
		Long: `Connects to the presence websocket and renders the live non-admin view.
With --user the dashboard also reports that user as present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunWatch(cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.ServerURL, "server-url", envOrDefault("PRESENCE_SERVER", "ws://localhost:5000/ws"), "presence websocket URL")
	cmd.Flags().StringVar(&cfg.UserID, "user", envOrDefault("PRESENCE_USER", ""), "report this user id as present while watching")
	return cmd
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
