package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"presencehub/internal/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the presence HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			app.InitLogging(cfg.Level)
			defer func() { _ = zap.L().Sync() }()

			handle, err := app.RunServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			zap.S().Infow("presence server listening",
				"addr", handle.Addr(),
				"ws_path", cfg.HTTP.WSPath,
				"db", cfg.DB.Path,
				"inactivity_timeout", cfg.Presence.InactivityTimeout,
				"retention_days", cfg.Presence.RetentionDays,
			)
			return handle.Wait()
		},
	}
	app.BindServeFlags(cmd.Flags())
	return cmd
}
