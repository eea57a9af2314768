package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	intrnl "presencehub/internal"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presencehub",
		Short: "Track who is online and broadcast live presence counts",
		Long: `presencehub keeps an in-memory registry of present users, pushes
active_users_update events to websocket clients and records per-minute
presence buckets in SQLite.

Examples:
  # Run the server on :5000
  presencehub serve

  # Watch the live count
  presencehub watch --server-url ws://localhost:5000/ws`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newWatchCommand(),
		newVersionCommand(),
		newHashTokenCommand(),
		newUsersCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), intrnl.Version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "presencehub: %v\n", err)
		os.Exit(1)
	}
}
