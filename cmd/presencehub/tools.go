package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"presencehub/internal/app"
)

func newHashTokenCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an operator token for debug.token_hash",
		Long: `Hashes the operator token that unlocks /debug. The token is read from the
first argument or, when absent, from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the users and admin_users tables",
	}

	var admin bool
	add := &cobra.Command{
		Use:   "add <user_id>...",
		Short: "Register user ids, optionally as admins excluded from public counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, userID := range args {
				created, err := app.RegisterUser(cmd.Context(), store, userID, admin)
				if err != nil {
					return fmt.Errorf("%s: %w", userID, err)
				}
				state := "exists"
				if created {
					state = "created"
				}
				if admin {
					state += ", admin"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", userID, state)
			}
			return nil
		},
	}
	add.Flags().BoolVar(&admin, "admin", false, "also mark the users as admins")
	add.Flags().String("config", "", "config file (yaml, json or toml)")
	add.Flags().String("db", "", "sqlite database path")
	cmd.AddCommand(add)
	return cmd
}
