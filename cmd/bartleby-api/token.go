package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bartleby/internal/auth"
	"bartleby/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Print a signed bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var roles []string
			if admin {
				roles = append(roles, auth.RoleAdmin)
			}
			tok, err := auth.NewJWTConfig(cfg.JWTSecret).Sign(args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
