package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/videofoundry/api/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var secret string
	var userID string
	var email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token signed with the shared JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueToken(secret, userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "Shared JWT secret")
	cmd.Flags().StringVar(&userID, "user", "dev", "User ID")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	return cmd
}
