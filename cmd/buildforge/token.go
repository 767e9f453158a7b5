package main

import (
	"errors"
	"fmt"
	"time"

	"buildforge/internal/auth"
	"buildforge/internal/config"

	"github.com/spf13/cobra"
)

var tokenOpts struct {
	userID    uint
	username  string
	role      string
	ttl       time.Duration
	newSecret bool
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token signed with JWT_SECRET",
	Long: `Issue an access token for a user id. Identity is owned by an upstream
service; this command exists for operators and local development.

With --new-secret it prints a fresh random value for JWT_SECRET instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if tokenOpts.newSecret {
			secret, err := config.GenerateSecureSecret(48)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, secret)
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		if tokenOpts.userID == 0 {
			return errors.New("--user is required")
		}

		ttl := tokenOpts.ttl
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		svc := auth.NewJWTService(cfg.JWTSecret, "buildforge", ttl)
		token, expires, err := svc.GenerateAccessToken(tokenOpts.userID, tokenOpts.username, tokenOpts.role)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.UintVar(&tokenOpts.userID, "user", 0, "user id the token is issued to")
	f.StringVar(&tokenOpts.username, "username", "", "username claim")
	f.StringVar(&tokenOpts.role, "role", "user", "role claim")
	f.DurationVar(&tokenOpts.ttl, "ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	f.BoolVar(&tokenOpts.newSecret, "new-secret", false, "print a new random JWT secret and exit")
	rootCmd.AddCommand(tokenCmd)
}
