package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobwatch/jobwatch/internal/auth"
	"github.com/jobwatch/jobwatch/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token <operator-id>",
	Short: "Issue an operator access token",
	Long: `Issue a bearer token for the operator API, signed with
JWT_SIGNING_KEY. The token is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default JWT_TOKEN_TTL)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv(Version)
	if err != nil {
		return err
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	tokens, err := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TTL:        ttl,
	})
	if err != nil {
		return err
	}

	token, expiresAt, err := tokens.GenerateAccessToken(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
