package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobwatch/jobwatch/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the environment configuration",
	Long: `Parse every configuration variable and report all problems at
once without starting the service.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv(Version)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "config is valid")
	fmt.Fprintf(out, "  decompiler: %s\n", cfg.Decomp.BaseURL)
	fmt.Fprintf(out, "  providers:  %v\n", cfg.Providers.IDs)
	fmt.Fprintf(out, "  policy:     %s..%s x%.2f, %d retries\n",
		cfg.Policy.MinInterval, cfg.Policy.MaxInterval, cfg.Policy.Multiplier, cfg.Policy.MaxRetries)
	fmt.Fprintf(out, "  database:   %t\n", cfg.Database.Enabled())
	fmt.Fprintf(out, "  pubsub:     %t\n", cfg.PubSub.Enabled())
	return nil
}
