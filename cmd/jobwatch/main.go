// Package main is the entry point for the jobwatch service.
//
// Usage:
//
//	jobwatch serve              # run the scheduler and operator API
//	jobwatch token <operator>   # issue an operator access token
//	jobwatch validate           # check the environment configuration
//	jobwatch version            # show build info
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Adaptive status polling for long-running decompilation jobs",
	Long: `jobwatch polls the status endpoint of remote decompilation and
translation jobs on an adaptive schedule, keeps short-lived LLM provider
credentials in memory and probes provider health on demand.

Configuration is read from the environment. See "jobwatch validate".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "jobwatch %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", "", "load environment variables from this file first")
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the service logger at the given level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "jobwatch").
		Str("version", Version).
		Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
