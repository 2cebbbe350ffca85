package cmd

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel   string // Log verbosity level
	configPath string // Router config YAML
	envFile    string // Optional .env file with ROUTER_* variables
)

// Environment variables consulted when the matching flag is not set.
const (
	envConfig   = "ROUTER_CONFIG"
	envLogLevel = "ROUTER_LOG_LEVEL"
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "inference-router",
	Short: "Request router for LLM inference workers",
	Long: "Routes OpenAI-compatible requests across inference workers with pluggable load balancing, " +
		"circuit breakers, retries and prefill/decode disaggregation.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(envFile); err != nil {
			// a missing default .env is fine; a missing explicit one is not
			if cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
				logrus.Fatalf("Failed to load env file %s: %v", envFile, err)
			}
		}
		level := logLevel
		if !cmd.Flags().Changed("log") {
			if v := os.Getenv(envLogLevel); v != "" {
				level = v
			}
		}
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", level)
		}
		logrus.SetLevel(parsed)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Router config YAML (default $"+envConfig+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File of ROUTER_* environment variables, loaded if present")
}
