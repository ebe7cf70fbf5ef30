package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/server"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	logFormat  string
	envFile    string
	configPath string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "x402d",
	Short: "x402 payment gateway and treasury intent executor",
	Long: `x402d serves paywalled HTTP resources using the x402 payment handshake
and manages treasury payment intents that an agent approves and an
orchestrator settles on-chain.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(logger)

		return config.LoadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from a .env file")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")

	rootCmd.AddCommand(serveCmd, healthCmd, signIntentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// loadConfig resolves defaults, then the YAML file, then the environment
func loadConfig() (config.Config, server.Config, error) {
	payments, srv := config.Default(), server.DefaultConfig()
	if configPath != "" {
		var err error
		if payments, srv, err = server.LoadFile(configPath); err != nil {
			return payments, srv, err
		}
	}

	payments, err := config.FromEnv(payments)
	if err != nil {
		return payments, srv, err
	}
	srv, err = server.ConfigFromEnv(srv)
	if err != nil {
		return payments, srv, err
	}
	return payments, srv, nil
}
