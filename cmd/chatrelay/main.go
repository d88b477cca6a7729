// Package main is the entry point for the chatrelay server and tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/config"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Relay browser chat messages to a worker process",
		Long: `chatrelay accepts chat messages over HTTP, rate-limits and validates
them, runs the configured worker process once per message and relays
its reply. Every request is recorded in an append-only audit log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CHATRELAY_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInvokeCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadConfig loads the config named by --config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
