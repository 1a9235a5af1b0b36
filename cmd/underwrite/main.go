// Underwrite - Mortgage eligibility and LLPA pricing engine.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/underwrite/internal/config"
	"github.com/opensource-finance/underwrite/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "underwrite",
		Short:         "Mortgage eligibility and pricing engine",
		Long:          "Evaluates loan scenarios against agency eligibility rules and prices them with loan-level price adjustments.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default ./underwrite.yaml)")
	pf.String("tier", "", "deployment tier: community or pro")
	pf.String("policy-file", "", "YAML overlay applied to the built-in policy tables")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: json or text")

	root.AddCommand(
		newServeCmd(),
		newEvaluateCmd(),
		newSubmitCmd(),
		newPresetsCmd(),
		newPolicyCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads configuration for cmd and installs the default logger.
func loadConfig(cmd *cobra.Command) (*domain.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if os.Getenv("UNDERWRITE_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stderr))
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "underwrite %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
