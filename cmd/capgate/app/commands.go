// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the capgate command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/capgate-io/capgate/pkg/config"
	"github.com/capgate-io/capgate/pkg/gateway"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "capgate",
	DisableAutoGenTag: true,
	Short:             "Capability gateway - aggregate and search multiple MCP servers",
	Long: `capgate aggregates multiple MCP (Model Context Protocol) servers into a
single gateway. It provides:

- Hierarchical semantic search over tools and skills
- Tool aggregation and call routing across stdio, SSE and HTTP backends
- LLM-assisted skill classification of synced tools
- Organization-scoped visibility of capabilities
- A management REST API and a unified MCP endpoint`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the capgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to capgate configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the capability gateway",
		Long: `Start the capability gateway and serve both the management REST API and
the unified MCP endpoint on the configured listen address.

Without --config the built-in defaults apply: a local SQLite database and a
deterministic embedding backend suitable for development.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			logger.Infof("capgate version: %s (commit %s, built %s, %s, %s)",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the capgate configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Required fields presence
- Threshold and duration ranges
- Backend server definitions`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Listen: %s", cfg.Listen)
			logger.Infof("  Database: %s", cfg.DatabasePath)
			logger.Infof("  Embedding: %s (dimension %d)", cfg.Embedding.Model, cfg.Embedding.Dimension)
			if cfg.Embedding.BaseURL == "" {
				logger.Infof("  Embedding backend: placeholder (no base_url configured)")
			}
			logger.Infof("  Servers: %d configured", len(cfg.Servers))
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	g, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	logger.Infow("Starting capgate", "listen", cfg.Listen, "servers", len(cfg.Servers))
	return g.Run(ctx)
}
