// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianRAG/pkg/config"
	"github.com/AleutianAI/AleutianRAG/pkg/logging"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// serveOptions are the serve flags. Zero values leave the loaded
// configuration untouched.
type serveOptions struct {
	configPath string
	port       int
	logLevel   string
	jsonLogs   bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ragchat",
		Short:        "Retrieval-augmented chat orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.Flags().Changed("json-logs"))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file")
	cmd.Flags().IntVar(&opts.port, "port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&opts.jsonLogs, "json-logs", false, "emit JSON log records")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ragchat", version)
		},
	}
}

// loadConfig loads the configuration and applies flag overrides.
// jsonLogsSet reports whether --json-logs was given explicitly.
func loadConfig(opts *serveOptions, jsonLogsSet bool) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if jsonLogsSet {
		cfg.Logging.JSON = opts.jsonLogs
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(parent context.Context, cfg config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.Logging.JSON,
		Service: cfg.Telemetry.ServiceName,
		LogDir:  cfg.Logging.Dir,
	})
	defer logger.Close()
	slog.SetDefault(logger.With("version", version).Slog())

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		return err
	}
	slog.Info("Starting ragchat", "port", cfg.Server.Port)
	return svc.Run(ctx)
}
