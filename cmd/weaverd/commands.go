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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/weaver/pkg/logging"
	"github.com/AleutianAI/weaver/services/weaverd"
	"github.com/AleutianAI/weaver/services/weaverd/config"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/telemetry"
)

const serviceName = "weaverd"

// --- Global Command Variables ---
var (
	configPath string
	rootDir    string
	logLevel   string

	// sessionFactory overrides how language servers start. nil uses the
	// configured executables.
	sessionFactory lsp.SessionFactory

	rootCmd = &cobra.Command{
		Use:           "weaverd",
		Short:         "Transactional edit verification for source workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	applyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Verify and apply one patch, then exit",
		Args:  cobra.NoArgs,
		RunE:  runApply, // Defined in cmd_apply.go
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the harness as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE:  runMCP, // Defined in cmd_mcp.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or TOML config file")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "", "workspace root (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	applyCmd.Flags().StringVarP(&patchFile, "patch", "p", "", "patch file, or - for stdin")
	applyCmd.Flags().StringVarP(&patchFormat, "format", "f", "auto", "auto, search_replace or unified")
	applyCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full result as JSON")
	_ = applyCmd.MarkFlagRequired("patch")

	rootCmd.AddCommand(serveCmd, applyCmd, mcpCmd, versionCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if rootDir != "" {
		cfg.Workspace.Root = rootDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}

// setupLogging installs the process logger.
func setupLogging(cfg config.Config) (*logging.Logger, error) {
	lc, err := cfg.LoggerConfig(serviceName)
	if err != nil {
		return nil, err
	}
	logger := logging.New(lc)
	logging.Install(logger)
	return logger, nil
}

// runtimeEnv is everything a command needs to run the harness.
type runtimeEnv struct {
	cfg      config.Config
	logger   *logging.Logger
	daemon   *weaverd.Daemon
	shutdown func(context.Context) error
}

// setup loads config and builds logging, telemetry and the daemon.
func setup(ctx context.Context) (*runtimeEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &commandError{code: exitUsage, err: err}
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return nil, &commandError{code: exitUsage, err: err}
	}
	cfg.Telemetry.ServiceVersion = Version

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var opts []weaverd.DaemonOption
	if sessionFactory != nil {
		opts = append(opts, weaverd.WithSessionFactory(sessionFactory))
	}
	d, err := weaverd.NewDaemon(cfg, opts...)
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, err
	}
	return &runtimeEnv{cfg: cfg, logger: logger, daemon: d, shutdown: shutdown}, nil
}

// close stops the daemon, flushes telemetry and closes the logger.
func (e *runtimeEnv) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := e.daemon.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	if err := e.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
