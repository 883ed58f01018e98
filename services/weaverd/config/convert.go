// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/weaver/pkg/logging"
	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/journal"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// RootPath returns the absolute workspace root.
func (c Config) RootPath() (string, error) {
	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return root, nil
}

// resolve joins a workspace-relative path onto root.
func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// TransactionConfig builds the coordinator configuration.
func (c Config) TransactionConfig(root string) (transaction.Config, error) {
	policy, err := transaction.ParseCreatePolicy(c.Harness.CreatePolicy)
	if err != nil {
		return transaction.Config{}, err
	}
	threshold, err := diagnostics.ParseSeverity(c.Harness.SeverityThreshold)
	if err != nil {
		return transaction.Config{}, err
	}
	tc := transaction.DefaultConfig(root)
	tc.CreatePolicy = policy
	tc.Threshold = threshold
	tc.MaxConcurrent = c.Harness.MaxConcurrent
	tc.MaxFiles = c.Harness.MaxFiles
	tc.MaxFileBytes = c.Harness.MaxFileBytes
	tc.SyncDirs = c.Harness.SyncDirs
	if c.Harness.CloseTimeout.Duration > 0 {
		tc.CloseTimeout = c.Harness.CloseTimeout.Duration
	}
	return tc, nil
}

// LockPath returns the workspace lock file, or "" when disabled.
func (c Config) LockPath(root string) string {
	if !c.Harness.WorkspaceLock || c.Harness.LockFile == "" {
		return ""
	}
	return resolve(root, c.Harness.LockFile)
}

// PoolConfig builds the session pool configuration.
func (c Config) PoolConfig() lsp.PoolConfig {
	pc := lsp.DefaultPoolConfig()
	pc.StartupTimeout = c.LSP.StartupTimeout.Duration
	pc.IdleTimeout = c.LSP.IdleTimeout.Duration
	pc.Server.RequestTimeout = c.LSP.RequestTimeout.Duration
	pc.Server.DiagnosticsTimeout = c.LSP.DiagnosticsTimeout.Duration
	if c.LSP.DiagnosticsSettle.Duration > 0 {
		pc.Server.DiagnosticsSettle = c.LSP.DiagnosticsSettle.Duration
	}
	if c.LSP.ShutdownTimeout.Duration > 0 {
		pc.Server.ShutdownTimeout = c.LSP.ShutdownTimeout.Duration
	}
	return pc
}

// Registry returns the default language servers with the configured
// overrides and removals applied.
func (c Config) Registry() *lsp.ConfigRegistry {
	reg := lsp.NewConfigRegistry()
	for _, s := range c.LSP.Servers {
		reg.Register(s)
	}
	for _, lang := range c.LSP.Disable {
		reg.Remove(lang)
	}
	return reg
}

// JournalConfig builds the journal configuration.
func (c Config) JournalConfig(root string) journal.Config {
	jc := journal.DefaultConfig(resolve(root, c.Journal.Path))
	jc.InMemory = c.Journal.InMemory
	jc.Retention = c.Journal.Retention.Duration
	jc.GCInterval = c.Journal.GCInterval.Duration
	return jc
}

// LoggerConfig builds the process logger configuration.
func (c Config) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  c.Logging.Dir,
		Service: service,
	}, nil
}
