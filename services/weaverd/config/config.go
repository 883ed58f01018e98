// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads weaverd configuration from YAML or TOML files and
// WEAVERD_* environment variables.
//
// Precedence, lowest first: Default, the config file, the environment,
// then command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/weaver/pkg/logging"
	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/telemetry"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// ErrUnsupportedFormat is returned for a config file that is neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Config is the complete daemon configuration.
type Config struct {
	Workspace WorkspaceConfig  `yaml:"workspace" toml:"workspace"`
	Server    ServerConfig     `yaml:"server" toml:"server"`
	Harness   HarnessConfig    `yaml:"harness" toml:"harness"`
	LSP       LSPConfig        `yaml:"lsp" toml:"lsp"`
	Journal   JournalConfig    `yaml:"journal" toml:"journal"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
}

// WorkspaceConfig locates the workspace.
type WorkspaceConfig struct {
	// Root is the workspace root directory. Defaults to the working
	// directory.
	Root string `yaml:"root" toml:"root"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`

	// RateLimit is mutations per second across all clients. Zero disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`

	ReadHeaderTimeout Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// HarnessConfig configures the transaction coordinator.
type HarnessConfig struct {
	// CreatePolicy is "reject" or "modify".
	CreatePolicy string `yaml:"create_policy" toml:"create_policy"`

	// SeverityThreshold is the least severe diagnostic that rejects:
	// error, warning, information or hint.
	SeverityThreshold string `yaml:"severity_threshold" toml:"severity_threshold"`

	MaxConcurrent int64 `yaml:"max_concurrent" toml:"max_concurrent"`
	MaxFiles      int   `yaml:"max_files" toml:"max_files"`
	MaxFileBytes  int64 `yaml:"max_file_bytes" toml:"max_file_bytes"`

	// CloseTimeout bounds closing analysis documents after a transaction.
	CloseTimeout Duration `yaml:"close_timeout" toml:"close_timeout"`

	// SyncDirs fsyncs parent directories after commit.
	SyncDirs bool `yaml:"sync_dirs" toml:"sync_dirs"`

	// WorkspaceLock holds a cross-process lock file during commit.
	WorkspaceLock bool `yaml:"workspace_lock" toml:"workspace_lock"`

	// LockFile is the lock file path, relative to the workspace root.
	LockFile string `yaml:"lock_file" toml:"lock_file"`
}

// LSPConfig configures analysis sessions.
type LSPConfig struct {
	StartupTimeout     Duration `yaml:"startup_timeout" toml:"startup_timeout"`
	RequestTimeout     Duration `yaml:"request_timeout" toml:"request_timeout"`
	DiagnosticsTimeout Duration `yaml:"diagnostics_timeout" toml:"diagnostics_timeout"`
	DiagnosticsSettle  Duration `yaml:"diagnostics_settle" toml:"diagnostics_settle"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// IdleTimeout stops sessions unused this long. Zero keeps them.
	IdleTimeout Duration `yaml:"idle_timeout" toml:"idle_timeout"`

	// Watch forwards external file changes to running sessions.
	Watch bool `yaml:"watch" toml:"watch"`

	// Servers add or replace language servers.
	Servers []lsp.LanguageConfig `yaml:"servers" toml:"servers"`

	// Disable removes languages so they get no semantic gate.
	Disable []string `yaml:"disable" toml:"disable"`
}

// JournalConfig configures the transaction journal.
type JournalConfig struct {
	Enabled  bool `yaml:"enabled" toml:"enabled"`
	InMemory bool `yaml:"in_memory" toml:"in_memory"`

	// Path is the database directory, relative to the workspace root
	// unless absolute.
	Path       string   `yaml:"path" toml:"path"`
	Retention  Duration `yaml:"retention" toml:"retention"`
	GCInterval Duration `yaml:"gc_interval" toml:"gc_interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Dir    string `yaml:"dir" toml:"dir"`
}

// Default returns a working configuration for the current directory.
func Default() Config {
	pool := lsp.DefaultPoolConfig()
	tx := transaction.DefaultConfig("")
	return Config{
		Workspace: WorkspaceConfig{Root: "."},
		Server: ServerConfig{
			Addr:              "127.0.0.1:7411",
			RateLimit:         20,
			Burst:             40,
			MaxBodyBytes:      32 << 20,
			ReadHeaderTimeout: D(10 * time.Second),
			ShutdownTimeout:   D(15 * time.Second),
		},
		Harness: HarnessConfig{
			CreatePolicy:      string(tx.CreatePolicy),
			SeverityThreshold: tx.Threshold.String(),
			MaxConcurrent:     tx.MaxConcurrent,
			MaxFiles:          tx.MaxFiles,
			MaxFileBytes:      tx.MaxFileBytes,
			CloseTimeout:      D(tx.CloseTimeout),
			SyncDirs:          tx.SyncDirs,
			WorkspaceLock:     true,
			LockFile:          filepath.Join(".weaver", "weaverd.lock"),
		},
		LSP: LSPConfig{
			StartupTimeout:     D(pool.StartupTimeout),
			RequestTimeout:     D(pool.Server.RequestTimeout),
			DiagnosticsTimeout: D(pool.Server.DiagnosticsTimeout),
			DiagnosticsSettle:  D(pool.Server.DiagnosticsSettle),
			ShutdownTimeout:    D(pool.Server.ShutdownTimeout),
			IdleTimeout:        D(pool.IdleTimeout),
			Watch:              true,
		},
		Journal: JournalConfig{
			Enabled:    true,
			Path:       filepath.Join(".weaver", "journal"),
			Retention:  D(30 * 24 * time.Hour),
			GCInterval: D(5 * time.Minute),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
	}
}

// Load reads path over Default, applies the environment and validates.
// An empty path skips the file.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, decode, environment or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse config %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// LookupFunc is os.LookupEnv's signature.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from WEAVERD_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	getEnvOr := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	var errs []error
	parseDuration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	parseBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	c.Workspace.Root = getEnvOr("WEAVERD_ROOT", c.Workspace.Root)
	c.Server.Addr = getEnvOr("WEAVERD_ADDR", c.Server.Addr)
	c.Harness.CreatePolicy = getEnvOr("WEAVERD_CREATE_POLICY", c.Harness.CreatePolicy)
	c.Harness.SeverityThreshold = getEnvOr("WEAVERD_SEVERITY_THRESHOLD", c.Harness.SeverityThreshold)
	c.Journal.Path = getEnvOr("WEAVERD_JOURNAL_PATH", c.Journal.Path)
	c.Logging.Level = getEnvOr("WEAVERD_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOr("WEAVERD_LOG_FORMAT", c.Logging.Format)
	c.Logging.Dir = getEnvOr("WEAVERD_LOG_DIR", c.Logging.Dir)

	if v, ok := lookup("WEAVERD_MAX_CONCURRENT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEAVERD_MAX_CONCURRENT: %w", err))
		} else {
			c.Harness.MaxConcurrent = n
		}
	}
	parseDuration("WEAVERD_DIAGNOSTICS_TIMEOUT", &c.LSP.DiagnosticsTimeout)
	parseDuration("WEAVERD_STARTUP_TIMEOUT", &c.LSP.StartupTimeout)
	parseBool("WEAVERD_JOURNAL_ENABLED", &c.Journal.Enabled)
	parseBool("WEAVERD_WORKSPACE_LOCK", &c.Harness.WorkspaceLock)
	parseBool("WEAVERD_WATCH", &c.LSP.Watch)

	return errors.Join(errs...)
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if _, err := transaction.ParseCreatePolicy(c.Harness.CreatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("harness.create_policy: %w", err))
	}
	if _, err := diagnostics.ParseSeverity(c.Harness.SeverityThreshold); err != nil {
		errs = append(errs, fmt.Errorf("harness.severity_threshold: %w", err))
	}
	if c.Harness.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("harness.max_concurrent must be >= 1, got %d", c.Harness.MaxConcurrent))
	}
	if c.Harness.MaxFiles < 1 {
		errs = append(errs, fmt.Errorf("harness.max_files must be >= 1, got %d", c.Harness.MaxFiles))
	}
	if c.Harness.MaxFileBytes < 1 {
		errs = append(errs, fmt.Errorf("harness.max_file_bytes must be >= 1, got %d", c.Harness.MaxFileBytes))
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.burst must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.Burst < 1 {
		errs = append(errs, errors.New("server.burst must be >= 1 when rate limiting"))
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"lsp.startup_timeout", c.LSP.StartupTimeout},
		{"lsp.request_timeout", c.LSP.RequestTimeout},
		{"lsp.diagnostics_timeout", c.LSP.DiagnosticsTimeout},
	} {
		if d.value.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	for i, s := range c.LSP.Servers {
		if s.Language == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("lsp.servers[%d]: language and command are required", i))
		}
	}
	if c.Journal.Enabled && !c.Journal.InMemory && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required unless journal.in_memory"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
