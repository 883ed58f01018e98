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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/weaver/pkg/logging"
	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "prometheus"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "reject", cfg.Harness.CreatePolicy)
	assert.Equal(t, "warning", cfg.Harness.SeverityThreshold)
	assert.True(t, cfg.Journal.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	p := writeConfig(t, "weaverd.yaml", `
workspace:
  root: /srv/repo
server:
  addr: ":9000"
  rate_limit: 5
  burst: 10
harness:
  create_policy: modify
  severity_threshold: error
  max_concurrent: 2
lsp:
  diagnostics_timeout: 45s
  idle_timeout: 0s
  servers:
    - language: go
      command: /opt/gopls
      args: [serve, -rpc.trace]
      extensions: [.go]
  disable: [bash]
journal:
  retention: 3600
logging:
  level: debug
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/srv/repo", cfg.Workspace.Root)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5.0, cfg.Server.RateLimit)
	assert.Equal(t, "modify", cfg.Harness.CreatePolicy)
	assert.Equal(t, int64(2), cfg.Harness.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.LSP.DiagnosticsTimeout.Duration)
	assert.Equal(t, time.Duration(0), cfg.LSP.IdleTimeout.Duration)
	assert.Equal(t, time.Hour, cfg.Journal.Retention.Duration)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.LSP.Servers, 1)
	assert.Equal(t, []string{"serve", "-rpc.trace"}, cfg.LSP.Servers[0].Args)

	reg := cfg.Registry()
	goCfg, ok := reg.Get("go")
	require.True(t, ok)
	assert.Equal(t, "/opt/gopls", goCfg.Command)
	_, ok = reg.Get("bash")
	assert.False(t, ok)
	_, ok = reg.LanguageForPath("run.sh")
	assert.False(t, ok)
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	p := writeConfig(t, "weaverd.toml", `
[workspace]
root = "/srv/repo"

[harness]
severity_threshold = "hint"
close_timeout = "2s"

[lsp]
startup_timeout = "1m"

[[lsp.servers]]
language = "zig"
command = "zls"
extensions = [".zig"]

[telemetry]
trace_exporter = "stdout"
metric_exporter = "none"
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "hint", cfg.Harness.SeverityThreshold)
	assert.Equal(t, 2*time.Second, cfg.Harness.CloseTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.LSP.StartupTimeout.Duration)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)

	lang, ok := cfg.Registry().LanguageForPath("main.zig")
	require.True(t, ok)
	assert.Equal(t, "zig", lang)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")

	t.Run("unknown extension", func(t *testing.T) {
		_, err := Load(writeConfig(t, "weaverd.ini", "x=1"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("unknown yaml key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.yaml", "harness:\n  max_concurent: 3\n"))
		assert.Error(t, err)
	})
	t.Run("unknown toml key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.toml", "[harness]\nmax_concurent = 3\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurent")
	})
	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.yaml", "lsp:\n  request_timeout: soon\n"))
		assert.Error(t, err)
	})
	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.yaml", "harness:\n  create_policy: overwrite\n  max_concurrent: 0\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create_policy")
		assert.Contains(t, err.Error(), "max_concurrent")
	})
	t.Run("empty yaml is defaults", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.yaml", ""))
		assert.NoError(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"WEAVERD_ROOT":                "/work",
		"WEAVERD_ADDR":                ":1234",
		"WEAVERD_MAX_CONCURRENT":      "3",
		"WEAVERD_DIAGNOSTICS_TIMEOUT": "9s",
		"WEAVERD_JOURNAL_ENABLED":     "false",
		"WEAVERD_LOG_LEVEL":           "error",
		"WEAVERD_CREATE_POLICY":       "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/work", cfg.Workspace.Root)
	assert.Equal(t, ":1234", cfg.Server.Addr)
	assert.Equal(t, int64(3), cfg.Harness.MaxConcurrent)
	assert.Equal(t, 9*time.Second, cfg.LSP.DiagnosticsTimeout.Duration)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "reject", cfg.Harness.CreatePolicy)
}

func TestApplyEnv_Invalid(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"WEAVERD_MAX_CONCURRENT": "many",
		"WEAVERD_WATCH":          "perhaps",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEAVERD_MAX_CONCURRENT")
	assert.Contains(t, err.Error(), "WEAVERD_WATCH")
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Harness.CreatePolicy = "modify"
	cfg.Harness.SeverityThreshold = "error"
	cfg.Harness.MaxConcurrent = 4
	cfg.LSP.DiagnosticsTimeout = D(3 * time.Second)
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	tc, err := cfg.TransactionConfig("/repo")
	require.NoError(t, err)
	assert.Equal(t, "/repo", tc.Root)
	assert.Equal(t, transaction.CreateAsModify, tc.CreatePolicy)
	assert.Equal(t, diagnostics.SeverityError, tc.Threshold)
	assert.Equal(t, int64(4), tc.MaxConcurrent)

	pc := cfg.PoolConfig()
	assert.Equal(t, 3*time.Second, pc.Server.DiagnosticsTimeout)

	jc := cfg.JournalConfig("/repo")
	assert.Equal(t, filepath.Join("/repo", ".weaver", "journal"), jc.Path)

	assert.Equal(t, filepath.Join("/repo", ".weaver", "weaverd.lock"), cfg.LockPath("/repo"))
	cfg.Harness.WorkspaceLock = false
	assert.Empty(t, cfg.LockPath("/repo"))

	lc, err := cfg.LoggerConfig("weaverd")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("90")))
}
