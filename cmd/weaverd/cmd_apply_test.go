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
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/lsp/lsptest"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

const mainGo = "package main\n\nfunc main() {}\n"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, rootDir, logLevel = "", "", ""
	patchFile, patchFormat, jsonOutput = "", "auto", false

	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("WEAVERD_WATCH", "false")
	t.Setenv("WEAVERD_LOG_LEVEL", "error")

	factory := &lsptest.Factory{
		Analyzers: map[string]lsptest.Analyzer{"go": lsptest.MarkerAnalyzer("undefined")},
	}
	sessionFactory = factory.Start
	t.Cleanup(func() { sessionFactory = nil })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func workspace(t *testing.T, patchText string) (root, patchPath string) {
	t.Helper()
	root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(mainGo), 0o644))
	patchPath = filepath.Join(t.TempDir(), "change.diff")
	require.NoError(t, os.WriteFile(patchPath, []byte(patchText), 0o644))
	return root, patchPath
}

func searchReplace(search, replace string) string {
	return "diff --git a/main.go b/main.go\n<<<<<<< SEARCH\n" + search + "\n=======\n" + replace + "\n>>>>>>> REPLACE\n"
}

func TestApply_Committed(t *testing.T) {
	root, p := workspace(t, searchReplace("func main() {}", "func main() { println(1) }"))

	out, err := runCLI(t, "apply", "--root", root, "--patch", p)
	require.NoError(t, err)
	assert.Contains(t, out, "✔ committed")
	assert.Contains(t, out, "M main.go")

	got, err := os.ReadFile(filepath.Join(root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() { println(1) }\n", string(got))
}

func TestApply_RejectedLeavesWorkspace(t *testing.T) {
	root, p := workspace(t, searchReplace("func main() {}", "func main() { undefined() }"))

	out, err := runCLI(t, "apply", "--root", root, "--patch", p)
	var ce *commandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, exitRejected, ce.code)
	assert.True(t, ce.silent())
	assert.Contains(t, out, "rejected_semantic")
	assert.Contains(t, out, "main.go:3:")
	assert.Contains(t, out, "no files were changed")

	got, err := os.ReadFile(filepath.Join(root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, mainGo, string(got))
}

func TestApply_JSON(t *testing.T) {
	root, p := workspace(t, searchReplace("func main() {}", "func main() {"))

	out, err := runCLI(t, "apply", "--root", root, "--patch", p, "--json")
	require.Error(t, err)

	var res transaction.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, transaction.ResultRejectedSyntactic, res.Kind)
	require.NotNil(t, res.Syntax)
	assert.Equal(t, "main.go", filepath.Base(res.Syntax.Path))
}

func TestApply_Errors(t *testing.T) {
	root, missing := workspace(t, "diff --git a/gone.go b/gone.go\n<<<<<<< SEARCH\na\n=======\nb\n>>>>>>> REPLACE\n")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"patch does not apply", []string{"apply", "--root", root, "--patch", missing}, exitRejected},
		{"unreadable patch file", []string{"apply", "--root", root, "--patch", filepath.Join(root, "nope.diff")}, exitUsage},
		{"bad format", []string{"apply", "--root", root, "--patch", missing, "--format", "svn"}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			var ce *commandError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.code, ce.code)
			assert.False(t, ce.silent())
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitRejected, exitCode(&commandError{code: exitRejected}))
	assert.Equal(t, exitUsage, exitCode(&commandError{code: exitUsage, err: errors.New("bad flag")}))
}

func TestPrintResult_PartialCommit(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, transaction.Result{
		TransactionID: "tx-1",
		Kind:          transaction.ResultRejectedIO,
		IO: &transaction.IOFailure{
			Path:   "b.go",
			Reason: "rename failed",
			Partial: &transaction.PartialCommit{
				Committed:     []string{"a.go"},
				Failed:        []string{"b.go"},
				RestoreFailed: []string{"a.go"},
			},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "rejected_io")
	assert.Contains(t, out, "io failure on b.go: rename failed")
	assert.Contains(t, out, "restore failed: a.go")
}

func TestPrintResult_Regressions(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, transaction.Result{
		Kind: transaction.ResultRejectedSemantic,
		Regressions: []diagnostics.Diagnostic{
			{File: "x.go", Line: 4, Column: 2, Severity: diagnostics.SeverityWarning, Message: "unused"},
		},
	})
	assert.Contains(t, buf.String(), "x.go:4:2: warning unused")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "weaverd dev")
}
