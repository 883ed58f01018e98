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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/weaver/services/weaverd/patch"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

var (
	patchFile   string
	patchFormat string
	jsonOutput  bool
)

var (
	okColor     = color.New(color.FgGreen, color.Bold)
	rejectColor = color.New(color.FgRed, color.Bold)
	warnColor   = color.New(color.FgYellow, color.Bold)
	dimColor    = color.New(color.Faint)
)

// runApply verifies and applies one patch in-process. Exits 0 when
// committed and 3 when rejected.
func runApply(cmd *cobra.Command, _ []string) error {
	text, err := readPatch(cmd.InOrStdin(), patchFile)
	if err != nil {
		return &commandError{code: exitUsage, err: err}
	}
	format, err := patch.ParseFormat(patchFormat)
	if err != nil {
		return &commandError{code: exitUsage, err: err}
	}

	ctx := contextOrBackground(cmd.Context())
	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = env.close() }()

	res, err := env.daemon.ApplyPatch(ctx, text, format)
	if err != nil {
		var pe *patch.Error
		if errors.As(err, &pe) {
			return &commandError{code: exitRejected, err: fmt.Errorf("patch not applied: %w", pe)}
		}
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if !res.Committed() {
		return &commandError{code: exitRejected}
	}
	return nil
}

func readPatch(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read patch: %w", err)
	}
	return string(data), nil
}

// printResult writes a human-readable summary of res.
func printResult(w io.Writer, res transaction.Result) {
	switch {
	case res.Committed():
		fmt.Fprintf(w, "%s %s\n", okColor.Sprint("✔ committed"), dimColor.Sprint(res.TransactionID))
		for _, p := range res.Written {
			fmt.Fprintf(w, "  %s %s\n", okColor.Sprint("M"), p)
		}
		for _, p := range res.Deleted {
			fmt.Fprintf(w, "  %s %s\n", rejectColor.Sprint("D"), p)
		}
		return
	case res.Kind == transaction.ResultRejectedBackendUnavailable, res.Kind == transaction.ResultInternalError:
		fmt.Fprintf(w, "%s %s\n", warnColor.Sprint("✘ "+string(res.Kind)), dimColor.Sprint(res.TransactionID))
	default:
		fmt.Fprintf(w, "%s %s\n", rejectColor.Sprint("✘ "+string(res.Kind)), dimColor.Sprint(res.TransactionID))
	}

	fmt.Fprintf(w, "  %s\n", res.Summary())
	for _, d := range res.Regressions {
		fmt.Fprintf(w, "  %s:%d:%d: %s %s\n", d.File, d.Line, d.Column, d.Severity, d.Message)
	}
	if res.IO != nil && res.IO.Partial != nil && !res.IO.Partial.Clean() {
		fmt.Fprintf(w, "  %s %s\n", warnColor.Sprint("restore failed:"),
			strings.Join(res.IO.Partial.RestoreFailed, ", "))
	}
	fmt.Fprintln(w, dimColor.Sprint("  no files were changed"))
}
