// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Report lists diagnostics introduced by an edit.
type Report struct {
	// New holds post-edit diagnostics with no matching baseline issue.
	New []Diagnostic `json:"new"`

	// Ignored holds diagnostics for files outside the edited set.
	Ignored []Diagnostic `json:"ignored,omitempty"`
}

// IsClean reports whether the edit introduced no regressions.
func (r Report) IsClean() bool {
	return len(r.New) == 0
}

// Differ compares baseline and post-edit snapshots.
//
// # Description
//
// A post-edit diagnostic is new when no unconsumed baseline diagnostic
// shares its identity key: file, severity, code and normalized message.
// Positions are not part of the key, so an edit that shifts line numbers
// does not turn pre-existing issues into regressions. Matching is a
// multiset: each baseline occurrence absorbs one post-edit occurrence,
// so a second copy of an existing issue is still reported.
//
// # Thread Safety
//
// Differ holds no mutable state and is safe for concurrent use.
type Differ struct {
	// Threshold is the least severe level considered. Zero means warning.
	Threshold Severity

	Logger *slog.Logger
}

// NewDiffer creates a Differ with the given threshold.
func NewDiffer(threshold Severity, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold == SeverityUnspecified {
		threshold = SeverityWarning
	}
	return &Differ{
		Threshold: threshold,
		Logger:    logger.With("component", "diagnostics.Differ"),
	}
}

// Diff returns the diagnostics present in post but absent from baseline.
//
// # Inputs
//
//   - scope: Canonical paths of the edited files. Diagnostics for other
//     files are returned in Report.Ignored and logged, never as regressions.
//     A nil scope means every file is in scope.
//   - baseline: Pre-edit snapshot. May be nil.
//   - post: Post-edit snapshot. May be nil.
//
// # Outputs
//
//   - Report: New is sorted by file, line, column and message.
func (d *Differ) Diff(scope []string, baseline, post *Snapshot) Report {
	inScope := func(string) bool { return true }
	if scope != nil {
		set := make(map[string]struct{}, len(scope))
		for _, p := range scope {
			set[p] = struct{}{}
		}
		inScope = func(f string) bool {
			_, ok := set[f]
			return ok
		}
	}

	threshold := d.Threshold
	if threshold == SeverityUnspecified {
		threshold = SeverityWarning
	}

	remaining := make(map[identity]int)
	for _, diag := range baseline.All() {
		if !diag.Severity.AtLeast(threshold) {
			continue
		}
		remaining[keyOf(diag)]++
	}

	var report Report
	for _, diag := range post.All() {
		if !inScope(diag.File) {
			report.Ignored = append(report.Ignored, diag)
			continue
		}
		if !diag.Severity.AtLeast(threshold) {
			continue
		}
		k := keyOf(diag)
		if remaining[k] > 0 {
			remaining[k]--
			continue
		}
		report.New = append(report.New, diag)
	}

	if len(report.Ignored) > 0 && d.Logger != nil {
		d.Logger.Debug("ignoring diagnostics outside edit set",
			slog.Int("count", len(report.Ignored)),
			slog.String("first", report.Ignored[0].String()),
		)
	}
	return report
}

// identity is the matching key for one diagnostic.
type identity struct {
	file     string
	severity Severity
	code     string
	message  string
}

func keyOf(d Diagnostic) identity {
	sev := d.Severity
	if sev == SeverityUnspecified {
		sev = SeverityError
	}
	return identity{
		file:     d.File,
		severity: sev,
		code:     d.Code,
		message:  NormalizeMessage(d.Message),
	}
}

// NormalizeMessage canonicalizes a diagnostic message for matching.
//
// Applies Unicode NFC, collapses whitespace runs to one space and trims.
func NormalizeMessage(msg string) string {
	msg = norm.NFC.String(msg)
	var b strings.Builder
	b.Grow(len(msg))
	space := false
	for _, r := range msg {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
