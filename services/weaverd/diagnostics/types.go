// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics models analysis diagnostics and detects regressions
// between a baseline and a post-edit snapshot.
package diagnostics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity follows the LSP DiagnosticSeverity numbering.
type Severity int

const (
	// SeverityUnspecified is used when the backend omits a severity.
	// It is treated as an error when thresholding.
	SeverityUnspecified Severity = 0
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unspecified"
	}
}

// ParseSeverity parses a severity name as used in configuration.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return SeverityError, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "information", "info":
		return SeverityInformation, nil
	case "hint":
		return SeverityHint, nil
	default:
		return SeverityUnspecified, fmt.Errorf("unknown severity %q", s)
	}
}

// AtLeast reports whether s is at or above threshold. Lower LSP numbers
// are more severe.
func (s Severity) AtLeast(threshold Severity) bool {
	if s == SeverityUnspecified {
		return true
	}
	if threshold == SeverityUnspecified {
		threshold = SeverityWarning
	}
	return s <= threshold
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	if string(b) == "unspecified" {
		*s = SeverityUnspecified
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Diagnostic is one issue reported by an analysis backend.
type Diagnostic struct {
	// File is the canonical absolute path.
	File string `json:"file" msgpack:"file"`

	Severity Severity `json:"severity" msgpack:"severity"`

	// Line and Column are 1-based.
	Line   int `json:"line" msgpack:"line"`
	Column int `json:"column" msgpack:"column"`

	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Source  string `json:"source,omitempty" msgpack:"source,omitempty"`
	Message string `json:"message" msgpack:"message"`
}

// String formats the diagnostic as file:line:col: severity: message.
func (d Diagnostic) String() string {
	code := ""
	if d.Code != "" {
		code = " [" + d.Code + "]"
	}
	return fmt.Sprintf("%s:%d:%d: %s%s: %s", d.File, d.Line, d.Column, d.Severity, code, d.Message)
}

// Snapshot is the set of diagnostics for a file set at one point in time.
type Snapshot struct {
	// Version ties the snapshot to the document version it was taken at.
	Version int `json:"version"`

	CapturedAt time.Time `json:"captured_at"`

	// Files maps canonical paths to their diagnostics. A present key with
	// an empty slice means the file was checked and is clean.
	Files map[string][]Diagnostic `json:"files"`
}

// NewSnapshot creates an empty snapshot stamped with the current time.
func NewSnapshot(version int) *Snapshot {
	return &Snapshot{
		Version:    version,
		CapturedAt: time.Now(),
		Files:      make(map[string][]Diagnostic),
	}
}

// Set replaces the diagnostics recorded for file.
func (s *Snapshot) Set(file string, diags []Diagnostic) {
	if s.Files == nil {
		s.Files = make(map[string][]Diagnostic)
	}
	cp := make([]Diagnostic, len(diags))
	copy(cp, diags)
	s.Files[file] = cp
}

// Merge copies every file of other into s, replacing existing entries.
func (s *Snapshot) Merge(other *Snapshot) {
	if other == nil {
		return
	}
	for f, d := range other.Files {
		s.Set(f, d)
	}
}

// All returns every diagnostic in deterministic order.
func (s *Snapshot) All() []Diagnostic {
	if s == nil {
		return nil
	}
	var out []Diagnostic
	for _, d := range s.Files {
		out = append(out, d...)
	}
	SortDiagnostics(out)
	return out
}

// Len returns the total diagnostic count.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Files {
		n += len(d)
	}
	return n
}

// SortDiagnostics orders by file, line, column, then message.
func SortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Message < b.Message
	})
}
