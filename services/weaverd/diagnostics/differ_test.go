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
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(diags ...Diagnostic) *Snapshot {
	s := NewSnapshot(1)
	for _, d := range diags {
		s.Files[d.File] = append(s.Files[d.File], d)
	}
	return s
}

func TestDiffer_ShiftedLinesAreClean(t *testing.T) {
	baseline := snap(
		Diagnostic{File: "/ws/a.go", Severity: SeverityError, Line: 10, Column: 2, Code: "UndeclaredName", Message: "undefined: foo"},
		Diagnostic{File: "/ws/a.go", Severity: SeverityWarning, Line: 20, Column: 1, Message: "unused variable x"},
		Diagnostic{File: "/ws/b.go", Severity: SeverityError, Line: 3, Column: 5, Message: "missing return"},
	)

	const offset = 7
	post := NewSnapshot(2)
	for f, diags := range baseline.Files {
		for _, d := range diags {
			d.Line += offset
			post.Files[f] = append(post.Files[f], d)
		}
	}

	report := NewDiffer(SeverityWarning, nil).Diff([]string{"/ws/a.go", "/ws/b.go"}, baseline, post)
	assert.True(t, report.IsClean(), "shifted diagnostics reported as new: %v", report.New)
}

func TestDiffer_NewErrorReported(t *testing.T) {
	existing := Diagnostic{File: "/ws/a.go", Severity: SeverityWarning, Line: 4, Message: "unused x"}
	introduced := Diagnostic{File: "/ws/a.go", Severity: SeverityError, Line: 9, Column: 2, Code: "UndeclaredName", Message: "undefined: bar"}

	report := NewDiffer(SeverityWarning, nil).Diff(
		[]string{"/ws/a.go"},
		snap(existing),
		snap(existing, introduced),
	)

	require.Len(t, report.New, 1)
	assert.Equal(t, introduced, report.New[0])
	assert.False(t, report.IsClean())
}

func TestDiffer_DuplicateOfExistingIssueIsRegression(t *testing.T) {
	d := Diagnostic{File: "/ws/a.py", Severity: SeverityError, Line: 2, Message: `"x" is not defined`}
	dup := d
	dup.Line = 30

	report := NewDiffer(SeverityWarning, nil).Diff([]string{"/ws/a.py"}, snap(d), snap(d, dup))

	require.Len(t, report.New, 1)
	assert.Equal(t, 30, report.New[0].Line)
}

func TestDiffer_Threshold(t *testing.T) {
	hint := Diagnostic{File: "/ws/a.go", Severity: SeverityHint, Message: "could simplify"}
	info := Diagnostic{File: "/ws/a.go", Severity: SeverityInformation, Message: "note"}
	warn := Diagnostic{File: "/ws/a.go", Severity: SeverityWarning, Message: "shadowed"}
	unspecified := Diagnostic{File: "/ws/a.go", Message: "backend omitted severity"}

	tests := []struct {
		name      string
		threshold Severity
		wantNew   int
	}{
		{"default is warning", SeverityUnspecified, 2},
		{"errors only", SeverityError, 1},
		{"warning", SeverityWarning, 2},
		{"information", SeverityInformation, 3},
		{"hint", SeverityHint, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Differ{Threshold: tt.threshold}
			report := d.Diff(nil, nil, snap(hint, info, warn, unspecified))
			assert.Len(t, report.New, tt.wantNew)
		})
	}
}

func TestDiffer_OutOfScopeIgnored(t *testing.T) {
	inside := Diagnostic{File: "/ws/a.go", Severity: SeverityError, Message: "undefined: a"}
	outside := Diagnostic{File: "/ws/other.go", Severity: SeverityError, Message: "undefined: b"}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	report := NewDiffer(SeverityWarning, logger).Diff([]string{"/ws/a.go"}, nil, snap(inside, outside))

	require.Len(t, report.New, 1)
	assert.Equal(t, "/ws/a.go", report.New[0].File)
	require.Len(t, report.Ignored, 1)
	assert.Equal(t, "/ws/other.go", report.Ignored[0].File)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "ignoring diagnostics outside edit set", line["msg"])
	assert.Equal(t, float64(1), line["count"])
	assert.Contains(t, line["first"], "other.go")
}

func TestDiffer_SeverityChangeIsRegression(t *testing.T) {
	before := Diagnostic{File: "/ws/a.rs", Severity: SeverityWarning, Code: "E0308", Message: "mismatched types"}
	after := before
	after.Severity = SeverityError

	report := NewDiffer(SeverityWarning, nil).Diff(nil, snap(before), snap(after))
	assert.Len(t, report.New, 1)
}

func TestDiffer_MessageNormalization(t *testing.T) {
	// "é" composed vs decomposed, plus whitespace differences.
	before := Diagnostic{File: "/ws/a.ts", Severity: SeverityError, Message: "Cannot find name 'caf\u00e9'."}
	after := Diagnostic{File: "/ws/a.ts", Severity: SeverityError, Line: 9, Message: "  Cannot  find name\n'cafe\u0301'. "}

	report := NewDiffer(SeverityWarning, nil).Diff(nil, snap(before), snap(after))
	assert.True(t, report.IsClean(), "normalized messages should match: %v", report.New)
}

func TestDiffer_OrderDeterministic(t *testing.T) {
	post := snap(
		Diagnostic{File: "/ws/b.go", Severity: SeverityError, Line: 1, Message: "b1"},
		Diagnostic{File: "/ws/a.go", Severity: SeverityError, Line: 5, Message: "a5"},
		Diagnostic{File: "/ws/a.go", Severity: SeverityError, Line: 2, Message: "a2"},
	)
	report := NewDiffer(SeverityWarning, nil).Diff(nil, nil, post)

	require.Len(t, report.New, 3)
	assert.Equal(t, "a2", report.New[0].Message)
	assert.Equal(t, "a5", report.New[1].Message)
	assert.Equal(t, "b1", report.New[2].Message)
}

func TestNormalizeMessage(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeMessage("  a\t b\n\nc  "))
	assert.Equal(t, "", NormalizeMessage(" \n "))
}

func TestSeverity_TextRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityError, SeverityWarning, SeverityInformation, SeverityHint, SeverityUnspecified} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got Severity
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}

	_, err := ParseSeverity("fatal")
	assert.Error(t, err)
}
