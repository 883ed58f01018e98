// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syntax

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", LangGo},
		{"pkg/util.PY", LangPython},
		{"stubs.pyi", LangPython},
		{"app.jsx", LangJavaScript},
		{"lib.mjs", LangJavaScript},
		{"view.tsx", LangTypeScript},
		{"lib.rs", LangRust},
		{"build.sh", LangBash},
		{"README.md", ""},
		{"Makefile", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DetectLanguage(tt.path); got != tt.want {
				t.Errorf("DetectLanguage(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestValidator_Valid(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		language string
		content  string
	}{
		{"go", "main.go", LangGo, "package main\n\nfunc main() {\n\tprintln(1)\n}\n"},
		{"python", "a.py", LangPython, "def f(x):\n    return x + 1\n"},
		{"javascript", "a.js", LangJavaScript, "function f(x) { return x + 1; }\n"},
		{"typescript", "a.ts", LangTypeScript, "export const f = (x: number): number => x + 1;\n"},
		{"tsx", "a.tsx", LangTypeScript, "export const C = () => <div>hi</div>;\n"},
		{"rust", "lib.rs", LangRust, "fn main() { let x = 1; }\n"},
		{"bash", "run.sh", LangBash, "echo hello\n"},
		{"empty go file", "empty.go", LangGo, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.Validate(ctx, tt.path, []byte(tt.content), tt.language)
			if out.Status != StatusValid {
				t.Fatalf("Status = %s, want valid (error: %+v)", out.Status, out.Error)
			}
			if !out.OK() {
				t.Error("OK() = false for valid buffer")
			}
		})
	}
}

func TestValidator_UnbalancedBrace(t *testing.T) {
	v := NewValidator(nil)
	src := "package main\n\nfunc main() {\n\tif true {\n\t\tprintln(1)\n\n}\n"

	out := v.Validate(context.Background(), "main.go", []byte(src), LangGo)
	if out.Status != StatusInvalid {
		t.Fatalf("Status = %s, want invalid", out.Status)
	}
	if out.OK() {
		t.Error("OK() = true for invalid buffer")
	}
	if out.Error == nil {
		t.Fatal("Error is nil")
	}
	if out.Error.Line < 3 {
		t.Errorf("Line = %d, want at or after the opening brace on line 3", out.Error.Line)
	}
	if out.Error.Column < 1 {
		t.Errorf("Column = %d, want 1-based", out.Error.Column)
	}
	if out.Error.Path != "main.go" {
		t.Errorf("Path = %q", out.Error.Path)
	}
}

func TestValidator_Deterministic(t *testing.T) {
	v := NewValidator(nil)
	src := []byte("def f(:\n    pass\n\nclass :\n")

	first := v.Validate(context.Background(), "a.py", src, LangPython)
	if first.Status != StatusInvalid {
		t.Fatalf("Status = %s, want invalid", first.Status)
	}
	for i := 0; i < 5; i++ {
		again := v.Validate(context.Background(), "a.py", src, LangPython)
		if *again.Error != *first.Error {
			t.Fatalf("run %d reported %+v, first run %+v", i, again.Error, first.Error)
		}
	}
}

func TestValidator_UnknownLanguageSkipped(t *testing.T) {
	v := NewValidator(nil)

	out := v.Validate(context.Background(), "notes.md", []byte("{{{ not code"), "")
	if out.Status != StatusSkipped {
		t.Errorf("Status = %s, want skipped", out.Status)
	}
	if !out.OK() {
		t.Error("skipped outcome must pass through")
	}

	out = v.Validate(context.Background(), "x.cobol", []byte("x"), "cobol")
	if out.Status != StatusSkipped {
		t.Errorf("unsupported language Status = %s, want skipped", out.Status)
	}
}

func TestValidator_GarbageNeverPanics(t *testing.T) {
	v := NewValidator(nil)
	inputs := [][]byte{
		{0x00, 0xff, 0xfe},
		[]byte("}}}}}}}}"),
		[]byte("((((((((((((((((((((("),
		[]byte("\"unterminated"),
	}
	for _, in := range inputs {
		for _, lang := range []string{LangGo, LangPython, LangJavaScript, LangTypeScript, LangRust, LangBash} {
			out := v.Validate(context.Background(), "x", in, lang)
			if out.Status == StatusInvalid && out.Error == nil {
				t.Errorf("%s: invalid outcome without error for %q", lang, in)
			}
		}
	}
}

func TestSupported(t *testing.T) {
	if !Supported(LangGo) {
		t.Error("go should be supported")
	}
	if Supported("") || Supported("cobol") {
		t.Error("unknown languages should not be supported")
	}
}

func TestValidator_DeeplyNestedErrorFound(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		language string
		content  func(n int) string
	}{
		{"go calls", "p.go", LangGo, func(n int) string {
			return "package p\nvar x = " + strings.Repeat("f(", n) + "1 + )" + strings.Repeat(")", n-1) + "\n"
		}},
		{"python lists", "p.py", LangPython, func(n int) string {
			return "x = " + strings.Repeat("[", n) + "1 +" + strings.Repeat("]", n) + "\n"
		}},
	}
	for _, tt := range tests {
		for _, n := range []int{100, 1500, 3000} {
			t.Run(tt.name, func(t *testing.T) {
				out := v.Validate(ctx, tt.path, []byte(tt.content(n)), tt.language)
				if out.Status != StatusInvalid {
					t.Fatalf("depth %d: Status = %s, want invalid", n, out.Status)
				}
				if out.Error == nil || out.Error.Line < 1 {
					t.Fatalf("depth %d: Error = %+v, want a located syntax error", n, out.Error)
				}
			})
		}
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 3, "abc..."},
		{"cut inside rune", "abécd", 3, "ab..."},
		{"cut after rune", "abécd", 4, "abé..."},
		{"cjk", "日本語", 4, "日..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.text, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.text, tt.limit)
			}
		})
	}
}
