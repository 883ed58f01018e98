// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"testing"
)

func TestConfigRegistry_Defaults(t *testing.T) {
	r := NewConfigRegistry()

	tests := []struct {
		path string
		lang string
		ok   bool
	}{
		{"/ws/main.go", "go", true},
		{"/ws/app.PY", "python", true},
		{"/ws/view.tsx", "typescript", true},
		{"/ws/index.jsx", "javascript", true},
		{"/ws/lib.rs", "rust", true},
		{"/ws/run.sh", "bash", true},
		{"/ws/README.md", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			lang, ok := r.LanguageForPath(tt.path)
			if lang != tt.lang || ok != tt.ok {
				t.Errorf("LanguageForPath(%q) = %q, %v; want %q, %v", tt.path, lang, ok, tt.lang, tt.ok)
			}
		})
	}

	cfg, ok := r.Get("go")
	if !ok || cfg.Command != "gopls" {
		t.Errorf("Get(go) = %+v, %v", cfg, ok)
	}
}

func TestConfigRegistry_RegisterReplacesExtensions(t *testing.T) {
	r := NewEmptyRegistry()
	r.Register(LanguageConfig{Language: "go", Command: "gopls", Extensions: []string{".GO", ".tmpl"}})
	r.Register(LanguageConfig{Language: "go", Command: "gopls", Extensions: []string{".go"}})

	if _, ok := r.LanguageForPath("x.tmpl"); ok {
		t.Error("stale extension .tmpl still registered")
	}
	if lang, ok := r.LanguageForPath("x.go"); !ok || lang != "go" {
		t.Errorf("LanguageForPath(x.go) = %q, %v", lang, ok)
	}

	r.Remove("go")
	if _, ok := r.Get("go"); ok {
		t.Error("go still registered after Remove")
	}
	if len(r.Languages()) != 0 {
		t.Errorf("Languages() = %v, want empty", r.Languages())
	}
}

func TestDocumentLanguageID(t *testing.T) {
	tests := map[string]string{
		"a.tsx": "typescriptreact",
		"a.ts":  "typescript",
		"a.jsx": "javascriptreact",
		"a.sh":  "shellscript",
		"a.go":  "go",
	}
	lang := map[string]string{"a.tsx": "typescript", "a.ts": "typescript", "a.jsx": "javascript", "a.sh": "bash", "a.go": "go"}
	for path, want := range tests {
		if got := documentLanguageID(path, lang[path]); got != want {
			t.Errorf("documentLanguageID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestURIRoundTrip(t *testing.T) {
	for _, p := range []string{"/ws/main.go", "/ws/dir with space/a.py", "/ws/ünïcode.rs"} {
		if got := URIToPath(PathToURI(p)); got != p {
			t.Errorf("URIToPath(PathToURI(%q)) = %q", p, got)
		}
	}
}
