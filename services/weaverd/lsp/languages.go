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
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LanguageConfig describes how to launch a language server.
type LanguageConfig struct {
	// Language is the language ID, matching syntax.DetectLanguage.
	Language string `json:"language" yaml:"language" toml:"language"`

	// Command is the executable name or path.
	Command string `json:"command" yaml:"command" toml:"command"`

	// Args are passed to the server.
	Args []string `json:"args,omitempty" yaml:"args" toml:"args"`

	// Extensions are the file extensions this server handles.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions" toml:"extensions"`

	// InitializationOptions are passed in the initialize request.
	InitializationOptions map[string]interface{} `json:"initialization_options,omitempty" yaml:"initialization_options" toml:"initialization_options"`
}

// ConfigRegistry maps languages to server configurations.
//
// Thread Safety: Safe for concurrent use.
type ConfigRegistry struct {
	mu         sync.RWMutex
	byLanguage map[string]LanguageConfig
	byExt      map[string]string
}

// NewConfigRegistry creates a registry with the default servers:
// gopls, pyright, typescript-language-server, rust-analyzer and
// bash-language-server.
func NewConfigRegistry() *ConfigRegistry {
	r := &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}
	r.registerDefaults()
	return r
}

// NewEmptyRegistry creates a registry with no languages.
func NewEmptyRegistry() *ConfigRegistry {
	return &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}
}

func (r *ConfigRegistry) registerDefaults() {
	r.Register(LanguageConfig{
		Language:   "go",
		Command:    "gopls",
		Args:       []string{"serve"},
		Extensions: []string{".go"},
	})
	r.Register(LanguageConfig{
		Language:   "python",
		Command:    "pyright-langserver",
		Args:       []string{"--stdio"},
		Extensions: []string{".py", ".pyi"},
	})
	r.Register(LanguageConfig{
		Language:   "typescript",
		Command:    "typescript-language-server",
		Args:       []string{"--stdio"},
		Extensions: []string{".ts", ".tsx", ".mts", ".cts"},
	})
	r.Register(LanguageConfig{
		Language:   "javascript",
		Command:    "typescript-language-server",
		Args:       []string{"--stdio"},
		Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
	})
	r.Register(LanguageConfig{
		Language:   "rust",
		Command:    "rust-analyzer",
		Extensions: []string{".rs"},
	})
	r.Register(LanguageConfig{
		Language:   "bash",
		Command:    "bash-language-server",
		Args:       []string{"start"},
		Extensions: []string{".sh", ".bash"},
	})
}

// Register adds or replaces a language configuration.
func (r *ConfigRegistry) Register(config LanguageConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byLanguage[config.Language]; ok {
		for _, ext := range old.Extensions {
			if r.byExt[strings.ToLower(ext)] == config.Language {
				delete(r.byExt, strings.ToLower(ext))
			}
		}
	}
	r.byLanguage[config.Language] = config
	for _, ext := range config.Extensions {
		r.byExt[strings.ToLower(ext)] = config.Language
	}
}

// Remove deletes a language so it has no backend.
func (r *ConfigRegistry) Remove(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.byLanguage[language]
	if !ok {
		return
	}
	for _, ext := range cfg.Extensions {
		if r.byExt[strings.ToLower(ext)] == language {
			delete(r.byExt, strings.ToLower(ext))
		}
	}
	delete(r.byLanguage, language)
}

// Get returns the configuration for a language.
func (r *ConfigRegistry) Get(language string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byLanguage[language]
	return c, ok
}

// LanguageForPath returns the language whose server handles path.
func (r *ConfigRegistry) LanguageForPath(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Languages returns the registered language IDs, sorted.
func (r *ConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.byLanguage))
	for l := range r.byLanguage {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// documentLanguageID returns the LSP languageId for a document. React
// dialects have their own IDs.
func documentLanguageID(path, language string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return "typescriptreact"
	case ".jsx":
		return "javascriptreact"
	case ".sh", ".bash":
		return "shellscript"
	}
	return language
}
