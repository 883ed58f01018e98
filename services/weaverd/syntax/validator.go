// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syntax decides whether a content buffer parses into a well-formed
// syntax tree for its language.
//
// Thread Safety: Validator is safe for concurrent use. Each call creates
// its own tree-sitter parser.
package syntax

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"fortio.org/safecast"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Language identifiers shared with the analysis session pool.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangRust       = "rust"
	LangBash       = "bash"
)

// maxSnippet bounds the offending text quoted in an error message.
const maxSnippet = 50

// Status is the verdict of one validation.
type Status string

const (
	// StatusValid means the buffer parsed without error nodes.
	StatusValid Status = "valid"

	// StatusInvalid means an error or missing node was found.
	StatusInvalid Status = "invalid"

	// StatusSkipped means the language is unknown and the buffer was not parsed.
	StatusSkipped Status = "skipped"
)

// SyntaxError locates the first structural failure in a buffer.
type SyntaxError struct {
	// Path of the file the buffer belongs to.
	Path string `json:"path"`

	// Line is 1-based.
	Line int `json:"line"`

	// Column is 1-based, counted in bytes.
	Column int `json:"column"`

	// Message describes the failure, e.g. "Missing }" or "Unexpected: )".
	Message string `json:"message"`
}

// Error implements error.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
}

// Outcome is the result of Validate.
type Outcome struct {
	Status   Status       `json:"status"`
	Language string       `json:"language,omitempty"`
	Error    *SyntaxError `json:"error,omitempty"`
}

// OK reports whether the buffer may proceed to the next gate.
func (o Outcome) OK() bool {
	return o.Status != StatusInvalid
}

// Validator checks structural validity with tree-sitter grammars.
type Validator struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewValidator creates a Validator. A nil logger uses slog.Default().
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		logger: logger.With("component", "syntax.Validator"),
		tracer: otel.Tracer("aleutian.weaver.syntax"),
	}
}

// DetectLanguage maps a file path to a language ID by extension.
//
// Returns "" for unrecognized extensions; such files are not validated.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LangGo
	case ".py", ".pyi":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	case ".rs":
		return LangRust
	case ".sh", ".bash":
		return LangBash
	default:
		return ""
	}
}

// Supported reports whether a grammar exists for the language.
func Supported(language string) bool {
	return grammarFor("", language) != nil
}

// grammarFor returns the tree-sitter grammar for a language. The path
// selects the TSX dialect for .tsx files.
func grammarFor(path, language string) *sitter.Language {
	switch language {
	case LangGo:
		return golang.GetLanguage()
	case LangPython:
		return python.GetLanguage()
	case LangJavaScript:
		return javascript.GetLanguage()
	case LangTypeScript:
		if strings.EqualFold(filepath.Ext(path), ".tsx") {
			return tsx.GetLanguage()
		}
		return typescript.GetLanguage()
	case LangRust:
		return rust.GetLanguage()
	case LangBash:
		return bash.GetLanguage()
	default:
		return nil
	}
}

// Validate parses content and reports the first error node.
//
// # Description
//
// Parses the buffer with the grammar for language and walks the tree in
// pre-order, leftmost first. The first ERROR or MISSING node becomes the
// reported SyntaxError, so repeated runs report the same location.
// An empty language or one without a grammar yields StatusSkipped.
//
// # Inputs
//
//   - ctx: Cancels a long parse. A cancelled parse reports StatusInvalid.
//   - path: Used for messages and dialect selection only.
//   - content: The buffer to parse. May be empty.
//   - language: Language ID from DetectLanguage.
//
// # Outputs
//
//   - Outcome: Never panics; malformed input yields StatusInvalid.
func (v *Validator) Validate(ctx context.Context, path string, content []byte, language string) (out Outcome) {
	grammar := grammarFor(path, language)
	if grammar == nil {
		return Outcome{Status: StatusSkipped, Language: language}
	}

	ctx, span := v.tracer.Start(ctx, "syntax.Validate",
		trace.WithAttributes(
			attribute.String("syntax.language", language),
			attribute.Int("syntax.bytes", len(content)),
		),
	)
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("parser panic",
				slog.String("path", path),
				slog.Any("panic", r),
			)
			out = Outcome{
				Status:   StatusInvalid,
				Language: language,
				Error: &SyntaxError{
					Path:    path,
					Line:    1,
					Column:  1,
					Message: fmt.Sprintf("parser failure: %v", r),
				},
			}
		}
	}()

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil || tree == nil {
		msg := "parse aborted"
		if err != nil {
			msg = fmt.Sprintf("parse aborted: %v", err)
		}
		return Outcome{
			Status:   StatusInvalid,
			Language: language,
			Error:    &SyntaxError{Path: path, Line: 1, Column: 1, Message: msg},
		}
	}
	defer tree.Close()

	node := firstError(tree.RootNode())
	span.SetAttributes(attribute.Bool("syntax.valid", node == nil))

	if node == nil {
		v.logger.Debug("syntax valid",
			slog.String("path", path),
			slog.String("language", language),
			slog.Duration("duration", time.Since(start)),
		)
		return Outcome{Status: StatusValid, Language: language}
	}

	synErr := describe(path, node, content)
	v.logger.Debug("syntax invalid",
		slog.String("path", path),
		slog.Int("line", synErr.Line),
		slog.Int("column", synErr.Column),
		slog.String("message", synErr.Message),
	)
	return Outcome{Status: StatusInvalid, Language: language, Error: synErr}
}

// firstError returns the first ERROR or MISSING node in pre-order,
// leftmost first. The walk uses an explicit stack so nesting depth is
// bounded only by memory.
func firstError(root *sitter.Node) *sitter.Node {
	if root == nil {
		return nil
	}
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == nil {
			continue
		}
		if node.IsError() || node.IsMissing() {
			return node
		}
		if !node.HasError() {
			continue
		}
		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, node.Child(i))
		}
	}
	return nil
}

// describe converts an error node into a SyntaxError.
func describe(path string, node *sitter.Node, content []byte) *SyntaxError {
	point := node.StartPoint()
	line, err := safecast.Conv[int](point.Row)
	if err != nil {
		line = 0
	}
	col, err := safecast.Conv[int](point.Column)
	if err != nil {
		col = 0
	}

	msg := "Syntax error"
	if node.IsMissing() {
		msg = fmt.Sprintf("Missing %s", node.Type())
	} else if snippet := nodeText(node, content); snippet != "" {
		msg = fmt.Sprintf("Unexpected: %s", snippet)
	}

	return &SyntaxError{
		Path:    path,
		Line:    line + 1,
		Column:  col + 1,
		Message: msg,
	}
}

// nodeText returns the node's source text, truncated and single-lined.
func nodeText(node *sitter.Node, content []byte) string {
	start, err := safecast.Conv[int](node.StartByte())
	if err != nil {
		return ""
	}
	end, err := safecast.Conv[int](node.EndByte())
	if err != nil {
		return ""
	}
	if end > len(content) {
		end = len(content)
	}
	if start >= end {
		return ""
	}
	text := strings.TrimSpace(string(content[start:end]))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	return truncate(text, maxSnippet)
}

// truncate shortens text to at most limit bytes on a rune boundary.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
