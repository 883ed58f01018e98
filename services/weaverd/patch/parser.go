// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch turns patch text into transaction edit sets.
//
// Two formats are accepted. The git-style format uses `diff --git`
// headers with SEARCH/REPLACE blocks for modifications, a `new file mode`
// hunk for creates and `deleted file mode` for deletes. Standard unified
// diffs are also accepted and applied hunk by hunk.
package patch

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const (
	searchMarker  = "<<<<<<< SEARCH"
	separator     = "======="
	replaceMarker = ">>>>>>> REPLACE"
	diffHeader    = "diff --git "
)

// OpKind is the kind of one file operation.
type OpKind string

const (
	OpModify OpKind = "modify"
	OpCreate OpKind = "create"
	OpDelete OpKind = "delete"
)

// Block is one SEARCH/REPLACE pair.
type Block struct {
	Search  string
	Replace string
}

// Operation is one parsed file operation.
type Operation struct {
	Kind OpKind
	Path string

	// Blocks are the SEARCH/REPLACE pairs of a git-style modify.
	Blocks []Block

	// Hunks are the hunks of a unified-diff modify.
	Hunks []*diff.Hunk

	// Content is the full content of a create.
	Content string
}

// Patch is a parsed patch.
type Patch struct {
	Operations []Operation
}

// Paths returns the operation paths in patch order.
func (p *Patch) Paths() []string {
	out := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		out[i] = op.Path
	}
	return out
}

// Parse parses git-style patch text.
//
// # Description
//
// The text is split at each `diff --git` header outside a SEARCH/REPLACE
// block. Each chunk becomes one Operation: SEARCH/REPLACE blocks make a
// modify, a `new file mode` line with a hunk makes a create (the `+`
// lines after the first `@@` are the content) and a `deleted file mode`
// line makes a delete.
//
// # Outputs
//
//   - *Patch: Operations in patch order.
//   - error: *Error describing the first problem found.
func Parse(text string) (*Patch, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindEmpty, "")
	}
	if strings.IndexByte(text, 0) >= 0 {
		return nil, newError(KindBinary, "")
	}

	chunks := splitChunks(text)
	if len(chunks) == 0 {
		return nil, newError(KindMissingHeader, "")
	}

	p := &Patch{Operations: make([]Operation, 0, len(chunks))}
	seen := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		op, err := parseChunk(chunk)
		if err != nil {
			return nil, err
		}
		if seen[op.Path] {
			return nil, newError(KindDuplicateOperation, op.Path)
		}
		seen[op.Path] = true
		p.Operations = append(p.Operations, op)
	}
	return p, nil
}

// splitChunks splits text at diff headers that are not inside a
// SEARCH/REPLACE block.
func splitChunks(text string) []string {
	var starts []int
	offset := 0
	inBlock := false
	for _, line := range splitLines(text) {
		switch trimEOL(line) {
		case searchMarker:
			inBlock = true
		case replaceMarker:
			inBlock = false
		}
		if !inBlock && strings.HasPrefix(trimEOL(line), diffHeader) {
			starts = append(starts, offset)
		}
		offset += len(line)
	}

	chunks := make([]string, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		chunks[i] = text[start:end]
	}
	return chunks
}

type blockState int

const (
	outside blockState = iota
	inSearch
	inReplace
)

// parseChunk parses one `diff --git` section.
func parseChunk(chunk string) (Operation, error) {
	lines := splitLines(chunk)
	path, err := parseHeader(trimEOL(lines[0]))
	if err != nil {
		return Operation{}, err
	}

	op := Operation{Path: path}
	state := outside
	var search, replace, content strings.Builder
	sawHunk := false

	for _, line := range lines[1:] {
		t := trimEOL(line)

		switch state {
		case inSearch:
			switch t {
			case separator:
				state = inReplace
			case replaceMarker:
				return Operation{}, newError(KindUnclosedSearch, path)
			default:
				search.WriteString(line)
			}
			continue
		case inReplace:
			if t == replaceMarker {
				op.Blocks = append(op.Blocks, Block{Search: search.String(), Replace: replace.String()})
				search.Reset()
				replace.Reset()
				state = outside
				continue
			}
			replace.WriteString(line)
			continue
		}

		switch {
		case t == searchMarker:
			op.Kind = promote(op.Kind, OpModify)
			state = inSearch
		case t == replaceMarker:
			return Operation{}, newError(KindUnclosedSearch, path)
		case strings.HasPrefix(t, "new file mode "):
			op.Kind = promote(op.Kind, OpCreate)
		case strings.HasPrefix(t, "deleted file mode "):
			op.Kind = promote(op.Kind, OpDelete)
		case strings.HasPrefix(t, "@@"):
			if op.Kind == OpCreate {
				sawHunk = true
			}
		case strings.HasPrefix(t, "+"):
			if op.Kind == OpCreate && sawHunk {
				content.WriteString(strings.TrimPrefix(t, "+"))
				content.WriteString(line[len(t):])
			}
		}
	}

	switch state {
	case inSearch:
		return Operation{}, newError(KindUnclosedSearch, path)
	case inReplace:
		return Operation{}, newError(KindUnclosedReplace, path)
	}

	switch op.Kind {
	case OpModify:
		if len(op.Blocks) == 0 {
			return Operation{}, newError(KindMissingSearch, path)
		}
	case OpCreate:
		if !sawHunk {
			return Operation{}, newError(KindMissingHunk, path)
		}
		op.Content = content.String()
	case OpDelete:
	default:
		return Operation{}, newError(KindMissingSearch, path)
	}
	return op, nil
}

// promote keeps the first operation kind seen in a chunk.
func promote(current, next OpKind) OpKind {
	if current == "" {
		return next
	}
	return current
}

// parseHeader extracts the b-side path from a `diff --git a/x b/x` line.
// Quoted paths may contain spaces.
func parseHeader(line string) (string, error) {
	rest, ok := strings.CutPrefix(line, diffHeader)
	if !ok {
		return "", &Error{Kind: KindInvalidHeader, Detail: line}
	}

	var tokens []string
	for len(tokens) < 2 {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return "", &Error{Kind: KindInvalidHeader, Detail: line}
			}
			tokens = append(tokens, rest[1:end+1])
			rest = rest[end+2:]
			continue
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			end = len(rest)
		}
		tokens = append(tokens, rest[:end])
		rest = rest[end:]
	}
	if len(tokens) != 2 {
		return "", &Error{Kind: KindInvalidHeader, Detail: line}
	}
	return stripPrefix(tokens[1], "b"), nil
}

// stripPrefix removes a git "a/" or "b/" side prefix.
func stripPrefix(p, side string) string {
	if rest, ok := strings.CutPrefix(p, side+"/"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(p, side+`\`); ok {
		return rest
	}
	return p
}

// splitLines splits s after each '\n', keeping terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}
