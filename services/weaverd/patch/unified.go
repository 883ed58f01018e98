// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// ParseUnified parses a standard unified diff, with or without git
// extended headers.
//
// # Description
//
// A file whose original side is /dev/null (or that carries
// `new file mode`) becomes a create from the hunk's added lines; a file
// whose new side is /dev/null (or `deleted file mode`) becomes a delete.
// Everything else is a modify whose hunks are applied against the file's
// current content by Apply.
func ParseUnified(text string) (*Patch, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindEmpty, "")
	}
	if strings.IndexByte(text, 0) >= 0 {
		return nil, newError(KindBinary, "")
	}

	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, &Error{Kind: KindUnifiedParse, Detail: err.Error()}
	}
	if len(fds) == 0 {
		return nil, newError(KindMissingHeader, "")
	}

	p := &Patch{Operations: make([]Operation, 0, len(fds))}
	seen := make(map[string]bool, len(fds))
	for _, fd := range fds {
		op, err := unifiedOperation(fd)
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

func unifiedOperation(fd *diff.FileDiff) (Operation, error) {
	created := fd.OrigName == devNull || hasExtended(fd, "new file mode ")
	deleted := fd.NewName == devNull || hasExtended(fd, "deleted file mode ")

	var path string
	if deleted {
		path = stripPrefix(fd.OrigName, "a")
	} else {
		path = stripPrefix(fd.NewName, "b")
	}
	if path == "" || path == devNull {
		for _, ext := range fd.Extended {
			if strings.HasPrefix(ext, diffHeader) {
				p, err := parseHeader(ext)
				if err != nil {
					return Operation{}, err
				}
				path = p
				break
			}
		}
	}
	if path == "" || path == devNull {
		return Operation{}, &Error{Kind: KindInvalidHeader, Detail: "no file name"}
	}

	switch {
	case deleted:
		return Operation{Kind: OpDelete, Path: path}, nil
	case created:
		var content strings.Builder
		for _, h := range fd.Hunks {
			for _, line := range splitLines(string(h.Body)) {
				if added, ok := strings.CutPrefix(line, "+"); ok {
					content.WriteString(added)
				}
			}
		}
		return Operation{Kind: OpCreate, Path: path, Content: content.String()}, nil
	default:
		if len(fd.Hunks) == 0 {
			return Operation{}, newError(KindMissingHunk, path)
		}
		return Operation{Kind: OpModify, Path: path, Hunks: fd.Hunks}, nil
	}
}

func hasExtended(fd *diff.FileDiff, prefix string) bool {
	for _, ext := range fd.Extended {
		if strings.HasPrefix(ext, prefix) {
			return true
		}
	}
	return false
}

// applyHunks applies unified hunks to content.
//
// Context and removed lines must match the file, ignoring line endings;
// hunks must be in file order and may not overlap.
func applyHunks(path, content string, hunks []*diff.Hunk) (string, error) {
	lines := splitLines(content)
	out := make([]string, 0, len(lines))
	idx := 0

	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// Pure insertion after line OrigStartLine.
			start = int(h.OrigStartLine)
		}
		if start < idx || start > len(lines) {
			return "", &Error{Kind: KindHunkMismatch, Path: path, BlockIndex: i + 1, Detail: "hunk out of range"}
		}
		out = append(out, lines[idx:start]...)
		idx = start

		var last byte
		for _, bl := range splitLines(string(h.Body)) {
			if bl == "" {
				continue
			}
			tag, text := bl[0], bl[1:]
			switch tag {
			case ' ', '-':
				if idx >= len(lines) || trimEOL(lines[idx]) != trimEOL(text) {
					return "", &Error{
						Kind:       KindHunkMismatch,
						Path:       path,
						BlockIndex: i + 1,
						Detail:     "context does not match at line " + strconv.Itoa(idx+1),
					}
				}
				if tag == ' ' {
					out = append(out, lines[idx])
				}
				idx++
			case '+':
				out = append(out, text)
			case '\\':
				// "\ No newline at end of file" applies to the previous line.
				if last == '+' && len(out) > 0 {
					out[len(out)-1] = trimEOL(out[len(out)-1])
				}
				continue
			}
			last = tag
		}
	}
	out = append(out, lines[idx:]...)
	return strings.Join(out, ""), nil
}
