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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// Format names a patch text format.
type Format string

const (
	FormatAuto          Format = ""
	FormatSearchReplace Format = "search_replace"
	FormatUnified       Format = "unified"
)

// ParseFormat parses a format name. Empty and "auto" mean FormatAuto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case string(FormatSearchReplace), "search-replace", "git":
		return FormatSearchReplace, nil
	case string(FormatUnified), "diff":
		return FormatUnified, nil
	}
	return "", fmt.Errorf("unknown patch format %q", s)
}

// DetectFormat guesses the format of text. Any SEARCH marker means
// search/replace; otherwise a hunk header means unified.
func DetectFormat(text string) Format {
	hasHunk := false
	for _, line := range splitLines(text) {
		t := trimEOL(line)
		if t == searchMarker {
			return FormatSearchReplace
		}
		if strings.HasPrefix(t, "@@ ") {
			hasHunk = true
		}
	}
	if hasHunk {
		return FormatUnified
	}
	return FormatSearchReplace
}

// ParseAs parses text in the given format, detecting it for FormatAuto.
func ParseAs(text string, format Format) (*Patch, error) {
	if format == FormatAuto {
		format = DetectFormat(text)
	}
	if format == FormatUnified {
		return ParseUnified(text)
	}
	return Parse(text)
}

// Apply resolves a parsed patch against the files under root.
//
// # Description
//
// Modify operations read the current file and apply their SEARCH blocks
// or hunks; creates and deletes check existence. The returned EditSet
// carries full file contents and is ready for Coordinator.Submit, which
// re-checks every precondition under its locks.
//
// # Inputs
//
//   - root: Workspace root.
//   - p: Parsed patch.
//
// # Outputs
//
//   - transaction.EditSet: One edit per operation, Source patch-apply.
//   - error: *Error for path, existence or matching failures.
func Apply(root string, p *Patch) (transaction.EditSet, error) {
	set := transaction.EditSet{
		ID:     transaction.NewID(),
		Source: transaction.SourcePatch,
		Edits:  make([]transaction.FileEdit, 0, len(p.Operations)),
	}

	for _, op := range p.Operations {
		rel, err := cleanPath(op.Path)
		if err != nil {
			return transaction.EditSet{}, err
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))

		switch op.Kind {
		case OpModify:
			data, err := os.ReadFile(abs)
			if errors.Is(err, fs.ErrNotExist) {
				return transaction.EditSet{}, newError(KindFileNotFound, rel)
			}
			if err != nil {
				return transaction.EditSet{}, fmt.Errorf("reading %s: %w", rel, err)
			}
			var updated string
			if op.Hunks != nil {
				updated, err = applyHunks(rel, string(data), op.Hunks)
			} else {
				updated, err = applyBlocks(rel, string(data), op.Blocks)
			}
			if err != nil {
				return transaction.EditSet{}, err
			}
			set.Edits = append(set.Edits, transaction.Modify(rel, updated))

		case OpCreate:
			if _, err := os.Lstat(abs); err == nil {
				return transaction.EditSet{}, newError(KindFileExists, rel)
			}
			set.Edits = append(set.Edits, transaction.Create(rel, op.Content))

		case OpDelete:
			if _, err := os.Lstat(abs); errors.Is(err, fs.ErrNotExist) {
				return transaction.EditSet{}, newError(KindDeleteMissing, rel)
			}
			set.Edits = append(set.Edits, transaction.Delete(rel))

		default:
			return transaction.EditSet{}, &Error{Kind: KindMissingSearch, Path: rel, Detail: "unknown operation"}
		}
	}
	return set, nil
}

// cleanPath validates a patch path and returns it slash-separated.
func cleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &Error{Kind: KindInvalidPath, Path: p, Detail: "path is empty"}
	}
	native := filepath.FromSlash(p)
	if filepath.IsAbs(native) || strings.HasPrefix(p, "/") || filepath.VolumeName(native) != "" {
		return "", &Error{Kind: KindInvalidPath, Path: p, Detail: "absolute paths are not allowed"}
	}
	clean := filepath.Clean(native)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &Error{Kind: KindInvalidPath, Path: p, Detail: "path escapes the workspace"}
	}
	return filepath.ToSlash(clean), nil
}
