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

import "fmt"

// ErrorKind classifies a patch failure.
type ErrorKind string

const (
	KindEmpty              ErrorKind = "empty_patch"
	KindBinary             ErrorKind = "binary_patch"
	KindMissingHeader      ErrorKind = "missing_diff_header"
	KindInvalidHeader      ErrorKind = "invalid_diff_header"
	KindMissingSearch      ErrorKind = "missing_search_replace"
	KindMissingHunk        ErrorKind = "missing_hunk"
	KindUnclosedSearch     ErrorKind = "unclosed_search_block"
	KindUnclosedReplace    ErrorKind = "unclosed_replace_block"
	KindInvalidPath        ErrorKind = "invalid_path"
	KindFileNotFound       ErrorKind = "file_not_found"
	KindFileExists         ErrorKind = "file_already_exists"
	KindDeleteMissing      ErrorKind = "delete_missing"
	KindSearchNotFound     ErrorKind = "search_block_not_found"
	KindHunkMismatch       ErrorKind = "hunk_mismatch"
	KindUnifiedParse       ErrorKind = "unified_parse"
	KindDuplicateOperation ErrorKind = "duplicate_operation"
)

// Error describes why a patch could not be parsed or applied.
type Error struct {
	Kind ErrorKind

	// Path is the workspace-relative target, when known.
	Path string

	// BlockIndex is the 1-based SEARCH block or hunk that failed.
	BlockIndex int

	// Detail carries the offending line or underlying cause.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindEmpty:
		msg = "patch input was empty"
	case KindBinary:
		msg = "patch contains binary data"
	case KindMissingHeader:
		msg = "patch is missing diff headers"
	case KindInvalidHeader:
		msg = "invalid diff header"
	case KindMissingSearch:
		msg = "modify operation missing SEARCH/REPLACE blocks"
	case KindMissingHunk:
		msg = "create operation missing diff hunk content"
	case KindUnclosedSearch:
		msg = "SEARCH block was not closed before end of patch"
	case KindUnclosedReplace:
		msg = "REPLACE block was not closed before end of patch"
	case KindInvalidPath:
		msg = "invalid path"
	case KindFileNotFound:
		msg = "target file does not exist"
	case KindFileExists:
		msg = "target file already exists"
	case KindDeleteMissing:
		msg = "delete target does not exist"
	case KindSearchNotFound:
		msg = fmt.Sprintf("search block %d not found", e.BlockIndex)
	case KindHunkMismatch:
		msg = fmt.Sprintf("hunk %d does not apply", e.BlockIndex)
	case KindUnifiedParse:
		msg = "invalid unified diff"
	case KindDuplicateOperation:
		msg = "path appears in more than one operation"
	default:
		msg = string(e.Kind)
	}
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Operation returns the operation the error applies to, or "".
func (e *Error) Operation() string {
	switch e.Kind {
	case KindMissingSearch, KindUnclosedSearch, KindUnclosedReplace, KindSearchNotFound, KindHunkMismatch:
		return "modify"
	case KindMissingHunk, KindFileExists:
		return "create"
	case KindDeleteMissing:
		return "delete"
	}
	return ""
}

func newError(kind ErrorKind, path string) *Error {
	return &Error{Kind: kind, Path: path}
}
