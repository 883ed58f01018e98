// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/weaver/services/weaverd/syntax"
)

// target is one FileEdit resolved against the workspace.
type target struct {
	edit FileEdit

	// op may differ from edit.Op when CreateAsModify applies.
	op Op

	rel      string
	abs      string
	language string

	// Captured under the path lock before overlays are built.
	existed  bool
	mode     fs.FileMode
	original []byte
	hash     [sha256.Size]byte
}

// preconditionError rejects an EditSet before overlay or session work.
type preconditionError struct {
	path   string
	reason string
}

func (e *preconditionError) Error() string {
	if e.path == "" {
		return e.reason
	}
	return e.path + ": " + e.reason
}

func precondition(path, format string, args ...interface{}) *preconditionError {
	return &preconditionError{path: path, reason: fmt.Sprintf(format, args...)}
}

// resolvePath canonicalizes a workspace-relative path.
//
// # Description
//
// Rejects empty, absolute and escaping paths, then resolves symlinks of
// the deepest existing ancestor so a link cannot point a write outside
// root. root must already be absolute and symlink-free.
func resolvePath(root, p string) (rel, abs string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", precondition(p, "path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", "", precondition(p, "path contains NUL")
	}
	native := filepath.FromSlash(p)
	if filepath.IsAbs(native) || filepath.VolumeName(native) != "" || strings.HasPrefix(p, "/") {
		return "", "", precondition(p, "path must be workspace-relative")
	}
	clean := filepath.Clean(native)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", precondition(p, "path escapes the workspace root")
	}

	abs = filepath.Join(root, clean)
	if err := checkContained(root, abs); err != nil {
		return "", "", precondition(p, "%v", err)
	}
	return filepath.ToSlash(clean), abs, nil
}

// checkContained walks up from abs to the first existing ancestor and
// verifies its real path is inside root.
func checkContained(root, abs string) error {
	dir := abs
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(root, real) {
				return errors.New("path resolves outside the workspace root")
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// validateEditSet checks everything that does not need the filesystem.
func (c *Coordinator) validateEditSet(set EditSet) ([]*target, *preconditionError) {
	if len(set.Edits) > c.config.MaxFiles {
		return nil, precondition("", "edit set has %d files, limit is %d", len(set.Edits), c.config.MaxFiles)
	}

	targets := make([]*target, 0, len(set.Edits))
	seen := make(map[string]string, len(set.Edits))
	for _, e := range set.Edits {
		if !e.Op.Valid() {
			return nil, precondition(e.Path, "unknown operation %q", e.Op)
		}
		rel, abs, err := resolvePath(c.root, e.Path)
		if err != nil {
			var pe *preconditionError
			if errors.As(err, &pe) {
				return nil, pe
			}
			return nil, precondition(e.Path, "%v", err)
		}
		if prev, dup := seen[abs]; dup {
			return nil, precondition(rel, "duplicate path (also given as %q)", prev)
		}
		seen[abs] = e.Path

		switch e.Op {
		case OpDelete:
			if e.Content != nil {
				return nil, precondition(rel, "delete must not carry content")
			}
		default:
			if e.Content == nil {
				return nil, precondition(rel, "%s requires content", e.Op)
			}
			if int64(len(e.Content)) > c.config.MaxFileBytes {
				return nil, precondition(rel, "content is %d bytes, limit is %d", len(e.Content), c.config.MaxFileBytes)
			}
		}

		targets = append(targets, &target{
			edit:     e,
			op:       e.Op,
			rel:      rel,
			abs:      abs,
			language: syntax.DetectLanguage(abs),
		})
	}
	return targets, nil
}

// capture records pre-transaction disk state and enforces existence
// preconditions. Must run under the path lock.
func (c *Coordinator) capture(targets []*target) *preconditionError {
	for _, t := range targets {
		info, err := os.Lstat(t.abs)
		switch {
		case err == nil:
			if info.IsDir() {
				return precondition(t.rel, "is a directory")
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				return precondition(t.rel, "is a symbolic link")
			}
			if !info.Mode().IsRegular() {
				return precondition(t.rel, "is not a regular file")
			}
			t.existed = true
			t.mode = info.Mode().Perm()
			data, err := os.ReadFile(t.abs)
			if err != nil {
				return precondition(t.rel, "cannot read: %v", err)
			}
			t.original = data
			t.hash = sha256.Sum256(data)
		case errors.Is(err, fs.ErrNotExist):
			t.existed = false
		default:
			return precondition(t.rel, "cannot stat: %v", err)
		}

		switch t.op {
		case OpModify:
			if !t.existed {
				return precondition(t.rel, "modify target does not exist")
			}
		case OpDelete:
			if !t.existed {
				return precondition(t.rel, "delete target does not exist")
			}
		case OpCreate:
			if t.existed {
				if c.config.CreatePolicy != CreateAsModify {
					return precondition(t.rel, "create target already exists")
				}
				t.op = OpModify
			}
		}
	}
	return nil
}

// drifted reports the first target whose disk state changed since
// capture.
func drifted(targets []*target) (string, bool) {
	for _, t := range targets {
		data, err := os.ReadFile(t.abs)
		switch {
		case err == nil:
			if !t.existed {
				return t.rel, true
			}
			if sha256.Sum256(data) != t.hash {
				return t.rel, true
			}
		case errors.Is(err, fs.ErrNotExist):
			if t.existed {
				return t.rel, true
			}
		default:
			return t.rel, true
		}
	}
	return "", false
}
