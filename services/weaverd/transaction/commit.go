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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// tempMarker appears in every temp file name written by prepare.
const tempMarker = ".weaver-"

// IsTempFile reports whether path names a commit temp file. Watchers use
// it to ignore the harness's own writes.
func IsTempFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tempMarker) && strings.HasSuffix(base, ".tmp")
}

// fileOps is the filesystem surface used by the commit phase.
type fileOps interface {
	CreateTemp(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm fs.FileMode) error
}

type osFileOps struct{}

func (osFileOps) CreateTemp(dir, pattern string) (*os.File, error) { return os.CreateTemp(dir, pattern) }
func (osFileOps) Rename(oldpath, newpath string) error             { return os.Rename(oldpath, newpath) }
func (osFileOps) Remove(name string) error                         { return os.Remove(name) }
func (osFileOps) MkdirAll(path string, perm fs.FileMode) error     { return os.MkdirAll(path, perm) }

// stagedFile is a prepared temp file awaiting rename.
type stagedFile struct {
	t    *target
	temp string
}

// commitPlan is the output of prepare.
type commitPlan struct {
	staged  []stagedFile
	deletes []*target

	// createdDirs were made by prepare, deepest first.
	createdDirs []string
}

// =============================================================================
// PREPARE
// =============================================================================

// prepare writes every modify/create to a temp file beside its target.
//
// # Description
//
// Temp files are fsynced and carry the target's final mode, so commit
// only renames. Missing parent directories of creates are made here and
// recorded for cleanup. On failure every temp file and created directory
// is removed and the disk is as it was.
func (c *Coordinator) prepare(targets []*target) (*commitPlan, *IOFailure) {
	plan := &commitPlan{}
	for _, t := range targets {
		if t.op == OpDelete {
			plan.deletes = append(plan.deletes, t)
			continue
		}

		dir := filepath.Dir(t.abs)
		missing := missingDirs(dir)
		if len(missing) > 0 {
			if err := c.fs.MkdirAll(dir, 0o755); err != nil {
				plan.createdDirs = append(plan.createdDirs, missing...)
				c.discard(plan)
				return nil, &IOFailure{Path: t.rel, Reason: fmt.Sprintf("create directory: %v", err)}
			}
			plan.createdDirs = append(plan.createdDirs, missing...)
		}

		mode := c.config.NewFileMode
		if t.existed {
			mode = t.mode
		}
		temp, err := c.writeTemp(dir, filepath.Base(t.abs), t.edit.Content, mode)
		if err != nil {
			c.discard(plan)
			return nil, &IOFailure{Path: t.rel, Reason: fmt.Sprintf("prepare: %v", err)}
		}
		plan.staged = append(plan.staged, stagedFile{t: t, temp: temp})
	}
	sort.SliceStable(plan.createdDirs, func(i, j int) bool {
		return len(plan.createdDirs[i]) > len(plan.createdDirs[j])
	})
	return plan, nil
}

// missingDirs returns dir and its missing ancestors, deepest first.
func missingDirs(dir string) []string {
	var out []string
	for {
		if _, err := os.Stat(dir); err == nil {
			return out
		}
		out = append(out, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			return out
		}
		dir = parent
	}
}

func (c *Coordinator) writeTemp(dir, base string, content []byte, mode fs.FileMode) (string, error) {
	f, err := c.fs.CreateTemp(dir, "."+base+tempMarker+"*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = c.fs.Remove(name)
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		return fail(err)
	}
	if err := f.Chmod(mode); err != nil && runtime.GOOS != "windows" {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = c.fs.Remove(name)
		return "", err
	}
	return name, nil
}

// discard removes temp files and directories made by prepare.
func (c *Coordinator) discard(plan *commitPlan) {
	for _, s := range plan.staged {
		if s.temp == "" {
			continue
		}
		if err := c.fs.Remove(s.temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("failed to remove temp file",
				slog.String("path", s.temp),
				slog.String("error", err.Error()),
			)
		}
	}
	c.removeCreatedDirs(plan)
}

// removeCreatedDirs removes directories prepare made, if still empty.
func (c *Coordinator) removeCreatedDirs(plan *commitPlan) {
	for _, d := range plan.createdDirs {
		_ = os.Remove(d)
	}
}

// =============================================================================
// COMMIT
// =============================================================================

// commitOutcome lists what the commit phase changed.
type commitOutcome struct {
	written []string
	deleted []string
}

// commit renames every staged file over its target, then removes
// deletes. It is not cancellable.
//
// # Description
//
// On a failed rename or removal the files already committed are restored
// from the captured originals (creates are removed), remaining temp files
// are discarded, and the failure carries a PartialCommit report.
func (c *Coordinator) commit(plan *commitPlan) (*commitOutcome, *IOFailure) {
	out := &commitOutcome{}
	var done []*target

	for i := range plan.staged {
		s := &plan.staged[i]
		if err := c.fs.Rename(s.temp, s.t.abs); err != nil {
			return nil, c.abortCommit(plan, done, s.t, i, -1, err)
		}
		s.temp = ""
		done = append(done, s.t)
		out.written = append(out.written, s.t.rel)
	}

	for j, t := range plan.deletes {
		if err := c.fs.Remove(t.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, c.abortCommit(plan, done, t, len(plan.staged), j, err)
		}
		done = append(done, t)
		out.deleted = append(out.deleted, t.rel)
	}

	if c.config.SyncDirs {
		syncParents(plan)
	}
	return out, nil
}

// abortCommit restores committed targets and builds the failure report.
// failedStaged/failedDelete index the failing step; -1 for the other list.
func (c *Coordinator) abortCommit(plan *commitPlan, done []*target, failed *target, failedStaged, failedDelete int, cause error) *IOFailure {
	partial := &PartialCommit{
		Committed: relPaths(done),
		Failed:    []string{failed.rel},
	}
	for i := failedStaged + 1; i < len(plan.staged); i++ {
		partial.Pending = append(partial.Pending, plan.staged[i].t.rel)
	}
	for j := failedDelete + 1; j < len(plan.deletes); j++ {
		partial.Pending = append(partial.Pending, plan.deletes[j].rel)
	}

	c.logger.Error("commit failed, restoring committed files",
		slog.String("failed", failed.rel),
		slog.Int("committed", len(done)),
		slog.String("error", cause.Error()),
	)

	for k := len(done) - 1; k >= 0; k-- {
		t := done[k]
		if err := c.restore(t); err != nil {
			c.logger.Error("restore failed",
				slog.String("path", t.rel),
				slog.String("error", err.Error()),
			)
			partial.RestoreFailed = append(partial.RestoreFailed, t.rel)
			continue
		}
		partial.Restored = append(partial.Restored, t.rel)
	}
	sort.Strings(partial.Restored)

	c.discard(plan)
	recordPartialCommit(context.Background(), len(partial.RestoreFailed) == 0)

	return &IOFailure{
		Path:    failed.rel,
		Reason:  fmt.Sprintf("commit: %v", cause),
		Partial: partial,
	}
}

// restore puts one committed target back to its captured state.
func (c *Coordinator) restore(t *target) error {
	if !t.existed {
		if err := c.fs.Remove(t.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	temp, err := c.writeTemp(filepath.Dir(t.abs), filepath.Base(t.abs), t.original, t.mode)
	if err != nil {
		return err
	}
	if err := c.fs.Rename(temp, t.abs); err != nil {
		_ = c.fs.Remove(temp)
		return err
	}
	return nil
}

// syncParents fsyncs each touched directory so renames are durable.
// Best effort; directories cannot be synced on every platform.
func syncParents(plan *commitPlan) {
	seen := make(map[string]bool)
	sync := func(dir string) {
		if seen[dir] {
			return
		}
		seen[dir] = true
		d, err := os.Open(dir)
		if err != nil {
			return
		}
		_ = d.Sync()
		_ = d.Close()
	}
	for _, s := range plan.staged {
		sync(filepath.Dir(s.t.abs))
	}
	for _, t := range plan.deletes {
		sync(filepath.Dir(t.abs))
	}
}

func relPaths(ts []*target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.rel
	}
	return out
}
