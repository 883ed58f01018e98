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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	batches []map[string]FileChangeType
}

func (r *changeRecorder) notify(_ context.Context, changes map[string]FileChangeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
	return nil
}

func (r *changeRecorder) merged() map[string]FileChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]FileChangeType)
	for _, b := range r.batches {
		for k, v := range b {
			out[k] = mergeChange(out[k], v)
		}
	}
	return out
}

func TestWorkspaceWatcher_ForwardsChanges(t *testing.T) {
	root := t.TempDir()
	existing := writeFile(t, root, "a.go", "package a\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))

	rec := &changeRecorder{}
	opts := DefaultWatcherOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.IgnoreFile = func(p string) bool { return strings.HasSuffix(p, ".tmp") }

	w, err := NewWorkspaceWatcher(root, rec.notify, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(existing, []byte("package a\n\nvar x = 1\n"), 0o644))
	created := writeFile(t, root, "b.go", "package a\n")
	writeFile(t, root, "c.go.tmp", "ignored")
	writeFile(t, root, "node_modules/dep.js", "ignored")

	require.Eventually(t, func() bool {
		got := rec.merged()
		_, okA := got[existing]
		_, okB := got[created]
		return okA && okB
	}, 3*time.Second, 10*time.Millisecond)

	got := rec.merged()
	assert.Equal(t, FileCreated, got[created])
	for p := range got {
		assert.NotContains(t, p, ".tmp")
		assert.NotContains(t, p, "node_modules")
	}
}

func TestMergeChange(t *testing.T) {
	tests := []struct {
		prev, next, want FileChangeType
	}{
		{0, FileChanged, FileChanged},
		{FileCreated, FileChanged, FileCreated},
		{FileChanged, FileDeleted, FileDeleted},
		{FileDeleted, FileCreated, FileChanged},
		{FileChanged, FileChanged, FileChanged},
	}
	for _, tt := range tests {
		if got := mergeChange(tt.prev, tt.next); got != tt.want {
			t.Errorf("mergeChange(%d, %d) = %d, want %d", tt.prev, tt.next, got, tt.want)
		}
	}
}
