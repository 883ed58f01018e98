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
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalTempDir(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestResolvePath(t *testing.T) {
	root := canonicalTempDir(t)

	tests := []struct {
		name    string
		input   string
		wantRel string
		wantErr bool
	}{
		{"simple", "main.go", "main.go", false},
		{"nested", "pkg/a/b.go", "pkg/a/b.go", false},
		{"dot prefix", "./main.go", "main.go", false},
		{"inner dotdot", "pkg/../main.go", "main.go", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"root itself", ".", "", true},
		{"parent", "..", "", true},
		{"escape", "../x.go", "", true},
		{"sneaky escape", "pkg/../../x.go", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"nul", "a\x00b.go", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, abs, err := resolvePath(root, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var pe *preconditionError
				assert.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRel, rel)
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(tt.wantRel)), abs)
		})
	}
}

func TestResolvePath_SymlinkedDirectoryOutsideRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := canonicalTempDir(t)
	outside := canonicalTempDir(t)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, _, err := resolvePath(root, "link/new.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the workspace root")
}

func TestCapture_RejectsSymlinkTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	h := newHarness(t)
	h.write(t, "real.go", mainGo)
	require.NoError(t, os.Symlink(h.abs("real.go"), h.abs("alias.go")))

	res := h.coord.Submit(t.Context(), EditSet{Edits: []FileEdit{Modify("alias.go", mainGo)}})

	require.Equal(t, ResultRejectedPrecondition, res.Kind)
	assert.Contains(t, res.Precondition.Reason, "symbolic link")
}

func TestWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "ws")
	assert.True(t, within(root, root))
	assert.True(t, within(root, filepath.Join(root, "a", "b")))
	assert.False(t, within(root, filepath.Join(string(filepath.Separator), "other")))
	assert.False(t, within(root, filepath.Join(string(filepath.Separator), "wsx")))
}

func TestDrifted(t *testing.T) {
	root := canonicalTempDir(t)
	c := &Coordinator{root: root, config: DefaultConfig(root)}
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	targets, pe := c.validateEditSet(EditSet{Edits: []FileEdit{
		Modify("a.go", "two"),
		Create("b.go", "new"),
	}})
	require.Nil(t, pe)
	require.Nil(t, c.capture(targets))

	_, changed := drifted(targets)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("other"), 0o644))
	rel, changed := drifted(targets)
	assert.True(t, changed)
	assert.Equal(t, "a.go", rel)

	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("x"), 0o644))
	rel, changed = drifted(targets)
	assert.True(t, changed)
	assert.Equal(t, "b.go", rel)
}

func TestValidateEditSet_Limits(t *testing.T) {
	root := canonicalTempDir(t)
	cfg := DefaultConfig(root)
	cfg.MaxFileBytes = 4
	c := &Coordinator{root: root, config: cfg}

	_, pe := c.validateEditSet(EditSet{Edits: []FileEdit{Create("a.go", "12345")}})
	require.NotNil(t, pe)
	assert.Equal(t, "a.go", pe.path)

	targets, pe := c.validateEditSet(EditSet{Edits: []FileEdit{Create("a.go", "1234"), Delete("b.py")}})
	require.Nil(t, pe)
	require.Len(t, targets, 2)
	assert.Equal(t, "go", targets[0].language)
	assert.Equal(t, "python", targets[1].language)
}
