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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestApply_BuildsEditSet(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "func main() {}\n")
	writeFile(t, root, "old.go", "package old\n")

	p, err := Parse("diff --git a/src/main.go b/src/main.go\n" +
		"<<<<<<< SEARCH\nfunc main() {}\n=======\nfunc main() { run() }\n>>>>>>> REPLACE\n" +
		"diff --git a/src/new.go b/src/new.go\n" +
		"new file mode 100644\n@@ -0,0 +1 @@\n+package src\n" +
		"diff --git a/old.go b/old.go\n" +
		"deleted file mode 100644\n")
	require.NoError(t, err)

	set, err := Apply(root, p)
	require.NoError(t, err)
	assert.NotEmpty(t, set.ID)
	assert.Equal(t, transaction.SourcePatch, set.Source)
	require.Len(t, set.Edits, 3)

	assert.Equal(t, transaction.OpModify, set.Edits[0].Op)
	assert.Equal(t, "src/main.go", set.Edits[0].Path)
	assert.Equal(t, "func main() { run() }\n", string(set.Edits[0].Content))

	assert.Equal(t, transaction.OpCreate, set.Edits[1].Op)
	assert.Equal(t, "package src\n", string(set.Edits[1].Content))

	assert.Equal(t, transaction.OpDelete, set.Edits[2].Op)
	assert.Nil(t, set.Edits[2].Content)
}

func TestApply_UnifiedModify(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", original)

	p, err := ParseAs("--- a/main.go\n+++ b/main.go\n@@ -3 +3 @@\n-var x = 1\n+var x = 9\n", FormatAuto)
	require.NoError(t, err)

	set, err := Apply(root, p)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nvar x = 9\n\nfunc main() {}\n", string(set.Edits[0].Content))
}

func TestApply_Errors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "exists.go", "package x\n")

	tests := []struct {
		name string
		op   Operation
		kind ErrorKind
	}{
		{"modify missing", Operation{Kind: OpModify, Path: "missing.go", Blocks: []Block{{Search: "a", Replace: "b"}}}, KindFileNotFound},
		{"create existing", Operation{Kind: OpCreate, Path: "exists.go", Content: "x"}, KindFileExists},
		{"delete missing", Operation{Kind: OpDelete, Path: "gone.go"}, KindDeleteMissing},
		{"search miss", Operation{Kind: OpModify, Path: "exists.go", Blocks: []Block{{Search: "nope", Replace: "b"}}}, KindSearchNotFound},
		{"escape", Operation{Kind: OpDelete, Path: "../etc/passwd"}, KindInvalidPath},
		{"absolute", Operation{Kind: OpDelete, Path: "/etc/passwd"}, KindInvalidPath},
		{"empty", Operation{Kind: OpDelete, Path: ""}, KindInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(root, &Patch{Operations: []Operation{tt.op}})
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
		})
	}
}

func TestCleanPath(t *testing.T) {
	got, err := cleanPath("./a/../b/c.go")
	require.NoError(t, err)
	assert.Equal(t, "b/c.go", got)
}
