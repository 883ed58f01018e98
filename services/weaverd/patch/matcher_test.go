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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyBlocks(t *testing.T) {
	tests := []struct {
		name     string
		original string
		blocks   []Block
		want     string
	}{
		{
			name:     "exact match",
			original: "alpha\nbeta\ngamma\n",
			blocks:   []Block{{Search: "beta\n", Replace: "delta\n"}},
			want:     "alpha\ndelta\ngamma\n",
		},
		{
			name:     "crlf file with lf patch",
			original: "alpha\r\nbeta\r\ngamma\r\n",
			blocks:   []Block{{Search: "beta\n", Replace: "delta\n"}},
			want:     "alpha\r\ndelta\r\ngamma\r\n",
		},
		{
			name:     "cursor ordered",
			original: "one two one two",
			blocks:   []Block{{Search: "one", Replace: "ONE"}, {Search: "one", Replace: "UNO"}},
			want:     "ONE two UNO two",
		},
		{
			name:     "indentation tolerant",
			original: "func f() {\n\treturn 1\n}\n",
			blocks:   []Block{{Search: "  return 1", Replace: "return 2"}},
			want:     "func f() {\n\treturn 2\n}\n",
		},
		{
			name:     "replacement cannot match itself",
			original: "x x\n",
			blocks:   []Block{{Search: "x", Replace: "xx"}, {Search: "x", Replace: "y"}},
			want:     "xx y\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyBlocks("f.txt", tt.original, tt.blocks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyBlocks_NotFound(t *testing.T) {
	_, err := applyBlocks("f.txt", "content", []Block{
		{Search: "content", Replace: "new"},
		{Search: "content", Replace: "again"},
	})
	require.Error(t, err)
	pe := err.(*Error)
	assert.Equal(t, KindSearchNotFound, pe.Kind)
	assert.Equal(t, "f.txt", pe.Path)
	assert.Equal(t, 2, pe.BlockIndex)
}

func TestNormalize(t *testing.T) {
	n := normalize("a\r\nb\nc")
	assert.Equal(t, "a\nb\nc", n.text)
	assert.Equal(t, []int{0, 1, 3, 4, 5, 6}, n.toOrig)
	assert.Equal(t, []int{0, 1, 1, 2, 3, 4, 5}, n.toNorm)
}

func TestDominantCRLF(t *testing.T) {
	assert.False(t, dominantCRLF("a\nb\n"))
	assert.True(t, dominantCRLF("a\r\nb\r\n"))
	assert.True(t, dominantCRLF("a\r\nb\n"))
	assert.False(t, dominantCRLF("a\r\nb\nc\n"))
	assert.False(t, dominantCRLF("no newline"))
}

func TestNormalizeLineEndings(t *testing.T) {
	assert.Equal(t, "a\nb\n", normalizeLineEndings("a\r\nb\n", false))
	assert.Equal(t, "a\r\nb\r\n", normalizeLineEndings("a\r\nb\n", true))
	assert.Equal(t, "a\rb\r\n", normalizeLineEndings("a\rb\n", true))
}
