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

import "strings"

// applyBlocks applies SEARCH/REPLACE blocks to content in order.
//
// # Description
//
// Each block is searched for from a forward cursor that starts at 0 and
// moves past each replacement, so repeated SEARCH text matches successive
// occurrences. An exact match is tried first, then a match on
// CRLF-normalized content with the search text's leading and trailing
// spaces and tabs ignored. Replacement text adopts the file's dominant
// line ending.
func applyBlocks(path, content string, blocks []Block) (string, error) {
	crlf := dominantCRLF(content)
	cursor := 0
	for i, b := range blocks {
		start, end, ok := findExact(content, cursor, b.Search)
		if !ok {
			start, end, ok = findFuzzy(content, cursor, b.Search)
		}
		if !ok {
			return "", &Error{Kind: KindSearchNotFound, Path: path, BlockIndex: i + 1}
		}
		replacement := normalizeLineEndings(b.Replace, crlf)
		content = content[:start] + replacement + content[end:]
		cursor = start + len(replacement)
	}
	return content, nil
}

func findExact(content string, cursor int, search string) (int, int, bool) {
	idx := strings.Index(content[cursor:], search)
	if idx < 0 {
		return 0, 0, false
	}
	start := cursor + idx
	return start, start + len(search), true
}

func findFuzzy(content string, cursor int, search string) (int, int, bool) {
	needle := strings.Trim(normalizeLineEndings(search, false), " \t")
	if needle == "" {
		return 0, 0, false
	}
	n := normalize(content)
	from := n.toNorm[cursor]
	idx := strings.Index(n.text[from:], needle)
	if idx < 0 {
		return 0, 0, false
	}
	startNorm := from + idx
	endNorm := startNorm + len(needle)
	return n.toOrig[startNorm], n.toOrig[endNorm], true
}

// normalized is content with CRLF folded to LF plus byte offset maps in
// both directions. Both maps have one extra entry for the end offset.
type normalized struct {
	text   string
	toOrig []int
	toNorm []int
}

func normalize(s string) normalized {
	var b strings.Builder
	b.Grow(len(s))
	toOrig := make([]int, 0, len(s)+1)
	toNorm := make([]int, len(s)+1)
	for i := 0; i < len(s); i++ {
		toOrig = append(toOrig, i)
		toNorm[i] = b.Len()
		if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
			toNorm[i+1] = b.Len()
			b.WriteByte('\n')
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	toNorm[len(s)] = b.Len()
	toOrig = append(toOrig, len(s))
	return normalized{text: b.String(), toOrig: toOrig, toNorm: toNorm}
}

// dominantCRLF reports whether content uses CRLF at least as often as
// bare LF. Ties with any CRLF present go to CRLF.
func dominantCRLF(content string) bool {
	crlf := strings.Count(content, "\r\n")
	lf := strings.Count(content, "\n") - crlf
	return crlf > 0 && crlf >= lf
}

// normalizeLineEndings converts every line ending to CRLF or LF. Lone CRs
// are kept.
func normalizeLineEndings(s string, crlf bool) string {
	lf := strings.ReplaceAll(s, "\r\n", "\n")
	if !crlf {
		return lf
	}
	return strings.ReplaceAll(lf, "\n", "\r\n")
}
