// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package overlay holds speculative file content for one transaction.
//
// An overlay substitutes in-memory content for on-disk content while a
// transaction is being verified. Nothing in this package touches the
// filesystem.
package overlay

import (
	"sort"
	"sync"
)

// State describes what an overlay lookup found for a path.
type State int

const (
	// Absent means no overlay exists; callers use on-disk content.
	Absent State = iota

	// Present means the overlay holds replacement content.
	Present

	// Tombstoned means the file is scheduled for deletion and must be
	// treated as not existing.
	Tombstoned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	case Tombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// Entry is the speculative state of one file.
type Entry struct {
	// Path is the canonical absolute path of the file.
	Path string

	// Content is the proposed content. Nil for tombstones.
	Content []byte

	// Language is the language ID inferred from the extension, or "".
	Language string

	// Tombstone marks a pending deletion.
	Tombstone bool

	// Opened is true while the document is open in an analysis session.
	Opened bool
}

// Store maps canonical paths to overlay entries.
//
// # Description
//
// A Store is owned by exactly one transaction. The transaction populates
// it, reads from it during verification, and clears it on every exit
// path. Store performs no I/O and has no error conditions.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore creates an empty overlay store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Put inserts or replaces the overlay content for path.
//
// The content slice is copied so later mutation by the caller cannot
// change what the transaction verifies.
func (s *Store) Put(path string, content []byte, language string) {
	buf := make([]byte, len(content))
	copy(buf, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	opened := false
	if existing, ok := s.entries[path]; ok {
		opened = existing.Opened
	}
	s.entries[path] = &Entry{
		Path:     path,
		Content:  buf,
		Language: language,
		Opened:   opened,
	}
}

// Tombstone marks path as deleted within the transaction.
func (s *Store) Tombstone(path string, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[path] = &Entry{
		Path:      path,
		Language:  language,
		Tombstone: true,
	}
}

// Get returns the overlay content for path.
//
// # Outputs
//
//   - []byte: A copy of the overlay content when state is Present, else nil.
//   - State: Absent if the caller should read disk, Tombstoned if the file
//     is pending deletion.
func (s *Store) Get(path string) ([]byte, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return nil, Absent
	}
	if e.Tombstone {
		return nil, Tombstoned
	}
	buf := make([]byte, len(e.Content))
	copy(buf, e.Content)
	return buf, Present
}

// Entry returns a copy of the entry for path.
func (s *Store) Entry(path string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkOpened records whether the overlay document is open in a session.
// Unknown paths are ignored.
func (s *Store) MarkOpened(path string, opened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[path]; ok {
		e.Opened = opened
	}
}

// Opened returns the sorted paths whose documents are currently open.
func (s *Store) Opened() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p, e := range s.entries {
		if e.Opened {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Entries returns copies of all entries sorted by path.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns all overlay paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of entries, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
}
