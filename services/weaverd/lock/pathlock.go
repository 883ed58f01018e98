// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"sort"
	"sync"
)

// PathLocker serializes access to sets of file paths.
//
// # Description
//
// Each path has an exclusive lock. LockAll acquires every path of a set in
// sorted order, so two callers with overlapping sets can never deadlock.
// Callers with disjoint sets never wait on each other. Waiting is
// cancellable through the context.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

// pathLock is a context-aware mutex. A token in ch means held.
type pathLock struct {
	ch   chan struct{}
	refs int
}

// NewPathLocker creates an empty PathLocker.
func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*pathLock)}
}

// LockAll acquires exclusive locks on every path.
//
// # Inputs
//
//   - ctx: Cancels the wait. Must not be nil.
//   - paths: Paths to lock. Duplicates are collapsed.
//
// # Outputs
//
//   - func(): Releases every lock. Safe to call more than once.
//   - error: ctx.Err() if cancelled while waiting; no locks are held then.
func (l *PathLocker) LockAll(ctx context.Context, paths []string) (func(), error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	sorted := uniqueSorted(paths)
	held := make([]string, 0, len(sorted))

	for _, p := range sorted {
		entry := l.ref(p)
		select {
		case entry.ch <- struct{}{}:
			held = append(held, p)
		case <-ctx.Done():
			l.unref(p)
			l.releaseAll(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}, nil
}

// Held returns the sorted paths currently locked.
func (l *PathLocker) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for p, e := range l.locks {
		if len(e.ch) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (l *PathLocker) ref(path string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[path]
	if !ok {
		e = &pathLock{ch: make(chan struct{}, 1)}
		l.locks[path] = e
	}
	e.refs++
	return e
}

func (l *PathLocker) unref(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[path]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.locks, path)
	}
}

// releaseAll unlocks in reverse acquisition order.
func (l *PathLocker) releaseAll(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[held[i]]
		l.mu.Unlock()
		if e == nil {
			continue
		}
		<-e.ch
		l.unref(held[i])
	}
}

func uniqueSorted(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
