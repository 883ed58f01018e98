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
	"fmt"
	"sync"
	"time"
)

// diagEntry is the latest publishDiagnostics payload for one URI.
type diagEntry struct {
	version *int
	items   []Diagnostic
	seq     uint64
}

// diagStore collects pushed diagnostics and lets callers wait for a
// publish newer than a mark.
//
// Thread Safety: Safe for concurrent use.
type diagStore struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*diagEntry
	notify  chan struct{}
}

func newDiagStore() *diagStore {
	return &diagStore{
		entries: make(map[string]*diagEntry),
		notify:  make(chan struct{}),
	}
}

// publish records a payload and wakes all waiters.
func (s *diagStore) publish(p PublishDiagnosticsParams) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	items := make([]Diagnostic, len(p.Diagnostics))
	copy(items, p.Diagnostics)
	s.entries[p.URI] = &diagEntry{version: p.Version, items: items, seq: s.seq}

	close(s.notify)
	s.notify = make(chan struct{})
}

// mark returns the current sequence number. Call it before sending the
// change whose diagnostics will be awaited.
func (s *diagStore) mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// lookup returns the entry for uri if it is newer than after and not
// older than minVersion, plus the channel closed by the next publish.
func (s *diagStore) lookup(uri string, after uint64, minVersion int) (*diagEntry, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uri]
	if ok && e.seq > after && (e.version == nil || *e.version >= minVersion) {
		return e, s.notify
	}
	return nil, s.notify
}

// wait blocks until a qualifying publish for uri arrives, then keeps
// collecting follow-up publishes until none arrives for settle.
//
// Servers often publish in stages (parse errors first, type errors
// later). The settle window returns the last stage rather than the first.
func (s *diagStore) wait(ctx context.Context, uri string, after uint64, minVersion int, settle time.Duration) ([]Diagnostic, error) {
	var found *diagEntry
	for found == nil {
		e, next := s.lookup(uri, after, minVersion)
		if e != nil {
			found = e
			break
		}
		select {
		case <-next:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrDiagnosticsTimeout, uri)
		}
	}

	if settle <= 0 {
		return found.items, nil
	}

	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		e, next := s.lookup(uri, found.seq, minVersion)
		if e != nil {
			found = e
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(settle)
			continue
		}
		select {
		case <-next:
		case <-timer.C:
			return found.items, nil
		case <-ctx.Done():
			// A first answer already arrived; it is usable.
			return found.items, nil
		}
	}
}

// forget drops the entry for uri.
func (s *diagStore) forget(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uri)
}
