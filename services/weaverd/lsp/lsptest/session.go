// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides in-memory analysis sessions for tests.
package lsptest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
)

// Analyzer produces diagnostics for one document's content.
type Analyzer func(path string, content []byte) []diagnostics.Diagnostic

// MarkerAnalyzer reports an error on every line containing marker. The
// message is the trimmed line, so identical lines produce identical
// diagnostics wherever they sit.
func MarkerAnalyzer(marker string) Analyzer {
	return func(path string, content []byte) []diagnostics.Diagnostic {
		var out []diagnostics.Diagnostic
		sc := bufio.NewScanner(bytes.NewReader(content))
		line := 0
		for sc.Scan() {
			line++
			text := sc.Text()
			col := strings.Index(text, marker)
			if col < 0 {
				continue
			}
			out = append(out, diagnostics.Diagnostic{
				File:     path,
				Severity: diagnostics.SeverityError,
				Line:     line,
				Column:   col + 1,
				Code:     "undefined",
				Source:   "lsptest",
				Message:  "undefined: " + strings.TrimSpace(text),
			})
		}
		return out
	}
}

type doc struct {
	content []byte
	version int
}

// Session is an in-memory lsp.Session.
//
// It records every lifecycle call so tests can assert ordering and that
// every opened document was closed.
type Session struct {
	lang    string
	analyze Analyzer

	// DiagnosticsHook runs before each Diagnostics call. A non-nil error
	// is returned to the caller.
	DiagnosticsHook func(ctx context.Context, path string) error

	mu        sync.Mutex
	state     lsp.SessionState
	docs      map[string]*doc
	calls     []string
	events    []lsp.FileEvent
	shutdowns int
	lastUsed  time.Time
}

// NewSession returns a ready session. A nil analyzer reports nothing.
func NewSession(lang string, analyze Analyzer) *Session {
	if analyze == nil {
		analyze = func(string, []byte) []diagnostics.Diagnostic { return nil }
	}
	return &Session{
		lang:     lang,
		analyze:  analyze,
		state:    lsp.StateReady,
		docs:     make(map[string]*doc),
		lastUsed: time.Now(),
	}
}

func (s *Session) record(call, path string) {
	s.calls = append(s.calls, call+" "+path)
	s.lastUsed = time.Now()
}

// Language implements lsp.Session.
func (s *Session) Language() string { return s.lang }

// State implements lsp.Session.
func (s *Session) State() lsp.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OpenDocument implements lsp.Session.
func (s *Session) OpenDocument(_ context.Context, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lsp.StateReady {
		return lsp.ErrServerNotRunning
	}
	if _, ok := s.docs[path]; ok {
		return fmt.Errorf("%w: %s", lsp.ErrDocumentAlreadyOpen, path)
	}
	s.docs[path] = &doc{content: append([]byte(nil), content...), version: 1}
	s.record("open", path)
	return nil
}

// UpdateDocument implements lsp.Session.
func (s *Session) UpdateDocument(_ context.Context, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lsp.StateReady {
		return lsp.ErrServerNotRunning
	}
	d, ok := s.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", lsp.ErrDocumentNotOpen, path)
	}
	d.content = append([]byte(nil), content...)
	d.version++
	s.record("change", path)
	return nil
}

// CloseDocument implements lsp.Session. The document is forgotten even
// when the session has failed.
func (s *Session) CloseDocument(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; !ok {
		return fmt.Errorf("%w: %s", lsp.ErrDocumentNotOpen, path)
	}
	delete(s.docs, path)
	s.record("close", path)
	if s.state != lsp.StateReady {
		return lsp.ErrServerNotRunning
	}
	return nil
}

// Diagnostics implements lsp.Session.
func (s *Session) Diagnostics(ctx context.Context, path string) (*diagnostics.Snapshot, error) {
	if hook := s.DiagnosticsHook; hook != nil {
		if err := hook(ctx, path); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lsp.StateReady {
		return nil, lsp.ErrServerCrashed
	}
	d, ok := s.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lsp.ErrDocumentNotOpen, path)
	}
	s.record("diagnostics", path)
	snap := diagnostics.NewSnapshot(d.version)
	snap.Set(path, s.analyze(path, d.content))
	return snap, nil
}

// NotifyWatchedFiles implements lsp.Session.
func (s *Session) NotifyWatchedFiles(_ context.Context, events []lsp.FileEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lsp.StateReady {
		return lsp.ErrServerNotRunning
	}
	s.events = append(s.events, events...)
	return nil
}

// OpenDocuments implements lsp.Session.
func (s *Session) OpenDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LastUsed implements lsp.Session.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// SetLastUsed backdates the session for idle tests.
func (s *Session) SetLastUsed(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = t
}

// Shutdown implements lsp.Session.
func (s *Session) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = lsp.StateStopped
	s.shutdowns++
	return nil
}

// Crash moves the session to StateFailed.
func (s *Session) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = lsp.StateFailed
}

// Calls returns the recorded lifecycle calls, e.g. "open /ws/a.go".
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Events returns the watched-file events received.
func (s *Session) Events() []lsp.FileEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lsp.FileEvent(nil), s.events...)
}

// Shutdowns returns how many times Shutdown was called.
func (s *Session) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

// =============================================================================
// FACTORY
// =============================================================================

// ErrNotInstalled mimics a missing backend binary.
var ErrNotInstalled = errors.New("lsptest: backend not installed")

// Factory builds Sessions for a Pool and counts starts.
type Factory struct {
	// Analyzers maps language to analyzer. Missing entries report nothing.
	Analyzers map[string]Analyzer

	// Missing lists languages whose start fails with ErrNotInstalled
	// wrapped in lsp.ErrServerNotInstalled.
	Missing map[string]bool

	// Delay is applied to every start, honoring ctx.
	Delay time.Duration

	starts atomic.Int64

	mu       sync.Mutex
	sessions map[string][]*Session
}

// Start is an lsp.SessionFactory.
func (f *Factory) Start(ctx context.Context, config lsp.LanguageConfig, _ string, _ lsp.ServerOptions) (lsp.Session, error) {
	f.starts.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Missing[config.Language] {
		return nil, fmt.Errorf("%w: %v", lsp.ErrServerNotInstalled, ErrNotInstalled)
	}
	s := NewSession(config.Language, f.Analyzers[config.Language])

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string][]*Session)
	}
	f.sessions[config.Language] = append(f.sessions[config.Language], s)
	return s, nil
}

// Starts returns how many sessions were requested.
func (f *Factory) Starts() int {
	return int(f.starts.Load())
}

// Latest returns the most recent session started for language.
func (f *Factory) Latest(language string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sessions[language]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// All returns every session started, across languages.
func (f *Factory) All() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, list := range f.sessions {
		out = append(out, list...)
	}
	return out
}
