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
	"time"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
)

// SessionState is the lifecycle state of an analysis session.
type SessionState string

const (
	// StateUninitialized is the state before Start.
	StateUninitialized SessionState = "uninitialized"

	// StateStarting means the process is spawning or handshaking.
	StateStarting SessionState = "starting"

	// StateReady means the session accepts document lifecycle calls.
	StateReady SessionState = "ready"

	// StateFailed means the backend crashed or the handshake failed.
	// The pool replaces failed sessions on next use.
	StateFailed SessionState = "failed"

	// StateStopped means the session was shut down deliberately.
	StateStopped SessionState = "stopped"
)

// Session is a stateful handle to one language's analysis backend.
//
// # Description
//
// Documents are identified by real workspace paths so cross-file
// resolution keeps working against the on-disk workspace. Every method
// that talks to the backend may fail with an error that AsBackendError
// classifies; callers must treat any failure as backend unavailable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, but callers hold the
// pool's per-language lock around a transaction's whole semantic phase so
// lifecycle calls for the same document never interleave.
type Session interface {
	// Language returns the language ID this session serves.
	Language() string

	// State returns the current lifecycle state.
	State() SessionState

	// OpenDocument opens path with in-memory content at version 1.
	OpenDocument(ctx context.Context, path string, content []byte) error

	// UpdateDocument replaces the content of an open document.
	UpdateDocument(ctx context.Context, path string, content []byte) error

	// CloseDocument tells the backend to revert path to its disk content.
	CloseDocument(ctx context.Context, path string) error

	// Diagnostics returns a fresh snapshot for an open document.
	Diagnostics(ctx context.Context, path string) (*diagnostics.Snapshot, error)

	// NotifyWatchedFiles reports on-disk changes the backend cannot see
	// through open documents.
	NotifyWatchedFiles(ctx context.Context, events []FileEvent) error

	// OpenDocuments returns the sorted paths currently open.
	OpenDocuments() []string

	// LastUsed returns when the session last served a call.
	LastUsed() time.Time

	// Shutdown stops the backend. Idempotent.
	Shutdown(ctx context.Context) error
}

// SessionFactory creates and starts a session for a language.
//
// The returned session must be ready. The pool supplies a context bounded
// by its startup timeout.
type SessionFactory func(ctx context.Context, config LanguageConfig, rootPath string, opts ServerOptions) (Session, error)

// SessionInfo describes a pooled session for introspection.
type SessionInfo struct {
	Language      string       `json:"language"`
	State         SessionState `json:"state"`
	OpenDocuments []string     `json:"open_documents"`
	LastUsed      time.Time    `json:"last_used"`
}
