// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction verifies proposed multi-file edits against
// structural and semantic gates and commits them atomically.
//
// A Coordinator accepts an EditSet, stages it in an overlay, rejects it
// if any file fails to parse or if the analysis backend reports new
// diagnostics, and otherwise writes every file with a two-phase
// temp-write and rename. Every rejected transaction leaves the
// filesystem byte-for-byte unchanged.
package transaction

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/syntax"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRootRequired is returned when Config.Root is empty.
	ErrRootRequired = errors.New("workspace root is required")

	// ErrNilValidator is returned when no structural validator is given.
	ErrNilValidator = errors.New("validator must not be nil")
)

// =============================================================================
// EDIT SET
// =============================================================================

// Op is the kind of change a FileEdit makes.
type Op string

const (
	OpModify Op = "modify"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpModify, OpCreate, OpDelete:
		return true
	}
	return false
}

// Source tags which caller proposed an EditSet.
type Source string

const (
	SourcePatch   Source = "patch-apply"
	SourcePlugin  Source = "plugin-refactor"
	SourceRewrite Source = "rewrite-engine"
	SourceAPI     Source = "api"
)

// FileEdit is the new full content, creation or deletion of one file.
type FileEdit struct {
	// Path is workspace-relative with forward or native separators.
	Path string `json:"path" msgpack:"path"`

	Op Op `json:"op" msgpack:"op"`

	// Content is the complete new content. Must be nil for OpDelete and
	// non-nil (possibly empty) otherwise.
	Content []byte `json:"-" msgpack:"-"`
}

// Modify returns a FileEdit replacing path's content.
func Modify(path string, content string) FileEdit {
	return FileEdit{Path: path, Op: OpModify, Content: []byte(content)}
}

// Create returns a FileEdit creating path.
func Create(path string, content string) FileEdit {
	return FileEdit{Path: path, Op: OpCreate, Content: []byte(content)}
}

// Delete returns a FileEdit removing path.
func Delete(path string) FileEdit {
	return FileEdit{Path: path, Op: OpDelete}
}

// EditSet is an ordered collection of edits applied as one unit.
type EditSet struct {
	// ID identifies the transaction. NewID is used when empty.
	ID string `json:"id"`

	Source Source `json:"source"`

	Edits []FileEdit `json:"edits"`
}

// NewID returns a fresh transaction identifier.
func NewID() string {
	return uuid.NewString()
}

// Paths returns the edit paths in submission order.
func (s EditSet) Paths() []string {
	out := make([]string, len(s.Edits))
	for i, e := range s.Edits {
		out[i] = e.Path
	}
	return out
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is a Coordinator state for one transaction.
type State string

const (
	StateReceived        State = "received"
	StateOverlaysApplied State = "overlays_applied"
	StateSyntaxChecked   State = "syntax_checked"
	StateSemanticChecked State = "semantic_checked"
	StateCommitting      State = "committing"
	StateCommitted       State = "committed"
	StateRolledBack      State = "rolled_back"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// CreatePolicy decides what a create on an existing path does.
type CreatePolicy string

const (
	// CreateReject fails the transaction as a precondition violation.
	CreateReject CreatePolicy = "reject"

	// CreateAsModify treats the create as a modify of the existing file.
	CreateAsModify CreatePolicy = "modify"
)

// ParseCreatePolicy parses a policy name. Empty means CreateReject.
func ParseCreatePolicy(s string) (CreatePolicy, error) {
	switch CreatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CreateReject:
		return CreateReject, nil
	case CreateAsModify:
		return CreateAsModify, nil
	default:
		return "", fmt.Errorf("unknown create policy %q", s)
	}
}

// =============================================================================
// RESULT
// =============================================================================

// ResultKind is the terminal outcome category.
type ResultKind string

const (
	ResultCommitted                  ResultKind = "committed"
	ResultRejectedSyntactic          ResultKind = "rejected_syntactic"
	ResultRejectedSemantic           ResultKind = "rejected_semantic"
	ResultRejectedBackendUnavailable ResultKind = "rejected_backend_unavailable"
	ResultRejectedIO                 ResultKind = "rejected_io"
	ResultRejectedPrecondition       ResultKind = "rejected_precondition"
	ResultInternalError              ResultKind = "internal_error"
)

// Phase names where a transaction failed.
type Phase string

const (
	PhaseNone         Phase = ""
	PhasePrecondition Phase = "precondition"
	PhaseSyntactic    Phase = "syntactic"
	PhaseSemantic     Phase = "semantic"
	PhaseBackend      Phase = "backend"
	PhaseIO           Phase = "io"
	PhaseInternal     Phase = "internal"
)

// BackendFailure names the language whose analysis backend failed.
type BackendFailure struct {
	Language string `json:"language" msgpack:"language"`
	Kind     string `json:"kind" msgpack:"kind"`
	Reason   string `json:"reason" msgpack:"reason"`
}

// PreconditionFailure describes an EditSet rejected before any overlay
// or session work.
type PreconditionFailure struct {
	Path   string `json:"path,omitempty" msgpack:"path,omitempty"`
	Reason string `json:"reason" msgpack:"reason"`
}

// PartialCommit reports disk state after a failure inside the commit
// phase. Paths are workspace-relative.
type PartialCommit struct {
	// Committed were renamed or removed before the failure.
	Committed []string `json:"committed" msgpack:"committed"`

	// Failed is the file whose rename or removal failed.
	Failed []string `json:"failed" msgpack:"failed"`

	// Pending were never attempted.
	Pending []string `json:"pending" msgpack:"pending"`

	// Restored were committed and then put back to their original state.
	Restored []string `json:"restored" msgpack:"restored"`

	// RestoreFailed were committed and could not be put back.
	RestoreFailed []string `json:"restore_failed,omitempty" msgpack:"restore_failed,omitempty"`
}

// Clean reports whether the restore left the disk as it was.
func (p *PartialCommit) Clean() bool {
	return p == nil || len(p.RestoreFailed) == 0
}

// IOFailure describes a filesystem failure or a cancellation.
type IOFailure struct {
	Path    string         `json:"path,omitempty" msgpack:"path,omitempty"`
	Reason  string         `json:"reason" msgpack:"reason"`
	Partial *PartialCommit `json:"partial,omitempty" msgpack:"partial,omitempty"`
}

// Result is the terminal outcome of one transaction.
//
// Exactly one of Syntax, Regressions, Backend, IO or Precondition is set
// for a rejection. Any Kind other than ResultCommitted guarantees the
// filesystem is unchanged, except a ResultRejectedIO whose
// IO.Partial reports RestoreFailed entries.
type Result struct {
	TransactionID string     `json:"transaction_id" msgpack:"transaction_id"`
	Source        Source     `json:"source,omitempty" msgpack:"source,omitempty"`
	Kind          ResultKind `json:"kind" msgpack:"kind"`
	Phase         Phase      `json:"phase,omitempty" msgpack:"phase,omitempty"`
	State         State      `json:"state" msgpack:"state"`
	Message       string     `json:"message,omitempty" msgpack:"message,omitempty"`

	// Files lists the workspace-relative paths named by the EditSet.
	Files []string `json:"files" msgpack:"files"`

	Syntax       *syntax.SyntaxError      `json:"syntax,omitempty" msgpack:"syntax,omitempty"`
	Regressions  []diagnostics.Diagnostic `json:"regressions,omitempty" msgpack:"regressions,omitempty"`
	Backend      *BackendFailure          `json:"backend,omitempty" msgpack:"backend,omitempty"`
	IO           *IOFailure               `json:"io,omitempty" msgpack:"io,omitempty"`
	Precondition *PreconditionFailure     `json:"precondition,omitempty" msgpack:"precondition,omitempty"`

	// Cancelled is set when the context ended before commit.
	Cancelled bool `json:"cancelled,omitempty" msgpack:"cancelled,omitempty"`

	Written []string `json:"written,omitempty" msgpack:"written,omitempty"`
	Deleted []string `json:"deleted,omitempty" msgpack:"deleted,omitempty"`

	StartedAt time.Time     `json:"started_at" msgpack:"started_at"`
	Duration  time.Duration `json:"duration" msgpack:"duration"`
}

// Committed reports whether the edit set reached disk.
func (r Result) Committed() bool {
	return r.Kind == ResultCommitted
}

// Summary is a one-line human-readable description.
func (r Result) Summary() string {
	switch r.Kind {
	case ResultCommitted:
		return fmt.Sprintf("committed %d file(s)", len(r.Written)+len(r.Deleted))
	case ResultRejectedSyntactic:
		if r.Syntax != nil {
			return "syntax error at " + r.Syntax.Error()
		}
	case ResultRejectedSemantic:
		return fmt.Sprintf("%d new diagnostic(s)", len(r.Regressions))
	case ResultRejectedBackendUnavailable:
		if r.Backend != nil {
			return fmt.Sprintf("%s backend unavailable: %s", r.Backend.Language, r.Backend.Reason)
		}
	case ResultRejectedIO:
		if r.IO != nil {
			if r.IO.Path != "" {
				return fmt.Sprintf("io failure on %s: %s", r.IO.Path, r.IO.Reason)
			}
			return "io failure: " + r.IO.Reason
		}
	case ResultRejectedPrecondition:
		if r.Precondition != nil {
			if r.Precondition.Path != "" {
				return fmt.Sprintf("precondition failed for %s: %s", r.Precondition.Path, r.Precondition.Reason)
			}
			return "precondition failed: " + r.Precondition.Reason
		}
	}
	return string(r.Kind) + ": " + r.Message
}

// =============================================================================
// CONFIG
// =============================================================================

// Config configures a Coordinator.
type Config struct {
	// Root is the workspace root. Required.
	Root string

	// CreatePolicy decides creates on existing paths. Default CreateReject.
	CreatePolicy CreatePolicy

	// Threshold is the least severe diagnostic counted as a regression.
	// Default warning.
	Threshold diagnostics.Severity

	// MaxConcurrent caps transactions running at once. Default 8.
	MaxConcurrent int64

	// MaxFiles caps edits per EditSet. Default 1000.
	MaxFiles int

	// MaxFileBytes caps the content of one edit. Default 16 MiB.
	MaxFileBytes int64

	// NewFileMode is the mode of created files. Default 0644.
	NewFileMode os.FileMode

	// CloseTimeout bounds closing overlay documents on exit paths.
	CloseTimeout time.Duration

	// SyncDirs fsyncs parent directories after commit.
	SyncDirs bool

	MetricsEnabled bool
	TracingEnabled bool
}

// DefaultConfig returns the defaults for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:           root,
		CreatePolicy:   CreateReject,
		Threshold:      diagnostics.SeverityWarning,
		MaxConcurrent:  8,
		MaxFiles:       1000,
		MaxFileBytes:   16 << 20,
		NewFileMode:    0o644,
		CloseTimeout:   5 * time.Second,
		SyncDirs:       true,
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Root)
	if c.CreatePolicy == "" {
		c.CreatePolicy = d.CreatePolicy
	}
	if c.Threshold == diagnostics.SeverityUnspecified {
		c.Threshold = d.Threshold
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = d.MaxFileBytes
	}
	if c.NewFileMode == 0 {
		c.NewFileMode = d.NewFileMode
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
}
