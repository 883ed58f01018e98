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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/lock"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/overlay"
	"github.com/AleutianAI/weaver/services/weaverd/syntax"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// StructuralValidator checks that a buffer parses. *syntax.Validator
// implements it.
type StructuralValidator interface {
	Validate(ctx context.Context, path string, content []byte, language string) syntax.Outcome
}

// Sessions brokers analysis sessions. *lsp.Pool implements it.
type Sessions interface {
	// HasBackend reports whether language has a configured backend.
	HasBackend(language string) bool

	// WithSession runs fn with exclusive use of the language's session.
	WithSession(ctx context.Context, language string, fn func(ctx context.Context, s lsp.Session) error) error

	// NotifyFilesChanged reports committed changes to running sessions.
	NotifyFilesChanged(ctx context.Context, changes map[string]lsp.FileChangeType) error
}

// Observer receives state transitions and results.
//
// OnTransition is called while the transaction holds its locks and must
// not block. OnResult is called after every lock is released.
type Observer interface {
	OnTransition(ctx context.Context, txID string, from, to State)
	OnResult(ctx context.Context, result Result)
}

// Recorder persists results. Called after every lock is released; its
// errors are logged and never change the result.
type Recorder interface {
	Record(ctx context.Context, set EditSet, result Result) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver adds an Observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithRecorder sets the Recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithWorkspaceLock holds a cross-process lock around the commit phase.
func WithWorkspaceLock(w *lock.WorkspaceLock) Option {
	return func(c *Coordinator) {
		c.workspace = w
	}
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator drives edit sets from proposal to commit or rollback.
//
// # Description
//
// Submit runs one transaction through the states
// received → overlays_applied → syntax_checked → semantic_checked →
// committing → committed, leaving for rolled_back on any rejection.
// Transactions with overlapping paths are serialized by a sorted path
// lock held from capture to the terminal state; semantic checks hold the
// per-language session lock. Disjoint transactions run concurrently up
// to Config.MaxConcurrent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	config    Config
	root      string
	validator StructuralValidator
	sessions  Sessions
	differ    *diagnostics.Differ
	paths     *lock.PathLocker
	workspace *lock.WorkspaceLock
	sem       *semaphore.Weighted
	fs        fileOps

	logger    *slog.Logger
	tracer    *Tracer
	observers []Observer
	recorder  Recorder

	liveMu sync.Mutex
	live   map[string]*overlay.Store
}

// NewCoordinator creates a Coordinator for config.Root.
//
// # Inputs
//
//   - config: Root is required; zero fields take DefaultConfig values.
//   - validator: Structural gate. Required.
//   - sessions: Semantic gate. Nil disables the semantic gate.
//
// # Outputs
//
//   - *Coordinator: Ready to Submit.
//   - error: Root missing, not a directory, or validator nil.
func NewCoordinator(config Config, validator StructuralValidator, sessions Sessions, opts ...Option) (*Coordinator, error) {
	if config.Root == "" {
		return nil, ErrRootRequired
	}
	if validator == nil {
		return nil, ErrNilValidator
	}
	abs, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	config.Root = root
	config.applyDefaults()

	c := &Coordinator{
		config:    config,
		root:      root,
		validator: validator,
		sessions:  sessions,
		paths:     lock.NewPathLocker(),
		sem:       semaphore.NewWeighted(config.MaxConcurrent),
		fs:        osFileOps{},
		logger:    slog.Default(),
		live:      make(map[string]*overlay.Store),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transaction.Coordinator")
	c.differ = diagnostics.NewDiffer(config.Threshold, c.logger)

	SetMetricsEnabled(config.MetricsEnabled)
	c.tracer = NewTracer(c.logger, config.TracingEnabled)
	return c, nil
}

// Root returns the canonical workspace root.
func (c *Coordinator) Root() string {
	return c.root
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// LiveOverlays returns the overlay paths of transactions in progress,
// keyed by transaction ID. Empty when nothing is running.
func (c *Coordinator) LiveOverlays() map[string][]string {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	out := make(map[string][]string, len(c.live))
	for id, s := range c.live {
		out[id] = s.Paths()
	}
	return out
}

// HeldPaths returns the paths currently locked by transactions.
func (c *Coordinator) HeldPaths() []string {
	return c.paths.Held()
}

func (c *Coordinator) track(id string, s *overlay.Store) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	c.live[id] = s
}

func (c *Coordinator) untrack(id string) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	delete(c.live, id)
}

// =============================================================================
// SUBMIT
// =============================================================================

// run carries the state of one transaction.
type run struct {
	c       *Coordinator
	set     EditSet
	state   State
	entered time.Time
	res     Result
	logger  *slog.Logger
}

func (r *run) transition(ctx context.Context, to State) {
	now := time.Now()
	from := r.state
	dur := now.Sub(r.entered)
	r.c.tracer.RecordStateTransition(ctx, r.set.ID, from, to, dur)
	recordPhase(ctx, from, dur)
	r.state = to
	r.entered = now
	r.res.State = to
	for _, o := range r.c.observers {
		o.OnTransition(ctx, r.set.ID, from, to)
	}
}

func (r *run) reject(ctx context.Context, kind ResultKind, phase Phase, msg string) Result {
	r.transition(ctx, StateRolledBack)
	r.res.Kind = kind
	r.res.Phase = phase
	r.res.Message = msg
	return r.res
}

func (r *run) rejectPrecondition(ctx context.Context, pe *preconditionError) Result {
	r.res.Precondition = &PreconditionFailure{Path: pe.path, Reason: pe.reason}
	return r.reject(ctx, ResultRejectedPrecondition, PhasePrecondition, pe.Error())
}

func (r *run) rejectIO(ctx context.Context, f *IOFailure) Result {
	r.res.IO = f
	msg := f.Reason
	if f.Path != "" {
		msg = f.Path + ": " + f.Reason
	}
	return r.reject(ctx, ResultRejectedIO, PhaseIO, msg)
}

// cancelled rejects a transaction whose context ended before commit.
func (r *run) cancelled(ctx context.Context, err error) Result {
	r.res.Cancelled = true
	return r.rejectIO(ctx, &IOFailure{Reason: "cancelled: " + err.Error()})
}

// Submit verifies and commits one EditSet.
//
// # Description
//
// The sole entry point. Blocks until the transaction reaches a terminal
// state. Every failure, including a panic in a verification phase, is
// returned as a Result; any Result other than ResultCommitted leaves the
// filesystem unchanged apart from a reported restore failure. ctx may
// cancel the transaction until the commit phase starts.
func (c *Coordinator) Submit(ctx context.Context, set EditSet) (result Result) {
	if set.ID == "" {
		set.ID = NewID()
	}
	start := time.Now()
	if ctx == nil {
		return Result{
			TransactionID: set.ID,
			Source:        set.Source,
			Kind:          ResultInternalError,
			Phase:         PhaseInternal,
			State:         StateRolledBack,
			Message:       "nil context",
			Files:         set.Paths(),
			StartedAt:     start,
		}
	}

	ctx, span := c.tracer.StartSubmit(ctx, set)
	incActive(ctx)

	r := &run{
		c:       c,
		set:     set,
		state:   StateReceived,
		entered: start,
		logger:  LoggerWithTrace(ctx, c.logger).With(slog.String("tx_id", set.ID)),
		res: Result{
			TransactionID: set.ID,
			Source:        set.Source,
			State:         StateReceived,
			Files:         set.Paths(),
			StartedAt:     start,
		},
	}

	defer func() {
		decActive(ctx)
		result.Duration = time.Since(start)
		c.tracer.EndSubmit(span, result)
		recordResult(ctx, result)
		c.finish(ctx, r.logger, set, result)
	}()

	return c.execute(ctx, r)
}

// execute runs the state machine. Cleanup is deferred so every exit
// path, including a panic, clears overlays, closes documents and
// releases locks before the result is returned.
func (c *Coordinator) execute(ctx context.Context, r *run) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("transaction panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			res = r.reject(ctx, ResultInternalError, PhaseInternal, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if len(r.set.Edits) == 0 {
		r.transition(ctx, StateCommitted)
		r.res.Kind = ResultCommitted
		return r.res
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return r.cancelled(ctx, err)
	}
	defer c.sem.Release(1)

	targets, pe := c.validateEditSet(r.set)
	if pe != nil {
		return r.rejectPrecondition(ctx, pe)
	}
	r.res.Files = relPaths(targets)

	abs := make([]string, len(targets))
	for i, t := range targets {
		abs[i] = t.abs
	}
	release, err := c.paths.LockAll(ctx, abs)
	if err != nil {
		return r.cancelled(ctx, err)
	}
	defer release()

	if pe := c.capture(targets); pe != nil {
		return r.rejectPrecondition(ctx, pe)
	}
	if err := ctx.Err(); err != nil {
		return r.cancelled(ctx, err)
	}

	// Received → OverlaysApplied
	store := overlay.NewStore()
	c.track(r.set.ID, store)
	defer func() {
		store.Clear()
		c.untrack(r.set.ID)
	}()
	for _, t := range targets {
		if t.op == OpDelete {
			store.Tombstone(t.abs, t.language)
			continue
		}
		store.Put(t.abs, t.edit.Content, t.language)
	}
	r.transition(ctx, StateOverlaysApplied)

	// OverlaysApplied → SyntaxChecked
	if rejected, ok := c.checkSyntax(ctx, r, store, targets); !ok {
		return rejected
	}
	r.transition(ctx, StateSyntaxChecked)

	// SyntaxChecked → SemanticChecked
	if rejected, ok := c.checkSemantics(ctx, r, store, targets); !ok {
		return rejected
	}
	r.transition(ctx, StateSemanticChecked)

	if c.workspace != nil {
		unlock, err := c.workspace.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, ctx.Err())
			}
			return r.rejectIO(ctx, &IOFailure{Reason: fmt.Sprintf("workspace lock: %v", err)})
		}
		defer unlock()
	}

	if path, ok := drifted(targets); ok {
		return r.rejectIO(ctx, &IOFailure{Path: path, Reason: "modified externally during verification"})
	}

	// Last cancellation point.
	if err := ctx.Err(); err != nil {
		return r.cancelled(ctx, err)
	}

	// SemanticChecked → Committed
	r.transition(ctx, StateCommitting)
	_, span := c.tracer.StartPhase(ctx, r.set.ID, "commit")
	plan, failure := c.prepare(targets)
	if failure != nil {
		c.tracer.EndPhase(span, errors.New(failure.Reason))
		return r.rejectIO(ctx, failure)
	}
	outcome, failure := c.commit(plan)
	if failure != nil {
		c.tracer.EndPhase(span, errors.New(failure.Reason))
		return r.rejectIO(ctx, failure)
	}
	c.tracer.EndPhase(span, nil)

	r.transition(ctx, StateCommitted)
	r.res.Kind = ResultCommitted
	r.res.Written = outcome.written
	r.res.Deleted = outcome.deleted

	c.notifyCommitted(ctx, r, targets)
	return r.res
}

// checkSyntax validates every modify/create overlay in submission order.
func (c *Coordinator) checkSyntax(ctx context.Context, r *run, store *overlay.Store, targets []*target) (Result, bool) {
	ctx, span := c.tracer.StartPhase(ctx, r.set.ID, "syntax")
	defer c.tracer.EndPhase(span, nil)

	for _, t := range targets {
		if t.op == OpDelete {
			continue
		}
		content, state := store.Get(t.abs)
		if state != overlay.Present {
			continue
		}
		out := c.validator.Validate(ctx, t.abs, content, t.language)
		if err := ctx.Err(); err != nil {
			return r.cancelled(ctx, err), false
		}
		if out.OK() {
			continue
		}
		synErr := &syntax.SyntaxError{Line: 1, Column: 1, Message: "syntax error"}
		if out.Error != nil {
			cp := *out.Error
			synErr = &cp
		}
		synErr.Path = t.rel
		r.res.Syntax = synErr
		r.logger.Info("syntax check failed",
			slog.String("path", t.rel),
			slog.Int("line", synErr.Line),
			slog.Int("column", synErr.Column),
			slog.String("message", synErr.Message),
		)
		return r.reject(ctx, ResultRejectedSyntactic, PhaseSyntactic, synErr.Error()), false
	}
	return Result{}, true
}

// notifyCommitted tells running sessions about the committed files.
func (c *Coordinator) notifyCommitted(ctx context.Context, r *run, targets []*target) {
	if c.sessions == nil {
		return
	}
	changes := make(map[string]lsp.FileChangeType, len(targets))
	for _, t := range targets {
		switch {
		case t.op == OpDelete:
			changes[t.abs] = lsp.FileDeleted
		case !t.existed:
			changes[t.abs] = lsp.FileCreated
		default:
			changes[t.abs] = lsp.FileChanged
		}
	}
	if err := c.sessions.NotifyFilesChanged(context.WithoutCancel(ctx), changes); err != nil {
		r.logger.Warn("failed to notify sessions of committed files", slog.String("error", err.Error()))
	}
}

// finish logs the result and feeds observers and the recorder.
func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, set EditSet, result Result) {
	attrs := []any{
		slog.String("result", string(result.Kind)),
		slog.String("source", string(result.Source)),
		slog.Int("files", len(result.Files)),
		slog.Duration("duration", result.Duration),
	}
	switch result.Kind {
	case ResultCommitted:
		logger.Info("transaction committed", attrs...)
	case ResultInternalError:
		logger.Error("transaction failed", append(attrs, slog.String("message", result.Message))...)
	case ResultRejectedIO:
		logger.Warn("transaction rejected", append(attrs, slog.String("message", result.Message))...)
	default:
		logger.Info("transaction rejected", append(attrs, slog.String("message", result.Message))...)
	}

	for _, o := range c.observers {
		o.OnResult(ctx, result)
	}
	if c.recorder != nil {
		if err := c.recorder.Record(context.WithoutCancel(ctx), set, result); err != nil {
			logger.Warn("failed to record transaction", slog.String("error", err.Error()))
		}
	}
}

// sortedRegressions rewrites diagnostic paths to workspace-relative and
// sorts them.
func sortedRegressions(diags []diagnostics.Diagnostic, rel map[string]string) []diagnostics.Diagnostic {
	out := make([]diagnostics.Diagnostic, len(diags))
	for i, d := range diags {
		if r, ok := rel[d.File]; ok {
			d.File = r
		}
		out[i] = d
	}
	diagnostics.SortDiagnostics(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
