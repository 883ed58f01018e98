// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaverd is the edit-verification daemon: it wires the
// transaction coordinator to its analysis sessions, journal and event
// stream and exposes them over HTTP.
package weaverd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/weaver/services/weaverd/config"
	"github.com/AleutianAI/weaver/services/weaverd/journal"
	"github.com/AleutianAI/weaver/services/weaverd/lock"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/patch"
	"github.com/AleutianAI/weaver/services/weaverd/syntax"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// ErrJournalDisabled is returned by history lookups when the daemon runs
// without a journal.
var ErrJournalDisabled = errors.New("transaction journal disabled")

// DaemonOption customizes a Daemon.
type DaemonOption func(*daemonOptions)

type daemonOptions struct {
	factory   lsp.SessionFactory
	observers []transaction.Observer
	logger    *slog.Logger
}

// WithSessionFactory replaces the factory that starts language servers.
func WithSessionFactory(f lsp.SessionFactory) DaemonOption {
	return func(o *daemonOptions) {
		o.factory = f
	}
}

// WithTransactionObserver adds an observer next to the event hub.
func WithTransactionObserver(obs transaction.Observer) DaemonOption {
	return func(o *daemonOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithDaemonLogger sets the logger.
func WithDaemonLogger(l *slog.Logger) DaemonOption {
	return func(o *daemonOptions) {
		o.logger = l
	}
}

// Daemon owns every long-lived collaborator of one workspace.
//
// # Description
//
// NewDaemon builds the session pool, structural validator, journal,
// workspace lock, event hub and coordinator from a config.Config. Start
// launches the background work (idle reaping, file watching); Close
// stops it and releases the journal and every language server.
//
// # Thread Safety
//
// Safe for concurrent use after NewDaemon returns.
type Daemon struct {
	cfg     config.Config
	root    string
	pool    *lsp.Pool
	coord   *transaction.Coordinator
	journal *journal.Journal
	hub     *EventHub
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *lsp.WorkspaceWatcher
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewDaemon wires a daemon from cfg.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Optional session factory, observers and logger.
//
// # Outputs
//
//   - *Daemon: Ready to Submit; call Start for background work.
//   - error: Invalid harness settings or an unopenable journal or lock.
func NewDaemon(cfg config.Config, opts ...DaemonOption) (*Daemon, error) {
	o := daemonOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "weaverd.Daemon")

	root, err := cfg.RootPath()
	if err != nil {
		return nil, err
	}
	txCfg, err := cfg.TransactionConfig(root)
	if err != nil {
		return nil, fmt.Errorf("harness config: %w", err)
	}

	poolOpts := []lsp.PoolOption{lsp.WithPoolLogger(o.logger)}
	if o.factory != nil {
		poolOpts = append(poolOpts, lsp.WithSessionFactory(o.factory))
	}
	pool := lsp.NewPool(root, cfg.Registry(), cfg.PoolConfig(), poolOpts...)

	d := &Daemon{
		cfg:    cfg,
		root:   root,
		pool:   pool,
		hub:    NewEventHub(o.logger),
		logger: logger,
	}

	coordOpts := []transaction.Option{
		transaction.WithLogger(o.logger),
		transaction.WithObserver(d.hub),
	}
	for _, obs := range o.observers {
		coordOpts = append(coordOpts, transaction.WithObserver(obs))
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalConfig(root))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		coordOpts = append(coordOpts, transaction.WithRecorder(j))
	}

	if path := cfg.LockPath(root); path != "" {
		wl, err := lock.NewWorkspaceLock(path, o.logger)
		if err != nil {
			d.closeJournal()
			return nil, fmt.Errorf("workspace lock: %w", err)
		}
		coordOpts = append(coordOpts, transaction.WithWorkspaceLock(wl))
	}

	coord, err := transaction.NewCoordinator(txCfg, syntax.NewValidator(o.logger), pool, coordOpts...)
	if err != nil {
		d.closeJournal()
		return nil, err
	}
	d.coord = coord

	logger.Info("Daemon configured",
		slog.String("root", root),
		slog.Any("languages", pool.Registry().Languages()),
		slog.Bool("journal", d.journal != nil),
		slog.String("create_policy", string(txCfg.CreatePolicy)))
	return d, nil
}

// Start launches idle session reaping and, when enabled, the workspace
// watcher. Background work stops when ctx ends or Close is called.
func (d *Daemon) Start(ctx context.Context) error {
	if ctx == nil {
		return lsp.ErrNilContext
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.pool.StartIdleMonitor(ctx)

	if !d.cfg.LSP.Watch {
		return nil
	}
	opts := lsp.DefaultWatcherOptions()
	opts.IgnoreFile = transaction.IsTempFile
	opts.Logger = d.logger
	w, err := lsp.NewWorkspaceWatcher(d.root, d.pool.NotifyFilesChanged, opts)
	if err != nil {
		d.logger.Warn("Workspace watcher disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		d.logger.Warn("Workspace watcher disabled", slog.String("error", err.Error()))
		return nil
	}
	d.watcher = w
	return nil
}

// Close stops background work, shuts down every language server and
// closes the journal. Safe to call more than once.
func (d *Daemon) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		if d.watcher != nil {
			d.watcher.Stop()
		}
		d.mu.Unlock()

		d.hub.Close()
		var errs []error
		if err := d.pool.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
		}
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		d.closeErr = errors.Join(errs...)
		d.logger.Info("Daemon stopped")
	})
	return d.closeErr
}

func (d *Daemon) closeJournal() {
	if d.journal != nil {
		_ = d.journal.Close()
	}
}

// Submit runs one edit set through the coordinator.
func (d *Daemon) Submit(ctx context.Context, set transaction.EditSet) transaction.Result {
	return d.coord.Submit(ctx, set)
}

// ApplyPatch parses text in the given format against the workspace and
// submits the resulting edit set.
//
// # Outputs
//
//   - transaction.Result: Outcome of the transaction.
//   - error: *patch.Error when the patch could not be turned into an
//     edit set. No transaction runs in that case.
func (d *Daemon) ApplyPatch(ctx context.Context, text string, format patch.Format) (transaction.Result, error) {
	p, err := patch.ParseAs(text, format)
	if err != nil {
		return transaction.Result{}, err
	}
	set, err := patch.Apply(d.root, p)
	if err != nil {
		return transaction.Result{}, err
	}
	return d.coord.Submit(ctx, set), nil
}

// Transaction returns a journaled transaction by ID.
func (d *Daemon) Transaction(ctx context.Context, id string) (journal.Record, error) {
	if d.journal == nil {
		return journal.Record{}, ErrJournalDisabled
	}
	return d.journal.Get(ctx, id)
}

// History returns up to limit journaled transactions, newest first.
func (d *Daemon) History(ctx context.Context, limit int) ([]journal.Record, error) {
	if d.journal == nil {
		return nil, ErrJournalDisabled
	}
	return d.journal.Recent(ctx, limit)
}

// Root returns the absolute workspace root.
func (d *Daemon) Root() string { return d.root }

// Config returns the configuration the daemon was built from.
func (d *Daemon) Config() config.Config { return d.cfg }

// Pool returns the analysis session pool.
func (d *Daemon) Pool() *lsp.Pool { return d.pool }

// Coordinator returns the transaction coordinator.
func (d *Daemon) Coordinator() *transaction.Coordinator { return d.coord }

// Events returns the event hub.
func (d *Daemon) Events() *EventHub { return d.hub }
