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
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeNotifier receives debounced on-disk changes. Pool.NotifyFilesChanged
// satisfies it.
type ChangeNotifier func(ctx context.Context, changes map[string]FileChangeType) error

// WatcherOptions configures a WorkspaceWatcher.
type WatcherOptions struct {
	// Debounce is how long to wait for more events before notifying.
	Debounce time.Duration

	// IgnoreDirs are directory base names never watched.
	IgnoreDirs []string

	// IgnoreFile filters individual paths, e.g. commit temp files.
	IgnoreFile func(path string) bool

	Logger *slog.Logger
}

// DefaultWatcherOptions returns the options used by the daemon.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		Debounce:   100 * time.Millisecond,
		IgnoreDirs: []string{".git", "node_modules", ".weaver", "target", "vendor", "__pycache__", ".idea"},
	}
}

// WorkspaceWatcher forwards edits made outside the harness to running
// backends as workspace/didChangeWatchedFiles.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type WorkspaceWatcher struct {
	root     string
	notify   ChangeNotifier
	opts     WatcherOptions
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	ignore   map[string]struct{}
	events   chan fsnotify.Event
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewWorkspaceWatcher creates a watcher for root. Nothing is watched
// until Start.
func NewWorkspaceWatcher(root string, notify ChangeNotifier, opts WatcherOptions) (*WorkspaceWatcher, error) {
	if notify == nil {
		return nil, errors.New("notify must not be nil")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ignore := make(map[string]struct{}, len(opts.IgnoreDirs))
	for _, d := range opts.IgnoreDirs {
		ignore[d] = struct{}{}
	}
	return &WorkspaceWatcher{
		root:    root,
		notify:  notify,
		opts:    opts,
		logger:  logger.With("component", "lsp.WorkspaceWatcher"),
		watcher: fw,
		ignore:  ignore,
		events:  make(chan fsnotify.Event, 1024),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the root recursively and begins forwarding changes.
func (w *WorkspaceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.started = true
	go w.readLoop(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop releases the underlying watcher. Idempotent.
func (w *WorkspaceWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *WorkspaceWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if _, skip := w.ignore[d.Name()]; skip {
				return filepath.SkipDir
			}
		}
		return w.watcher.Add(path)
	})
}

func (w *WorkspaceWatcher) ignored(path string) bool {
	if rel, err := filepath.Rel(w.root, filepath.Dir(path)); err == nil && rel != "." {
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if _, skip := w.ignore[part]; skip {
				return true
			}
		}
	}
	return w.opts.IgnoreFile != nil && w.opts.IgnoreFile(path)
}

func (w *WorkspaceWatcher) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if _, skip := w.ignore[filepath.Base(ev.Name)]; !skip {
						_ = w.addRecursive(ev.Name)
					}
					continue
				}
			}
			select {
			case w.events <- ev:
			default:
				w.logger.Warn("watch buffer full, dropping event", slog.String("path", ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *WorkspaceWatcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]FileChangeType)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = make(map[string]FileChangeType)
		if err := w.notify(ctx, batch); err != nil {
			w.logger.Warn("forwarding file changes failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev := <-w.events:
			pending[ev.Name] = mergeChange(pending[ev.Name], changeType(ev.Op))
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

func changeType(op fsnotify.Op) FileChangeType {
	switch {
	case op.Has(fsnotify.Create):
		return FileCreated
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return FileDeleted
	default:
		return FileChanged
	}
}

// mergeChange folds a new event into the pending one for a path.
// A create followed by writes is still a create; a trailing delete wins.
func mergeChange(prev, next FileChangeType) FileChangeType {
	switch {
	case prev == 0:
		return next
	case next == FileDeleted:
		return FileDeleted
	case prev == FileDeleted && next == FileCreated:
		return FileChanged
	case prev == FileCreated:
		return FileCreated
	default:
		return next
	}
}
