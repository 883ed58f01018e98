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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FileLocker abstracts platform-specific advisory file locking.
//
// # Description
//
// Unix uses flock(2) and Windows uses LockFileEx, both through
// golang.org/x/sys. Lock is non-blocking and returns ErrFileLocked when
// another process holds the lock.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// DefaultLockFile is the lock file name under the workspace state directory.
const DefaultLockFile = "weaverd.lock"

// retryInterval is how often Acquire polls a contended lock.
const retryInterval = 25 * time.Millisecond

// WorkspaceLock is a cross-process exclusive lock on a workspace.
//
// # Description
//
// Two daemons pointed at the same workspace must not run their commit
// phases concurrently. The lock is an advisory lock on a file under the
// workspace state directory and is released automatically if the holding
// process dies. The holder's PID is written into the file for operators.
//
// # Thread Safety
//
// Safe for concurrent use. In-process callers queue on an internal
// semaphore before touching the file. Not reentrant.
type WorkspaceLock struct {
	path   string
	locker FileLocker
	logger *slog.Logger

	// sem serializes in-process holders; flock is per open file description.
	sem  chan struct{}
	file *os.File
}

// NewWorkspaceLock creates a lock backed by the file at path.
// The parent directory is created if needed.
func NewWorkspaceLock(path string, logger *slog.Logger) (*WorkspaceLock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &WorkspaceLock{
		path:   path,
		locker: newPlatformLocker(),
		sem:    make(chan struct{}, 1),
		logger: logger.With("component", "lock.WorkspaceLock"),
	}, nil
}

// Path returns the lock file path.
func (w *WorkspaceLock) Path() string {
	return w.path
}

// Acquire blocks until the lock is held or ctx is done.
//
// # Outputs
//
//   - func(): Releases the lock. Must be called exactly once.
//   - error: ctx.Err() on cancellation, or an I/O error opening the file.
func (w *WorkspaceLock) Acquire(ctx context.Context) (func(), error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-w.sem
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	logged := false
	for {
		err := w.locker.Lock(f)
		if err == nil {
			break
		}
		if err != ErrFileLocked {
			f.Close()
			<-w.sem
			return nil, fmt.Errorf("locking %s: %w", w.path, err)
		}
		if !logged {
			w.logger.Info("workspace lock held by another process, waiting",
				slog.String("path", w.path),
			)
			logged = true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			f.Close()
			<-w.sem
			return nil, ctx.Err()
		}
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	w.file = f

	var once sync.Once
	return func() {
		once.Do(func() { w.release() })
	}, nil
}

func (w *WorkspaceLock) release() {
	defer func() { <-w.sem }()
	if w.file == nil {
		return
	}
	if err := w.locker.Unlock(w.file); err != nil {
		w.logger.Warn("unlocking workspace lock failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	}
	w.file.Close()
	w.file = nil
}
