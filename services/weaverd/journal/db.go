// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records transaction outcomes in an embedded BadgerDB.
//
// The journal is an audit trail for the daemon. It is fed by the
// Coordinator through transaction.Recorder after every lock is released
// and never influences a transaction's result.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures the journal database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the journal in memory only.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Retention drops records older than this on each maintenance tick.
	// Zero keeps records forever.
	Retention time.Duration

	// GCInterval is how often value log GC and retention run. Zero disables.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before a value log rewrite.
	GCDiscardRatio float64

	// Logger receives badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// DefaultConfig returns the on-disk defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		Retention:      30 * 24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests and ephemeral daemons.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openDB opens badger with cfg.
func openDB(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required for a persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	return db, nil
}

// maintenance runs value log GC and retention on a ticker.
type maintenance struct {
	j        *Journal
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newMaintenance(j *Journal, interval time.Duration, ratio float64) *maintenance {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &maintenance{
		j:        j,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *maintenance) start() {
	go m.run()
}

func (m *maintenance) stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *maintenance) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *maintenance) tick() {
	if m.j.retention > 0 {
		n, err := m.j.prune(time.Now().Add(-m.j.retention))
		if err != nil {
			m.j.logger.Warn("journal retention failed", slog.String("error", err.Error()))
		} else if n > 0 {
			m.j.logger.Debug("journal retention dropped records", slog.Int("count", n))
		}
	}

	if m.j.inMemory {
		return
	}
	// ErrNoRewrite means there was nothing worth collecting.
	err := m.j.db.RunValueLogGC(m.ratio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		m.j.logger.Warn("journal value log GC failed", slog.String("error", err.Error()))
	}
}
