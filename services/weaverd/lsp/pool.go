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
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PoolConfig configures the session pool.
type PoolConfig struct {
	// StartupTimeout bounds spawning and initializing one backend.
	StartupTimeout time.Duration

	// IdleTimeout shuts down sessions unused for this long. Zero disables
	// idle shutdown.
	IdleTimeout time.Duration

	// Server is passed to every session the pool starts.
	Server ServerOptions
}

// DefaultPoolConfig returns the pool configuration used by the daemon.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		StartupTimeout: 30 * time.Second,
		IdleTimeout:    10 * time.Minute,
		Server:         DefaultServerOptions(),
	}
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithSessionFactory replaces the factory that starts backends.
func WithSessionFactory(f SessionFactory) PoolOption {
	return func(p *Pool) {
		if f != nil {
			p.factory = f
		}
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// =============================================================================
// POOL
// =============================================================================

// Pool owns at most one analysis session per language.
//
// # Description
//
// Sessions start lazily on first use. Concurrent first uses of the same
// language share one startup. A session found failed or stopped is
// replaced on the next use. WithSession serializes document work per
// language so two transactions never interleave their open/change/close
// calls on one backend.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	rootPath string
	registry *ConfigRegistry
	factory  SessionFactory
	config   PoolConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]Session
	langLocks map[string]chan struct{}
	group     singleflight.Group

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool rooted at rootPath.
func NewPool(rootPath string, registry *ConfigRegistry, config PoolConfig, opts ...PoolOption) *Pool {
	if registry == nil {
		registry = NewConfigRegistry()
	}
	p := &Pool{
		rootPath:  rootPath,
		registry:  registry,
		factory:   StartServer,
		config:    config,
		logger:    slog.Default(),
		sessions:  make(map[string]Session),
		langLocks: make(map[string]chan struct{}),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "lsp.Pool")
	return p
}

// Registry returns the language configuration registry.
func (p *Pool) Registry() *ConfigRegistry {
	return p.registry
}

// RootPath returns the workspace root.
func (p *Pool) RootPath() string {
	return p.rootPath
}

// HasBackend reports whether a backend is configured for language.
func (p *Pool) HasBackend(language string) bool {
	_, ok := p.registry.Get(language)
	return ok
}

// IsInstalled reports whether the configured backend binary is on PATH.
func (p *Pool) IsInstalled(language string) bool {
	cfg, ok := p.registry.Get(language)
	if !ok {
		return false
	}
	_, err := exec.LookPath(cfg.Command)
	return err == nil
}

// EnsureSession returns a ready session for language, starting one if
// needed.
//
// # Outputs
//
//   - Session: Ready session.
//   - error: ErrNoBackend when no backend is configured, a *BackendError
//     of kind unavailable when startup fails, ErrPoolStopped after
//     ShutdownAll, or ctx.Err().
func (p *Pool) EnsureSession(ctx context.Context, language string) (Session, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p.stopped.Load() {
		return nil, ErrPoolStopped
	}
	cfg, ok := p.registry.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, language)
	}

	p.mu.RLock()
	s := p.sessions[language]
	p.mu.RUnlock()
	if s != nil && s.State() == StateReady {
		return s, nil
	}

	ch := p.group.DoChan(language, func() (interface{}, error) {
		return p.spawn(ctx, cfg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spawn starts a session for cfg, replacing any dead one.
func (p *Pool) spawn(ctx context.Context, cfg LanguageConfig) (Session, error) {
	lang := cfg.Language

	p.mu.Lock()
	existing := p.sessions[lang]
	if existing != nil && existing.State() == StateReady {
		p.mu.Unlock()
		return existing, nil
	}
	delete(p.sessions, lang)
	p.mu.Unlock()

	if existing != nil {
		p.logger.Warn("replacing dead session",
			slog.String("language", lang),
			slog.String("state", string(existing.State())),
		)
		_ = existing.Shutdown(context.Background())
	}

	// A shared startup must not die with the first caller's context.
	startCtx := context.WithoutCancel(ctx)
	if p.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(startCtx, p.config.StartupTimeout)
		defer cancel()
	}

	opts := p.config.Server
	if opts.Logger == nil {
		opts.Logger = p.logger
	}

	start := time.Now()
	s, err := p.factory(startCtx, cfg, p.rootPath, opts)
	recordServerSpawn(ctx, lang, err == nil)
	if err != nil {
		p.logger.Warn("backend failed to start",
			slog.String("language", lang),
			slog.String("command", cfg.Command),
			slog.String("error", err.Error()),
		)
		return nil, Unavailable(lang, fmt.Sprintf("start %s: %v", cfg.Command, err), err)
	}

	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		_ = s.Shutdown(context.Background())
		return nil, ErrPoolStopped
	}
	p.sessions[lang] = s
	p.mu.Unlock()

	p.logger.Info("backend started",
		slog.String("language", lang),
		slog.Duration("startup", time.Since(start)),
	)
	return s, nil
}

// WithSession runs fn with exclusive use of the language's session.
//
// # Description
//
// Acquires the per-language lock, ensures a ready session and calls fn.
// Waiting for the lock honors ctx. Errors from starting the session are
// returned unchanged; errors from fn are returned as fn produced them.
func (p *Pool) WithSession(ctx context.Context, language string, fn func(ctx context.Context, s Session) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	release, err := p.lockLanguage(ctx, language)
	if err != nil {
		return err
	}
	defer release()

	s, err := p.EnsureSession(ctx, language)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}

func (p *Pool) languageLock(language string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.langLocks[language]
	if !ok {
		ch = make(chan struct{}, 1)
		p.langLocks[language] = ch
	}
	return ch
}

func (p *Pool) lockLanguage(ctx context.Context, language string) (func(), error) {
	ch := p.languageLock(language)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) tryLockLanguage(language string) (func(), bool) {
	ch := p.languageLock(language)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Sessions describes every session the pool holds, sorted by language.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.RLock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for lang, s := range p.sessions {
		infos = append(infos, SessionInfo{
			Language:      lang,
			State:         s.State(),
			OpenDocuments: s.OpenDocuments(),
			LastUsed:      s.LastUsed(),
		})
	}
	p.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Language < infos[j].Language })
	return infos
}

// OpenDocuments returns the open documents per language. Empty after
// every transaction has finished.
func (p *Pool) OpenDocuments() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string)
	for lang, s := range p.sessions {
		if docs := s.OpenDocuments(); len(docs) > 0 {
			out[lang] = docs
		}
	}
	return out
}

// NotifyFilesChanged forwards on-disk changes to running sessions of the
// languages that own the paths. No session is started for this.
//
// Each language's notification is sent under its session lock, so it
// never lands between a transaction's baseline and post-edit pulls.
// Waiting for the lock honors ctx.
func (p *Pool) NotifyFilesChanged(ctx context.Context, changes map[string]FileChangeType) error {
	if ctx == nil {
		return ErrNilContext
	}
	byLang := make(map[string][]FileEvent)
	for path, typ := range changes {
		lang, ok := p.registry.LanguageForPath(path)
		if !ok {
			continue
		}
		byLang[lang] = append(byLang[lang], FileEvent{URI: PathToURI(path), Type: typ})
	}

	langs := make([]string, 0, len(byLang))
	for lang := range byLang {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	var errs []error
	for _, lang := range langs {
		events := byLang[lang]
		sort.Slice(events, func(i, j int) bool { return events[i].URI < events[j].URI })
		if err := p.notifyLanguage(ctx, lang, events); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", lang, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) notifyLanguage(ctx context.Context, language string, events []FileEvent) error {
	p.mu.RLock()
	s := p.sessions[language]
	p.mu.RUnlock()
	if s == nil {
		return nil
	}

	release, err := p.lockLanguage(ctx, language)
	if err != nil {
		return err
	}
	defer release()

	// The session may have been replaced or stopped while waiting.
	p.mu.RLock()
	s = p.sessions[language]
	p.mu.RUnlock()
	if s == nil || s.State() != StateReady {
		return nil
	}
	return s.NotifyWatchedFiles(ctx, events)
}

// Shutdown stops the session for one language.
func (p *Pool) Shutdown(ctx context.Context, language string) error {
	p.mu.Lock()
	s, ok := p.sessions[language]
	delete(p.sessions, language)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Shutdown(ctx)
}

// ShutdownAll stops every session. The pool refuses new sessions after.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})

	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]Session)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for lang, s := range sessions {
		g.Go(func() error {
			if err := s.Shutdown(gctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", lang, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartIdleMonitor shuts down idle sessions until ctx is done or the
// pool stops. No-op when IdleTimeout is zero.
func (p *Pool) StartIdleMonitor(ctx context.Context) {
	if p.config.IdleTimeout <= 0 {
		return
	}
	interval := p.config.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.shutdownIdle(ctx)
			}
		}
	}()
}

// shutdownIdle stops sessions idle past IdleTimeout. Busy languages and
// sessions with open documents are left alone.
func (p *Pool) shutdownIdle(ctx context.Context) {
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.RLock()
	var idle []string
	for lang, s := range p.sessions {
		if s.LastUsed().Before(cutoff) {
			idle = append(idle, lang)
		}
	}
	p.mu.RUnlock()

	for _, lang := range idle {
		release, ok := p.tryLockLanguage(lang)
		if !ok {
			continue
		}
		p.mu.Lock()
		s, exists := p.sessions[lang]
		if exists && len(s.OpenDocuments()) == 0 && s.LastUsed().Before(cutoff) {
			delete(p.sessions, lang)
		} else {
			exists = false
		}
		p.mu.Unlock()

		if exists {
			p.logger.Info("shutting down idle backend", slog.String("language", lang))
			if err := s.Shutdown(ctx); err != nil {
				p.logger.Warn("idle shutdown failed",
					slog.String("language", lang),
					slog.String("error", err.Error()),
				)
			}
		}
		release()
	}
}
