// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/lsp/lsptest"
)

func newTestPool(t *testing.T, f *lsptest.Factory, cfg lsp.PoolConfig) *lsp.Pool {
	t.Helper()
	p := lsp.NewPool("/ws", lsp.NewConfigRegistry(), cfg, lsp.WithSessionFactory(f.Start))
	t.Cleanup(func() { _ = p.ShutdownAll(context.Background()) })
	return p
}

func TestPool_EnsureSessionSharesStartup(t *testing.T) {
	f := &lsptest.Factory{Delay: 30 * time.Millisecond}
	p := newTestPool(t, f, lsp.PoolConfig{StartupTimeout: time.Second})

	var wg sync.WaitGroup
	sessions := make([]lsp.Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.EnsureSession(context.Background(), "go")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.Starts())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestPool_FailedSessionRestarted(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{})
	ctx := context.Background()

	first, err := p.EnsureSession(ctx, "python")
	require.NoError(t, err)
	f.Latest("python").Crash()

	second, err := p.EnsureSession(ctx, "python")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, lsp.StateReady, second.State())
	assert.Equal(t, 2, f.Starts())
	assert.Equal(t, 1, first.(*lsptest.Session).Shutdowns())
}

func TestPool_MissingBinaryIsUnavailable(t *testing.T) {
	f := &lsptest.Factory{Missing: map[string]bool{"rust": true}}
	p := newTestPool(t, f, lsp.PoolConfig{})

	_, err := p.EnsureSession(context.Background(), "rust")
	var be *lsp.BackendError
	require.True(t, errors.As(err, &be), "error = %v", err)
	assert.Equal(t, "rust", be.Language)
	assert.Equal(t, lsp.KindUnavailable, be.Kind)
	assert.ErrorIs(t, err, lsp.ErrServerNotInstalled)

	// Other languages are unaffected.
	_, err = p.EnsureSession(context.Background(), "go")
	assert.NoError(t, err)
}

func TestPool_NoBackend(t *testing.T) {
	p := newTestPool(t, &lsptest.Factory{}, lsp.PoolConfig{})
	assert.False(t, p.HasBackend("cobol"))
	_, err := p.EnsureSession(context.Background(), "cobol")
	assert.ErrorIs(t, err, lsp.ErrNoBackend)
}

func TestPool_WithSessionSerializesLanguage(t *testing.T) {
	p := newTestPool(t, &lsptest.Factory{}, lsp.PoolConfig{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.WithSession(ctx, "go", func(context.Context, lsp.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// Same language waits and honors cancellation.
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := p.WithSession(waitCtx, "go", func(context.Context, lsp.Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Another language proceeds.
	done := make(chan error, 1)
	go func() {
		done <- p.WithSession(ctx, "python", func(context.Context, lsp.Session) error { return nil })
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("python blocked behind go")
	}
	close(release)
}

func TestPool_NotifyFilesChanged(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{})
	ctx := context.Background()

	_, err := p.EnsureSession(ctx, "go")
	require.NoError(t, err)

	err = p.NotifyFilesChanged(ctx, map[string]lsp.FileChangeType{
		"/ws/b.go":  lsp.FileCreated,
		"/ws/a.go":  lsp.FileChanged,
		"/ws/x.py":  lsp.FileDeleted,
		"/ws/notes": lsp.FileChanged,
	})
	require.NoError(t, err)

	events := f.Latest("go").Events()
	require.Len(t, events, 2)
	assert.Equal(t, lsp.PathToURI("/ws/a.go"), events[0].URI)
	assert.Equal(t, lsp.FileCreated, events[1].Type)

	// Python had no session and none was started.
	assert.Nil(t, f.Latest("python"))
}

func TestPool_NotifyWaitsForLanguageLock(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{})
	ctx := context.Background()
	changes := map[string]lsp.FileChangeType{"/ws/a.go": lsp.FileChanged}

	entered := make(chan struct{})
	release := make(chan struct{})
	inUse := make(chan struct{})
	go func() {
		defer close(inUse)
		_ = p.WithSession(ctx, "go", func(context.Context, lsp.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// A notification must not reach the session mid-transaction.
	notified := make(chan error, 1)
	go func() { notified <- p.NotifyFilesChanged(ctx, changes) }()
	select {
	case err := <-notified:
		t.Fatalf("notify returned while the language was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, f.Latest("go").Events())

	close(release)
	<-inUse
	select {
	case err := <-notified:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("notify still blocked after the session was released")
	}
	require.Len(t, f.Latest("go").Events(), 1)

	// Waiting for a held language honors cancellation.
	entered2 := make(chan struct{})
	release2 := make(chan struct{})
	go func() {
		_ = p.WithSession(ctx, "go", func(context.Context, lsp.Session) error {
			close(entered2)
			<-release2
			return nil
		})
	}()
	<-entered2
	defer close(release2)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := p.NotifyFilesChanged(waitCtx, changes)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.Latest("go").Events(), 1)
}

func TestPool_SessionsIntrospection(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{})
	ctx := context.Background()

	err := p.WithSession(ctx, "go", func(ctx context.Context, s lsp.Session) error {
		require.NoError(t, s.OpenDocument(ctx, "/ws/a.go", []byte("package a")))
		assert.Equal(t, map[string][]string{"go": {"/ws/a.go"}}, p.OpenDocuments())
		return s.CloseDocument(ctx, "/ws/a.go")
	})
	require.NoError(t, err)

	infos := p.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "go", infos[0].Language)
	assert.Equal(t, lsp.StateReady, infos[0].State)
	assert.Empty(t, p.OpenDocuments())
}

func TestPool_ShutdownAllRefusesNewSessions(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{})
	_, err := p.EnsureSession(context.Background(), "go")
	require.NoError(t, err)

	require.NoError(t, p.ShutdownAll(context.Background()))
	assert.Equal(t, 1, f.Latest("go").Shutdowns())

	_, err = p.EnsureSession(context.Background(), "go")
	assert.ErrorIs(t, err, lsp.ErrPoolStopped)
}

func TestPool_IdleMonitor(t *testing.T) {
	f := &lsptest.Factory{}
	p := newTestPool(t, f, lsp.PoolConfig{IdleTimeout: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.EnsureSession(ctx, "go")
	require.NoError(t, err)
	f.Latest("go").SetLastUsed(time.Now().Add(-time.Hour))

	p.StartIdleMonitor(ctx)
	require.Eventually(t, func() bool { return len(p.Sessions()) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.Latest("go").Shutdowns())
}
