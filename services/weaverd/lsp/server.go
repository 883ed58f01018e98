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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
)

// ServerOptions tunes request and diagnostic timing for one server.
type ServerOptions struct {
	// RequestTimeout bounds each request. Zero means no extra bound.
	RequestTimeout time.Duration

	// DiagnosticsTimeout bounds the wait for pushed diagnostics.
	DiagnosticsTimeout time.Duration

	// DiagnosticsSettle is the quiet period after a publish before the
	// diagnostics are considered final.
	DiagnosticsSettle time.Duration

	// ShutdownTimeout bounds graceful shutdown before the process is killed.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerOptions returns the timing used by the daemon.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		RequestTimeout:     10 * time.Second,
		DiagnosticsTimeout: 15 * time.Second,
		DiagnosticsSettle:  250 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
	}
}

// document tracks one open document.
type document struct {
	uri        string
	languageID string
	version    int

	// mark is the diagnostic store sequence before the latest change.
	mark uint64
}

// =============================================================================
// SERVER
// =============================================================================

// Server is a Session backed by a language server process.
//
// Description:
//
//	Spawns the server, performs the initialize handshake, and maps the
//	session document lifecycle to textDocument/didOpen, didChange and
//	didClose. Diagnostics are pulled with textDocument/diagnostic when the
//	server supports it and otherwise awaited from publishDiagnostics.
//	If the process exits while ready the session moves to StateFailed.
//
// Thread Safety:
//
//	Safe for concurrent use after Start returns.
type Server struct {
	config   LanguageConfig
	rootPath string
	opts     ServerOptions
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	protocol     *Protocol
	capabilities ServerCapabilities
	store        *diagStore

	state   SessionState
	stateMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	docsMu    sync.Mutex
	docs      map[string]*document
	pullCache map[string][]Diagnostic

	pullUnsupported atomic.Bool
	lastUsed        atomic.Int64
}

// NewServer creates a server that is not yet started.
func NewServer(config LanguageConfig, rootPath string, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		rootPath:  rootPath,
		opts:      opts,
		logger:    logger.With("component", "lsp.Server", "language", config.Language),
		store:     newDiagStore(),
		state:     StateUninitialized,
		readDone:  make(chan struct{}),
		docs:      make(map[string]*document),
		pullCache: make(map[string][]Diagnostic),
	}
	s.touch()
	return s
}

// StartServer is the default SessionFactory. It spawns and initializes
// a language server process.
func StartServer(ctx context.Context, config LanguageConfig, rootPath string, opts ServerOptions) (Session, error) {
	s := NewServer(config, rootPath, opts)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start spawns the process and performs the handshake.
//
// Errors:
//
//	ErrServerNotInstalled - Binary not found on PATH.
//	ErrServerAlreadyStarted - Start called twice.
//	ErrInitializeFailed - Handshake failed.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := s.beginStart(); err != nil {
		return err
	}

	path, err := exec.LookPath(s.config.Command)
	if err != nil {
		s.setState(StateFailed)
		s.logger.Warn("language server not installed",
			slog.String("command", s.config.Command),
		)
		return fmt.Errorf("%w: %s", ErrServerNotInstalled, s.config.Command)
	}

	s.logger.Info("starting language server",
		slog.String("command", path),
		slog.String("root_path", s.rootPath),
	)

	// The process outlives the caller's context.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cmd = exec.CommandContext(s.ctx, path, s.config.Args...)
	s.cmd.Dir = s.rootPath

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		s.fail()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		s.fail()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		s.fail()
		return fmt.Errorf("%w: start process: %v", ErrInitializeFailed, err)
	}

	return s.attach(ctx, stdout, stdin)
}

// beginStart moves the server from uninitialized to starting.
func (s *Server) beginStart() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateUninitialized {
		return ErrServerAlreadyStarted
	}
	s.state = StateStarting
	return nil
}

// attach runs the protocol over r/w and performs the handshake.
func (s *Server) attach(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.stdout = r
	s.stdin = w
	s.protocol = NewProtocol(r, w)
	s.protocol.OnNotification(s.handleNotification)
	s.protocol.OnRequest(s.handleServerRequest)

	go func() {
		defer close(s.readDone)
		err := s.protocol.ReadLoop(s.ctx)
		s.onReadLoopExit(err)
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		s.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.setState(StateReady)
	s.touch()
	s.logger.Info("language server ready",
		slog.Bool("pull_diagnostics", s.capabilities.HasDiagnosticProvider()),
	)
	return nil
}

// onReadLoopExit marks an unexpected exit as a crash.
func (s *Server) onReadLoopExit(err error) {
	s.stateMu.Lock()
	crashed := s.state == StateReady || s.state == StateStarting
	s.stateMu.Unlock()
	if !crashed {
		return
	}
	s.logger.Error("language server exited unexpectedly",
		slog.Any("error", err),
	)
	s.setState(StateFailed)
	s.protocol.Close()
}

// initialize performs the initialize/initialized exchange.
func (s *Server) initialize(ctx context.Context) error {
	rootURI := PathToURI(s.rootPath)
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		RootPath:  s.rootPath,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization:    &TextDocumentSyncClientCapabilities{},
				PublishDiagnostics: &PublishDiagnosticsCapabilities{VersionSupport: true},
				Diagnostic:         &DiagnosticClientCapabilities{},
			},
			Workspace: WorkspaceClientCapabilities{
				Configuration:         true,
				WorkspaceFolders:      true,
				DidChangeWatchedFiles: &DidChangeWatchedFilesCapabilities{DynamicRegistration: true},
			},
		},
		WorkspaceFolders: []WorkspaceFolder{{URI: rootURI, Name: "workspace"}},
	}
	if s.config.InitializationOptions != nil {
		params.InitializationOptions = s.config.InitializationOptions
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: initialize result: %v", ErrInvalidResponse, err)
	}
	s.capabilities = result.Capabilities

	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// handleNotification routes server notifications.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("malformed publishDiagnostics", slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("diagnostics published",
			slog.String("uri", p.URI),
			slog.String("version", versionString(p.Version)),
			slog.Int("count", len(p.Diagnostics)),
		)
		s.store.publish(p)
	case "window/logMessage", "window/showMessage":
		var m struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &m) == nil {
			s.logger.Debug("server message", slog.String("message", m.Message))
		}
	}
}

// handleServerRequest answers server-initiated requests.
func (s *Server) handleServerRequest(method string, params json.RawMessage) (interface{}, *ResponseError) {
	switch method {
	case "workspace/configuration":
		var p ConfigurationParams
		_ = json.Unmarshal(params, &p)
		return make([]interface{}, len(p.Items)), nil
	case "workspace/workspaceFolders":
		return []WorkspaceFolder{{URI: PathToURI(s.rootPath), Name: "workspace"}}, nil
	case "client/registerCapability", "client/unregisterCapability",
		"window/workDoneProgress/create", "window/showMessageRequest":
		return nil, nil
	case "workspace/applyEdit":
		return map[string]bool{"applied": false}, nil
	default:
		return nil, &ResponseError{Code: -32601, Message: "method not found: " + method}
	}
}

// =============================================================================
// SESSION IMPLEMENTATION
// =============================================================================

// Language returns the language ID.
func (s *Server) Language() string {
	return s.config.Language
}

// State returns the lifecycle state.
func (s *Server) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Capabilities returns the capabilities from initialize.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// LastUsed returns when the server last served a call.
func (s *Server) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// OpenDocuments returns the sorted open document paths.
func (s *Server) OpenDocuments() []string {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// OpenDocument sends textDocument/didOpen at version 1.
func (s *Server) OpenDocument(ctx context.Context, path string, content []byte) (err error) {
	start := time.Now()
	ctx, span := startOperationSpan(ctx, "open_document", s.config.Language, path)
	defer func() {
		endOperationSpan(span, err)
		recordOperation(ctx, "open_document", s.config.Language, time.Since(start), err)
	}()

	if s.State() != StateReady {
		return ErrServerNotRunning
	}

	s.docsMu.Lock()
	if _, ok := s.docs[path]; ok {
		s.docsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDocumentAlreadyOpen, path)
	}
	doc := &document{
		uri:        PathToURI(path),
		languageID: documentLanguageID(path, s.config.Language),
		version:    1,
		mark:       s.store.mark(),
	}
	s.docs[path] = doc
	s.docsMu.Unlock()

	err = s.notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        doc.uri,
			LanguageID: doc.languageID,
			Version:    doc.version,
			Text:       string(content),
		},
	})
	if err != nil {
		s.docsMu.Lock()
		delete(s.docs, path)
		s.docsMu.Unlock()
	}
	return err
}

// UpdateDocument sends textDocument/didChange with the full content.
func (s *Server) UpdateDocument(ctx context.Context, path string, content []byte) (err error) {
	start := time.Now()
	ctx, span := startOperationSpan(ctx, "update_document", s.config.Language, path)
	defer func() {
		endOperationSpan(span, err)
		recordOperation(ctx, "update_document", s.config.Language, time.Since(start), err)
	}()

	if s.State() != StateReady {
		return ErrServerNotRunning
	}

	s.docsMu.Lock()
	doc, ok := s.docs[path]
	if !ok {
		s.docsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, path)
	}
	doc.version++
	doc.mark = s.store.mark()
	version := doc.version
	uri := doc.uri
	s.docsMu.Unlock()

	return s.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: string(content)}},
	})
}

// CloseDocument sends textDocument/didClose.
//
// The document is forgotten locally even if the notification fails: a
// crashed backend holds no view to revert.
func (s *Server) CloseDocument(ctx context.Context, path string) (err error) {
	start := time.Now()
	ctx, span := startOperationSpan(ctx, "close_document", s.config.Language, path)
	defer func() {
		endOperationSpan(span, err)
		recordOperation(ctx, "close_document", s.config.Language, time.Since(start), err)
	}()

	s.docsMu.Lock()
	doc, ok := s.docs[path]
	if !ok {
		s.docsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, path)
	}
	delete(s.docs, path)
	delete(s.pullCache, doc.uri)
	s.docsMu.Unlock()

	s.store.forget(doc.uri)

	if s.State() != StateReady {
		return ErrServerNotRunning
	}
	return s.notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: doc.uri},
	})
}

// Diagnostics returns diagnostics for the current version of an open
// document.
func (s *Server) Diagnostics(ctx context.Context, path string) (snap *diagnostics.Snapshot, err error) {
	start := time.Now()
	ctx, span := startOperationSpan(ctx, "diagnostics", s.config.Language, path)
	defer func() {
		endOperationSpan(span, err)
		recordOperation(ctx, "diagnostics", s.config.Language, time.Since(start), err)
	}()

	if s.State() != StateReady {
		return nil, ErrServerNotRunning
	}

	s.docsMu.Lock()
	d, ok := s.docs[path]
	if !ok {
		s.docsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, path)
	}
	doc := *d
	s.docsMu.Unlock()

	var items []Diagnostic
	pulled := false
	if s.capabilities.HasDiagnosticProvider() && !s.pullUnsupported.Load() {
		items, err = s.pull(ctx, doc)
		var lspErr *LSPError
		switch {
		case err == nil:
			pulled = true
		case errors.As(err, &lspErr) && lspErr.IsMethodNotFound():
			s.pullUnsupported.Store(true)
		default:
			return nil, err
		}
	}

	if !pulled {
		waitCtx := ctx
		if s.opts.DiagnosticsTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, s.opts.DiagnosticsTimeout)
			defer cancel()
		}
		items, err = s.store.wait(waitCtx, doc.uri, doc.mark, doc.version, s.opts.DiagnosticsSettle)
		if err != nil {
			if s.State() == StateFailed {
				return nil, fmt.Errorf("%w: %v", ErrServerCrashed, err)
			}
			return nil, err
		}
	}

	s.touch()
	snap = diagnostics.NewSnapshot(doc.version)
	snap.Set(path, convertDiagnostics(path, items))
	return snap, nil
}

// pull issues textDocument/diagnostic. "unchanged" reports reuse the
// last full report for the URI.
func (s *Server) pull(ctx context.Context, doc document) ([]Diagnostic, error) {
	resp, err := s.request(ctx, "textDocument/diagnostic", DocumentDiagnosticParams{
		TextDocument: TextDocumentIdentifier{URI: doc.uri},
	})
	if err != nil {
		return nil, err
	}

	var report DocumentDiagnosticReport
	if err := json.Unmarshal(resp.Result, &report); err != nil {
		return nil, fmt.Errorf("%w: diagnostic report: %v", ErrInvalidResponse, err)
	}

	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	if report.Kind == "unchanged" {
		return s.pullCache[doc.uri], nil
	}
	s.pullCache[doc.uri] = report.Items
	return report.Items, nil
}

// NotifyWatchedFiles sends workspace/didChangeWatchedFiles.
func (s *Server) NotifyWatchedFiles(ctx context.Context, events []FileEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		recordOperation(ctx, "did_change_watched_files", s.config.Language, time.Since(start), err)
	}()
	return s.notify("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{Changes: events})
}

// Shutdown sends shutdown and exit, then waits for the process, killing
// it after ShutdownTimeout. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == StateStopped {
		s.stateMu.Unlock()
		return nil
	}
	wasReady := s.state == StateReady
	s.stateMu.Unlock()
	s.setState(StateStopped)

	s.logger.Info("shutting down language server")

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if s.protocol != nil && !s.protocol.IsClosed() {
		if wasReady {
			shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
			_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)
			cancel()
			_ = s.protocol.SendNotification("exit", nil)
		}
		s.protocol.Close()
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-time.After(timeout):
			_ = s.cmd.Process.Kill()
			<-done
		case <-done:
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}

	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	s.docsMu.Lock()
	s.docs = make(map[string]*document)
	s.pullCache = make(map[string][]Diagnostic)
	s.docsMu.Unlock()
	return nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *Server) request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if s.State() != StateReady {
		return nil, ErrServerNotRunning
	}
	s.touch()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	return s.protocol.SendRequest(ctx, method, params)
}

func (s *Server) notify(method string, params interface{}) error {
	if s.State() != StateReady {
		return ErrServerNotRunning
	}
	s.touch()
	if err := s.protocol.SendNotification(method, params); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *Server) setState(state SessionState) {
	s.stateMu.Lock()
	old := s.state
	s.state = state
	s.stateMu.Unlock()

	if old == state {
		return
	}
	if state == StateReady {
		addReady(context.Background(), s.config.Language, 1)
	} else if old == StateReady {
		addReady(context.Background(), s.config.Language, -1)
	}
}

// fail releases spawn resources after a failed start.
func (s *Server) fail() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.setState(StateFailed)
}

func (s *Server) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// convertDiagnostics maps wire diagnostics to the shared model with
// 1-based positions.
func convertDiagnostics(path string, items []Diagnostic) []diagnostics.Diagnostic {
	out := make([]diagnostics.Diagnostic, 0, len(items))
	for _, d := range items {
		sev := diagnostics.Severity(d.Severity)
		if sev < diagnostics.SeverityUnspecified || sev > diagnostics.SeverityHint {
			sev = diagnostics.SeverityUnspecified
		}
		out = append(out, diagnostics.Diagnostic{
			File:     path,
			Severity: sev,
			Line:     d.Range.Start.Line + 1,
			Column:   d.Range.Start.Character + 1,
			Code:     d.CodeString(),
			Source:   d.Source,
			Message:  d.Message,
		})
	}
	diagnostics.SortDiagnostics(out)
	return out
}
