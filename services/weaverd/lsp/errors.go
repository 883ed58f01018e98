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
	"errors"
	"fmt"
)

// Sentinel errors for analysis session operations.
var (
	// ErrServerNotRunning indicates the language server is not ready.
	ErrServerNotRunning = errors.New("lsp server not running")

	// ErrServerNotInstalled indicates the language server binary was not found.
	ErrServerNotInstalled = errors.New("lsp server not installed")

	// ErrNoBackend indicates no language server is configured for the language.
	// The semantic gate is skipped for such languages.
	ErrNoBackend = errors.New("no analysis backend configured for language")

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = errors.New("lsp initialize failed")

	// ErrRequestTimeout indicates a request exceeded its deadline.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("lsp server crashed")

	// ErrInvalidResponse indicates a response could not be parsed.
	ErrInvalidResponse = errors.New("invalid lsp response")

	// ErrServerAlreadyStarted indicates Start was called twice.
	ErrServerAlreadyStarted = errors.New("server already started")

	// ErrDocumentNotOpen indicates an update or close for a document that
	// was never opened in the session.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates a second open of the same document.
	ErrDocumentAlreadyOpen = errors.New("document already open")

	// ErrDiagnosticsTimeout indicates no diagnostics arrived in time.
	ErrDiagnosticsTimeout = errors.New("timed out waiting for diagnostics")

	// ErrPoolStopped indicates the pool has been shut down.
	ErrPoolStopped = errors.New("session pool stopped")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ctx must not be nil")
)

// LSPError is an error returned by the language server via JSON-RPC.
//
// Codes follow JSON-RPC plus the LSP reserved range:
//   - -32601: Method not found
//   - -32800: Request cancelled
//   - -32802: Server not initialized
//   - -32099 to -32000: Server error
type LSPError struct {
	Code    int
	Message string
	Data    interface{}
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the server does not support the method.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == -32601
}

// IsRequestCancelled returns true if the request was cancelled.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == -32800
}

// IsServerNotInitialized returns true if the server was not initialized.
func (e *LSPError) IsServerNotInitialized() bool {
	return e.Code == -32802
}

// BackendErrorKind classifies a BackendError.
type BackendErrorKind string

const (
	// KindUnavailable means the backend could not be started or reached.
	KindUnavailable BackendErrorKind = "unavailable"

	// KindCrashed means the backend died during the transaction.
	KindCrashed BackendErrorKind = "crashed"

	// KindTimeout means a request or diagnostic wait exceeded its deadline.
	KindTimeout BackendErrorKind = "timeout"

	// KindProtocol means the backend answered with an error or garbage.
	KindProtocol BackendErrorKind = "protocol"
)

// BackendError reports an analysis backend failure for one language.
//
// Every BackendError surfaces to callers as a backend-unavailable
// rejection; the Kind refines the cause for logs and metrics.
type BackendError struct {
	Language string
	Kind     BackendErrorKind
	Detail   string
	Err      error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %s", e.Language, e.Kind, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Unavailable builds a BackendError of kind KindUnavailable.
func Unavailable(language, detail string, cause error) *BackendError {
	return &BackendError{Language: language, Kind: KindUnavailable, Detail: detail, Err: cause}
}

// AsBackendError wraps err as a BackendError for language, choosing the
// kind from the error chain. Existing BackendErrors are returned as is.
func AsBackendError(language, action string, err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	kind := KindProtocol
	switch {
	case errors.Is(err, ErrServerNotInstalled), errors.Is(err, ErrInitializeFailed),
		errors.Is(err, ErrServerNotRunning), errors.Is(err, ErrPoolStopped):
		kind = KindUnavailable
	case errors.Is(err, ErrServerCrashed):
		kind = KindCrashed
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, ErrDiagnosticsTimeout):
		kind = KindTimeout
	}
	return &BackendError{
		Language: language,
		Kind:     kind,
		Detail:   fmt.Sprintf("%s failed: %v", action, err),
		Err:      err,
	}
}
