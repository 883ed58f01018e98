// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaverd

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/weaver/services/weaverd/journal"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/patch"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

const (
	// MaxTransactionIDBytes caps client-chosen transaction IDs.
	MaxTransactionIDBytes = 128

	// DefaultHistoryLimit is used by GET /v1/transactions without limit.
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps GET /v1/transactions.
	MaxHistoryLimit = 1000
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator instance for request bodies.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("workspacepath", validateWorkspacePath)
}

// validateWorkspacePath accepts relative paths that stay inside the
// workspace once cleaned.
func validateWorkspacePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || strings.ContainsRune(p, 0) {
		return false
	}
	if filepath.IsAbs(p) || filepath.VolumeName(p) != "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return false
	}
	clean := path.Clean(filepath.ToSlash(p))
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// =============================================================================
// Requests
// =============================================================================

// FileEditRequest is one edit in a TransactionRequest.
//
// Content is required for modify and create and must be absent for
// delete; the coordinator rejects violations as precondition failures.
type FileEditRequest struct {
	Path    string  `json:"path" validate:"required,workspacepath"`
	Op      string  `json:"op" validate:"required,oneof=modify create delete"`
	Content *string `json:"content,omitempty"`
}

// TransactionRequest is the body of POST /v1/transactions.
type TransactionRequest struct {
	// ID is optional; the server assigns one when empty.
	ID string `json:"id,omitempty" validate:"omitempty,max=128,printascii"`

	// Source tags the proposer. Defaults to "api".
	Source string `json:"source,omitempty" validate:"omitempty,oneof=api patch-apply plugin-refactor rewrite-engine"`

	Edits []FileEditRequest `json:"edits" validate:"required,min=1,dive"`
}

// Validate checks the request against its validate tags.
func (r *TransactionRequest) Validate() error {
	return apiValidate.Struct(r)
}

// EditSet converts the request to a transaction.EditSet.
func (r *TransactionRequest) EditSet() transaction.EditSet {
	set := transaction.EditSet{
		ID:     r.ID,
		Source: transaction.SourceAPI,
		Edits:  make([]transaction.FileEdit, len(r.Edits)),
	}
	if set.ID == "" {
		set.ID = transaction.NewID()
	}
	if r.Source != "" {
		set.Source = transaction.Source(r.Source)
	}
	for i, e := range r.Edits {
		fe := transaction.FileEdit{Path: e.Path, Op: transaction.Op(e.Op)}
		if e.Content != nil {
			fe.Content = []byte(*e.Content)
		}
		set.Edits[i] = fe
	}
	return set
}

// PatchRequest is the body of POST /v1/patches.
type PatchRequest struct {
	Patch string `json:"patch" validate:"required"`

	// Format is "search_replace", "unified", or empty to detect.
	Format string `json:"format,omitempty" validate:"omitempty,oneof=auto search_replace unified"`
}

// Validate checks the request against its validate tags.
func (r *PatchRequest) Validate() error {
	return apiValidate.Struct(r)
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is returned for requests that never reached the
// coordinator.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// PatchErrorResponse is returned when a patch cannot become an edit set.
type PatchErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	Path       string `json:"path,omitempty"`
	BlockIndex int    `json:"block_index,omitempty"`
}

func newPatchErrorResponse(e *patch.Error) PatchErrorResponse {
	return PatchErrorResponse{
		Error:      e.Error(),
		Code:       "PATCH_" + strings.ToUpper(string(e.Kind)),
		Kind:       string(e.Kind),
		Path:       e.Path,
		BlockIndex: e.BlockIndex,
	}
}

// HistoryResponse is the body of GET /v1/transactions.
type HistoryResponse struct {
	Transactions []journal.Record `json:"transactions"`
	Count        int              `json:"count"`
}

// SessionsResponse is the body of GET /v1/sessions.
type SessionsResponse struct {
	Sessions []lsp.SessionInfo `json:"sessions"`

	// Languages lists every language with a configured backend.
	Languages []string `json:"languages"`

	// OpenDocuments is empty whenever no transaction is running.
	OpenDocuments map[string][]string `json:"open_documents"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status       string              `json:"status"`
	Root         string              `json:"root"`
	Uptime       string              `json:"uptime"`
	Journal      bool                `json:"journal"`
	Sessions     int                 `json:"sessions"`
	Subscribers  int                 `json:"subscribers"`
	LiveOverlays map[string][]string `json:"live_overlays"`
	HeldPaths    []string            `json:"held_paths"`
	Time         time.Time           `json:"time"`
}
