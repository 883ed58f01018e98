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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/weaver/services/weaverd/journal"
	"github.com/AleutianAI/weaver/services/weaverd/patch"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// Handlers serves the daemon's HTTP API.
type Handlers struct {
	daemon  *Daemon
	started time.Time
}

// NewHandlers creates handlers over d.
func NewHandlers(d *Daemon) *Handlers {
	return &Handlers{daemon: d, started: time.Now()}
}

// StatusForResult maps a transaction outcome to an HTTP status.
//
//	committed                      200
//	rejected_syntactic             422
//	rejected_semantic              422
//	rejected_precondition          422
//	rejected_backend_unavailable   503
//	rejected_io                    409
//	internal_error                 500
func StatusForResult(kind transaction.ResultKind) int {
	switch kind {
	case transaction.ResultCommitted:
		return http.StatusOK
	case transaction.ResultRejectedSyntactic, transaction.ResultRejectedSemantic,
		transaction.ResultRejectedPrecondition:
		return http.StatusUnprocessableEntity
	case transaction.ResultRejectedBackendUnavailable:
		return http.StatusServiceUnavailable
	case transaction.ResultRejectedIO:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// statusForPatchError maps patch failures: unreadable patch text is a
// bad request, a patch that does not fit the workspace is unprocessable.
func statusForPatchError(e *patch.Error) int {
	switch e.Kind {
	case patch.KindFileNotFound, patch.KindFileExists, patch.KindDeleteMissing,
		patch.KindSearchNotFound, patch.KindHunkMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// HandleSubmit handles POST /v1/transactions.
//
// Description:
//
//	Runs one edit set through the syntactic and semantic gates and
//	commits it only if both pass.
//
// Request Body:
//
//	TransactionRequest
//
// Response:
//
//	200 OK: transaction.Result (committed)
//	400 Bad Request: Malformed or invalid body
//	409/422/500/503: transaction.Result (rejected, see StatusForResult)
func (h *Handlers) HandleSubmit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSubmit")

	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(bodyErrorStatus(err), ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Request validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Request validation failed",
			Code:    "VALIDATION_FAILED",
			Details: err.Error(),
		})
		return
	}

	set := req.EditSet()
	logger.Info("Submitting transaction", "tx_id", set.ID, "files", len(set.Edits))
	result := h.daemon.Submit(c.Request.Context(), set)
	c.JSON(StatusForResult(result.Kind), result)
}

// HandlePatch handles POST /v1/patches.
//
// Description:
//
//	Parses a search/replace or unified patch against the current
//	workspace and submits the resulting edit set.
//
// Request Body:
//
//	PatchRequest
//
// Response:
//
//	200 OK: transaction.Result (committed)
//	400 Bad Request: Invalid body or unreadable patch (PatchErrorResponse)
//	422 Unprocessable Entity: Patch does not apply, or a gate rejected it
//	409/500/503: transaction.Result (rejected)
func (h *Handlers) HandlePatch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePatch")

	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(bodyErrorStatus(err), ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Request validation failed",
			Code:    "VALIDATION_FAILED",
			Details: err.Error(),
		})
		return
	}
	format, err := patch.ParseFormat(req.Format)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_FORMAT"})
		return
	}

	result, err := h.daemon.ApplyPatch(c.Request.Context(), req.Patch, format)
	if err != nil {
		var pe *patch.Error
		if errors.As(err, &pe) {
			logger.Info("Patch rejected before submission", "kind", pe.Kind, "path", pe.Path)
			c.JSON(statusForPatchError(pe), newPatchErrorResponse(pe))
			return
		}
		logger.Error("Patch failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "PATCH_FAILED"})
		return
	}
	c.JSON(StatusForResult(result.Kind), result)
}

// HandleListTransactions handles GET /v1/transactions.
//
// Query Parameters:
//
//	limit: Maximum number of records, newest first (default 50, max 1000)
//
// Response:
//
//	200 OK: HistoryResponse
//	400 Bad Request: Invalid limit
//	503 Service Unavailable: Journal disabled
func (h *Handlers) HandleListTransactions(c *gin.Context) {
	limit := DefaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  "INVALID_LIMIT",
			})
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	records, err := h.daemon.History(c.Request.Context(), limit)
	if err != nil {
		h.journalError(c, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Transactions: records, Count: len(records)})
}

// HandleGetTransaction handles GET /v1/transactions/:id.
//
// Response:
//
//	200 OK: journal.Record
//	404 Not Found: Unknown transaction
//	503 Service Unavailable: Journal disabled
func (h *Handlers) HandleGetTransaction(c *gin.Context) {
	rec, err := h.daemon.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.journalError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) journalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJournalDisabled):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "JOURNAL_DISABLED"})
	case errors.Is(err, journal.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	default:
		slog.Error("Journal lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "JOURNAL_FAILED"})
	}
}

// HandleSessions handles GET /v1/sessions.
func (h *Handlers) HandleSessions(c *gin.Context) {
	pool := h.daemon.Pool()
	c.JSON(http.StatusOK, SessionsResponse{
		Sessions:      pool.Sessions(),
		Languages:     pool.Registry().Languages(),
		OpenDocuments: pool.OpenDocuments(),
	})
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	coord := h.daemon.Coordinator()
	held := coord.HeldPaths()
	if held == nil {
		held = []string{}
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		Root:         h.daemon.Root(),
		Uptime:       time.Since(h.started).Round(time.Second).String(),
		Journal:      h.daemon.journal != nil,
		Sessions:     len(h.daemon.Pool().Sessions()),
		Subscribers:  h.daemon.Events().Subscribers(),
		LiveOverlays: coord.LiveOverlays(),
		HeldPaths:    held,
		Time:         time.Now().UTC(),
	})
}

// bodyErrorStatus distinguishes oversized bodies from malformed ones.
func bodyErrorStatus(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
