// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcptools exposes the edit harness to agents as MCP tools over
// stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AleutianAI/weaver/services/weaverd/journal"
	"github.com/AleutianAI/weaver/services/weaverd/patch"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// Harness is what the tools need from the daemon. *weaverd.Daemon
// implements it.
type Harness interface {
	ApplyPatch(ctx context.Context, text string, format patch.Format) (transaction.Result, error)
	Transaction(ctx context.Context, id string) (journal.Record, error)
	History(ctx context.Context, limit int) ([]journal.Record, error)
}

const instructions = `weaverd applies file edits transactionally. apply_patch writes a
patch to disk only if every edited file still parses and no new
diagnostics appear; otherwise nothing is written and the result explains
why. Use get_transaction or list_transactions to review past outcomes.`

// NewServer builds the MCP server with every tool registered.
func NewServer(h Harness, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"weaverd",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	apply := NewApplyPatchTool(h)
	s.AddTool(apply.Definition(), apply.Handle)

	get := NewGetTransactionTool(h)
	s.AddTool(get.Definition(), get.Handle)

	list := NewListTransactionsTool(h)
	s.AddTool(list.Definition(), list.Handle)

	return s
}

// Serve runs the server on stdin/stdout until the stream closes.
func Serve(h Harness, version string) error {
	return server.ServeStdio(NewServer(h, version))
}

// =============================================================================
// apply_patch
// =============================================================================

// ApplyPatchTool handles the apply_patch MCP tool.
type ApplyPatchTool struct {
	harness Harness
}

// NewApplyPatchTool creates an ApplyPatchTool.
func NewApplyPatchTool(h Harness) *ApplyPatchTool {
	return &ApplyPatchTool{harness: h}
}

// Definition returns the MCP tool definition for apply_patch.
func (t *ApplyPatchTool) Definition() mcp.Tool {
	return mcp.NewTool("apply_patch",
		mcp.WithDescription(
			"Apply a patch to the workspace as one transaction. Accepts git-style "+
				"SEARCH/REPLACE blocks (diff --git headers) or a unified diff. The patch "+
				"is committed only if every file parses and no new diagnostics appear.",
		),
		mcp.WithString("patch",
			mcp.Required(),
			mcp.Description("The patch text"),
		),
		mcp.WithString("format",
			mcp.Description("auto (default), search_replace or unified"),
			mcp.Enum("auto", "search_replace", "unified"),
		),
	)
}

// Handle processes the apply_patch tool call. Rejections are returned
// as error results carrying the full transaction result.
func (t *ApplyPatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("patch", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'patch' is required"), nil
	}
	format, err := patch.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.harness.ApplyPatch(ctx, text, format)
	if err != nil {
		var pe *patch.Error
		if errors.As(err, &pe) {
			return mcp.NewToolResultError("patch not applied: " + pe.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("apply failed: %v", err)), nil
	}
	return resultJSON(res.Summary(), res, !res.Committed())
}

// =============================================================================
// get_transaction
// =============================================================================

// GetTransactionTool handles the get_transaction MCP tool.
type GetTransactionTool struct {
	harness Harness
}

// NewGetTransactionTool creates a GetTransactionTool.
func NewGetTransactionTool(h Harness) *GetTransactionTool {
	return &GetTransactionTool{harness: h}
}

// Definition returns the MCP tool definition for get_transaction.
func (t *GetTransactionTool) Definition() mcp.Tool {
	return mcp.NewTool("get_transaction",
		mcp.WithDescription("Get the recorded outcome of a transaction by ID."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Transaction ID returned by apply_patch"),
		),
	)
}

// Handle processes the get_transaction tool call.
func (t *GetTransactionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("id", ""))
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	rec, err := t.harness.Transaction(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no transaction %q", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	return resultJSON(rec.Message, rec, false)
}

// =============================================================================
// list_transactions
// =============================================================================

// ListTransactionsTool handles the list_transactions MCP tool.
type ListTransactionsTool struct {
	harness Harness
}

// NewListTransactionsTool creates a ListTransactionsTool.
func NewListTransactionsTool(h Harness) *ListTransactionsTool {
	return &ListTransactionsTool{harness: h}
}

// Definition returns the MCP tool definition for list_transactions.
func (t *ListTransactionsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_transactions",
		mcp.WithDescription("List recent transactions, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Number of transactions to return (default: 10)"),
		),
	)
}

// Handle processes the list_transactions tool call.
func (t *ListTransactionsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	if limit < 1 {
		return mcp.NewToolResultError("'limit' must be > 0"), nil
	}
	recs, err := t.harness.History(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history failed: %v", err)), nil
	}

	var b strings.Builder
	if len(recs) == 0 {
		b.WriteString("No transactions recorded yet.")
	}
	for _, r := range recs {
		fmt.Fprintf(&b, "%s  %-28s %s  %s\n",
			r.StartedAt.Format("2006-01-02T15:04:05"), r.Result, r.ID, strings.Join(r.Files, ","))
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// resultJSON renders v after a one-line headline.
func resultJSON(headline string, v interface{}, isError bool) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	res := mcp.NewToolResultText(headline + "\n\n" + string(body))
	res.IsError = isError
	return res, nil
}
