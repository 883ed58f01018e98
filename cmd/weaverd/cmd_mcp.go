// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/weaver/services/weaverd/mcptools"
)

// runMCP serves MCP tools on stdin/stdout. Logs go to stderr or the log
// directory only, since stdout carries the protocol.
func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := contextOrBackground(cmd.Context())
	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(); err != nil {
			slog.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := env.daemon.Start(ctx); err != nil {
		return err
	}
	slog.Info("MCP server starting", slog.String("root", env.daemon.Root()))
	return mcptools.Serve(env.daemon, Version)
}
