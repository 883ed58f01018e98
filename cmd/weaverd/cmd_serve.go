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
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/weaver/services/weaverd"
)

// runServe runs the HTTP server until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	srv := weaverd.NewServer(env.daemon)
	slog.Info("weaverd starting",
		slog.String("version", Version),
		slog.String("addr", env.cfg.Server.Addr),
		slog.String("root", env.daemon.Root()))
	return srv.Run(ctx)
}

// contextOrBackground guards cobra commands executed without a context.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
