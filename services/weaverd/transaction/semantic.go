// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/lsp"
	"github.com/AleutianAI/weaver/services/weaverd/overlay"
)

// languageOutcome is the semantic verdict for one language.
type languageOutcome struct {
	language string
	report   diagnostics.Report
	backend  *lsp.BackendError
	panicked interface{}
}

// checkSemantics runs the semantic gate for every language in the
// transaction that has a backend.
//
// # Description
//
// Languages are analyzed concurrently, each under its session lock. Every
// language runs to completion so the reported failure does not depend on
// scheduling: the first backend failure in language order wins, otherwise
// regressions from all languages are combined.
func (c *Coordinator) checkSemantics(ctx context.Context, r *run, store *overlay.Store, targets []*target) (Result, bool) {
	if c.sessions == nil {
		return Result{}, true
	}
	groups := make(map[string][]*target)
	for _, t := range targets {
		if t.op == OpDelete || t.language == "" {
			continue
		}
		if !c.sessions.HasBackend(t.language) {
			continue
		}
		groups[t.language] = append(groups[t.language], t)
	}
	if len(groups) == 0 {
		return Result{}, true
	}

	ctx, span := c.tracer.StartPhase(ctx, r.set.ID, "semantic")
	langs := sortedKeys(groups)
	outcomes := make([]languageOutcome, len(langs))

	var g errgroup.Group
	for i, lang := range langs {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					outcomes[i].panicked = rec
				}
			}()
			outcomes[i] = c.checkLanguage(ctx, r, store, lang, groups[lang])
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.panicked != nil {
			c.tracer.EndPhase(span, fmt.Errorf("panic: %v", o.panicked))
			panic(o.panicked)
		}
	}
	if err := ctx.Err(); err != nil {
		c.tracer.EndPhase(span, err)
		return r.cancelled(ctx, err), false
	}
	for _, o := range outcomes {
		if o.backend == nil {
			continue
		}
		c.tracer.EndPhase(span, o.backend)
		r.res.Backend = &BackendFailure{
			Language: o.language,
			Kind:     string(o.backend.Kind),
			Reason:   o.backend.Detail,
		}
		r.logger.Warn("analysis backend unavailable",
			slog.String("language", o.language),
			slog.String("kind", string(o.backend.Kind)),
			slog.String("error", o.backend.Error()),
		)
		return r.reject(ctx, ResultRejectedBackendUnavailable, PhaseBackend, o.backend.Error()), false
	}

	var regressions []diagnostics.Diagnostic
	for _, o := range outcomes {
		regressions = append(regressions, o.report.New...)
	}
	c.tracer.EndPhase(span, nil)
	if len(regressions) == 0 {
		return Result{}, true
	}

	rel := make(map[string]string, len(targets))
	for _, t := range targets {
		rel[t.abs] = t.rel
	}
	r.res.Regressions = sortedRegressions(regressions, rel)
	lines := make([]string, len(r.res.Regressions))
	for i, d := range r.res.Regressions {
		lines[i] = d.String()
	}
	r.logger.Info("semantic check found new diagnostics",
		slog.Int("count", len(regressions)),
		slog.String("first", lines[0]),
	)
	return r.reject(ctx, ResultRejectedSemantic, PhaseSemantic,
		fmt.Sprintf("%d new diagnostic(s):\n%s", len(lines), strings.Join(lines, "\n"))), false
}

// checkLanguage analyzes one language's files under its session lock.
func (c *Coordinator) checkLanguage(ctx context.Context, r *run, store *overlay.Store, lang string, targets []*target) languageOutcome {
	out := languageOutcome{language: lang}
	err := c.sessions.WithSession(ctx, lang, func(ctx context.Context, s lsp.Session) error {
		report, err := c.analyze(ctx, r, s, store, lang, targets)
		out.report = report
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, lsp.ErrNoBackend):
		r.logger.Debug("backend removed during transaction, skipping semantic check",
			slog.String("language", lang))
	case ctx.Err() != nil:
		// Reported as a cancellation by the caller.
	default:
		out.backend = lsp.AsBackendError(lang, "semantic check", err)
	}
	return out
}

// analyze captures baseline diagnostics from on-disk content, applies the
// overlays, and diffs the post-edit diagnostics against the baseline.
//
// # Description
//
//  1. Existing files are opened with their original content and their
//     baselines pulled. Created files have an empty baseline.
//  2. Existing files are updated to overlay content; created files are
//     opened with it.
//  3. Post-edit diagnostics are pulled for every file.
//
// Every document opened here is closed before returning, whatever the
// outcome, so the backend reverts to the on-disk view.
func (c *Coordinator) analyze(ctx context.Context, r *run, s lsp.Session, store *overlay.Store, lang string, targets []*target) (diagnostics.Report, error) {
	var opened []*target
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CloseTimeout)
		defer cancel()
		for i := len(opened) - 1; i >= 0; i-- {
			t := opened[i]
			if err := s.CloseDocument(closeCtx, t.abs); err != nil {
				r.logger.Warn("failed to close document",
					slog.String("path", t.rel),
					slog.String("language", lang),
					slog.String("error", err.Error()),
				)
			}
			store.MarkOpened(t.abs, false)
		}
	}()

	baseline := diagnostics.NewSnapshot(0)
	post := diagnostics.NewSnapshot(0)
	scope := make([]string, 0, len(targets))

	for _, t := range targets {
		scope = append(scope, t.abs)
		if !t.existed {
			baseline.Set(t.abs, nil)
			continue
		}
		if err := s.OpenDocument(ctx, t.abs, t.original); err != nil {
			return diagnostics.Report{}, lsp.AsBackendError(lang, "open "+t.rel, err)
		}
		opened = append(opened, t)
		store.MarkOpened(t.abs, true)
	}
	for _, t := range targets {
		if !t.existed {
			continue
		}
		snap, err := s.Diagnostics(ctx, t.abs)
		if err != nil {
			return diagnostics.Report{}, lsp.AsBackendError(lang, "baseline diagnostics for "+t.rel, err)
		}
		baseline.Merge(snap)
	}

	for _, t := range targets {
		content, _ := store.Get(t.abs)
		if t.existed {
			if err := s.UpdateDocument(ctx, t.abs, content); err != nil {
				return diagnostics.Report{}, lsp.AsBackendError(lang, "update "+t.rel, err)
			}
			continue
		}
		if err := s.OpenDocument(ctx, t.abs, content); err != nil {
			return diagnostics.Report{}, lsp.AsBackendError(lang, "open "+t.rel, err)
		}
		opened = append(opened, t)
		store.MarkOpened(t.abs, true)
	}
	for _, t := range targets {
		snap, err := s.Diagnostics(ctx, t.abs)
		if err != nil {
			return diagnostics.Report{}, lsp.AsBackendError(lang, "diagnostics for "+t.rel, err)
		}
		post.Merge(snap)
	}

	return c.differ.Diff(scope, baseline, post), nil
}
