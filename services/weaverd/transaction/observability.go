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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// transactionTracerName is the OpenTelemetry tracer name.
const transactionTracerName = "aleutian.weaver.transaction"

// Tracer provides tracing for the Coordinator.
//
// # Description
//
// One span covers a whole transaction; each verification phase gets a
// child span and each state change a "state_transition" event on the
// transaction span. When disabled every Start returns a no-op span.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a transaction tracer.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(transactionTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartSubmit starts the span for one transaction.
func (t *Tracer) StartSubmit(ctx context.Context, set EditSet) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "transaction.submit",
		trace.WithAttributes(
			attribute.String("tx.id", set.ID),
			attribute.String("tx.source", string(set.Source)),
			attribute.Int("tx.files_count", len(set.Edits)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "transaction received",
		slog.String("tx_id", set.ID),
		slog.String("source", string(set.Source)),
		slog.Int("files", len(set.Edits)),
	)

	return ctx, span
}

// EndSubmit completes the transaction span with the result.
func (t *Tracer) EndSubmit(span trace.Span, r Result) {
	if span == nil {
		return
	}
	defer span.End()

	span.SetAttributes(
		attribute.String("tx.result", string(r.Kind)),
		attribute.String("tx.phase", string(r.Phase)),
		attribute.Int64("tx.duration_ms", r.Duration.Milliseconds()),
		attribute.Int("tx.files_written", len(r.Written)),
		attribute.Int("tx.files_deleted", len(r.Deleted)),
	)
	switch r.Kind {
	case ResultCommitted:
		span.SetStatus(codes.Ok, "")
	case ResultInternalError:
		span.SetStatus(codes.Error, truncateForTrace(r.Message, 200))
	default:
		span.SetStatus(codes.Ok, string(r.Kind))
	}
}

// StartPhase starts a child span for one verification or commit phase.
func (t *Tracer) StartPhase(ctx context.Context, txID, phase string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "transaction."+phase,
		trace.WithAttributes(
			attribute.String("tx.id", txID),
		),
	)
}

// EndPhase completes a phase span.
func (t *Tracer) EndPhase(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
}

// RecordStateTransition records a state change as a span event.
func (t *Tracer) RecordStateTransition(ctx context.Context, txID string, from, to State, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("state_transition",
			trace.WithAttributes(
				attribute.String("tx.id", txID),
				attribute.String("tx.from_state", string(from)),
				attribute.String("tx.to_state", string(to)),
				attribute.Int64("tx.duration_in_state_ms", duration.Milliseconds()),
			),
		)
	}

	t.logger.DebugContext(ctx, "transaction state transition",
		slog.String("tx_id", txID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Duration("duration", duration),
	)
}

// truncateForTrace truncates a string for span attributes.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger enriched with trace context.
//
// # Inputs
//
//   - ctx: Context containing the active span.
//   - logger: Base logger.
//
// # Outputs
//
//   - *slog.Logger: Logger with trace_id and span_id when a span is
//     active, otherwise logger unchanged.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
