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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for analysis sessions.
var (
	tracer = otel.Tracer("aleutian.weaver.lsp")
	meter  = otel.Meter("aleutian.weaver.lsp")
)

var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	serverSpawns     metric.Int64Counter
	sessionsReady    metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"weaver_lsp_operation_duration_seconds",
			metric.WithDescription("Duration of analysis session operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"weaver_lsp_operation_total",
			metric.WithDescription("Total analysis session operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		serverSpawns, err = meter.Int64Counter(
			"weaver_lsp_server_spawns_total",
			metric.WithDescription("Total language server spawns"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionsReady, err = meter.Int64UpDownCounter(
			"weaver_lsp_sessions_ready",
			metric.WithDescription("Language server sessions currently ready"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startOperationSpan creates a span for a session operation.
func startOperationSpan(ctx context.Context, operation, language, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lsp."+operation,
		trace.WithAttributes(
			attribute.String("lsp.operation", operation),
			attribute.String("lsp.language", language),
			attribute.String("lsp.file_path", path),
		),
	)
}

// endOperationSpan records err on span and ends it.
func endOperationSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// recordOperation records latency and outcome of one operation.
func recordOperation(ctx context.Context, operation, language string, duration time.Duration, err error) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("language", language),
		attribute.String("status", status),
	)
	operationLatency.Record(ctx, duration.Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
}

// recordServerSpawn records a spawn attempt.
func recordServerSpawn(ctx context.Context, language string, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("status", status),
	))
}

// addReady adjusts the ready-sessions gauge.
func addReady(ctx context.Context, language string, delta int64) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	sessionsReady.Add(ctx, delta, metric.WithAttributes(attribute.String("language", language)))
}
