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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// METRICS DEFINITIONS
// =============================================================================

var meter = otel.Meter("aleutian.weaver.transaction")

// Metrics for transaction operations.
var (
	transactionTotal    metric.Int64Counter
	transactionDuration metric.Float64Histogram
	phaseDuration       metric.Float64Histogram
	filesPerTransaction metric.Int64Histogram
	activeGauge         metric.Int64UpDownCounter
	partialCommitTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled enables or disables metric recording.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes transaction metrics.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		transactionTotal, err = meter.Int64Counter(
			"weaver_transaction_total",
			metric.WithDescription("Total number of transactions by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"weaver_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		phaseDuration, err = meter.Float64Histogram(
			"weaver_transaction_phase_duration_seconds",
			metric.WithDescription("Duration of each transaction phase in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesPerTransaction, err = meter.Int64Histogram(
			"weaver_transaction_files",
			metric.WithDescription("Number of files named per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"weaver_transaction_active",
			metric.WithDescription("Number of transactions in progress"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		partialCommitTotal, err = meter.Int64Counter(
			"weaver_commit_partial_total",
			metric.WithDescription("Commit phase failures by restore outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// =============================================================================
// RECORDING FUNCTIONS
// =============================================================================

// recordResult records the terminal result of a transaction.
func recordResult(ctx context.Context, r Result) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("result", string(r.Kind)),
		attribute.String("source", string(r.Source)),
	)
	transactionTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(
		attribute.String("result", string(r.Kind)),
	))
	filesPerTransaction.Record(ctx, int64(len(r.Files)))
}

// recordPhase records how long one state took.
func recordPhase(ctx context.Context, phase State, duration time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	phaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("phase", string(phase)),
	))
}

// recordPartialCommit records a commit-phase failure.
func recordPartialCommit(ctx context.Context, restored bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	outcome := "restored"
	if !restored {
		outcome = "restore_failed"
	}
	partialCommitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// incActive increments the active transaction gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the active transaction gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
