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
	"testing"
	"time"
)

func TestRecordResult(t *testing.T) {
	ctx := context.Background()

	t.Run("records committed", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordResult(ctx, Result{Kind: ResultCommitted, Source: SourcePatch, Files: []string{"a.go"}, Duration: time.Second})
	})

	t.Run("records rejection", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordResult(ctx, Result{Kind: ResultRejectedSemantic, Source: SourceAPI, Duration: time.Millisecond})
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		recordResult(ctx, Result{Kind: ResultCommitted})
		SetMetricsEnabled(true) // Restore
	})
}

func TestRecordPhase(t *testing.T) {
	ctx := context.Background()

	t.Run("records phase duration", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordPhase(ctx, StateSyntaxChecked, 20*time.Millisecond)
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		recordPhase(ctx, StateCommitting, time.Millisecond)
		SetMetricsEnabled(true) // Restore
	})
}

func TestRecordPartialCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("records restored", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordPartialCommit(ctx, true)
	})

	t.Run("records restore failure", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordPartialCommit(ctx, false)
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		recordPartialCommit(ctx, true)
		SetMetricsEnabled(true) // Restore
	})
}

func TestIncDecActive(t *testing.T) {
	ctx := context.Background()

	t.Run("increments and decrements", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		incActive(ctx)
		decActive(ctx)
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		incActive(ctx)
		decActive(ctx)
		SetMetricsEnabled(true) // Restore
	})
}

func TestInitMetrics(t *testing.T) {
	t.Run("idempotent initialization", func(t *testing.T) {
		err1 := initMetrics()
		err2 := initMetrics()

		if (err1 == nil) != (err2 == nil) {
			t.Errorf("initMetrics not idempotent: first=%v, second=%v", err1, err2)
		}
	})
}
