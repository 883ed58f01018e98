// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/weaver/services/weaverd/diagnostics"
	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func result(id string, kind transaction.ResultKind, started time.Time) transaction.Result {
	return transaction.Result{
		TransactionID: id,
		Source:        transaction.SourcePatch,
		Kind:          kind,
		Files:         []string{"a.go"},
		StartedAt:     started,
		Duration:      25 * time.Millisecond,
	}
}

func TestJournal_RecordAndGet(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	res := result("tx-1", transaction.ResultRejectedSemantic, time.Now())
	res.Phase = transaction.PhaseSemantic
	res.Regressions = []diagnostics.Diagnostic{{
		File: "a.go", Severity: diagnostics.SeverityError, Line: 3, Column: 2, Message: "undefined: y",
	}}

	require.NoError(t, j.Record(ctx, transaction.EditSet{ID: "tx-1"}, res))

	rec, err := j.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", rec.ID)
	assert.Equal(t, transaction.SourcePatch, rec.Source)
	assert.Equal(t, transaction.ResultRejectedSemantic, rec.Result)
	assert.Equal(t, transaction.PhaseSemantic, rec.Phase)
	assert.Equal(t, "1 new diagnostic(s)", rec.Message)
	assert.Equal(t, []string{"a.go"}, rec.Files)
	assert.Equal(t, 25*time.Millisecond, rec.Duration)
	assert.True(t, rec.StartedAt.Equal(res.StartedAt))
	require.Len(t, rec.Detail.Regressions, 1)
	assert.Equal(t, "undefined: y", rec.Detail.Regressions[0].Message)
	assert.Equal(t, diagnostics.SeverityError, rec.Detail.Regressions[0].Severity)
}

func TestJournal_GetUnknown(t *testing.T) {
	j := openMemory(t)
	_, err := j.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournal_RecentNewestFirst(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"first", "second", "third"} {
		res := result(id, transaction.ResultCommitted, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, j.Record(ctx, transaction.EditSet{}, res))
	}

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].ID)
	assert.Equal(t, "second", all[1].ID)
	assert.Equal(t, "first", all[2].ID)

	two, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "third", two[0].ID)
}

func TestJournal_PutReplacesByID(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, j.Put(ctx, Record{ID: "x", Result: transaction.ResultInternalError, StartedAt: base}))
	require.NoError(t, j.Put(ctx, Record{ID: "x", Result: transaction.ResultCommitted, StartedAt: base.Add(time.Second)}))

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, transaction.ResultCommitted, all[0].Result)
}

func TestJournal_Prune(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old-1", "old-2", "new-1"} {
		res := result(id, transaction.ResultCommitted, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, j.Record(ctx, transaction.EditSet{}, res))
	}

	n, err := j.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = j.Get(ctx, "old-1")
	assert.ErrorIs(t, err, ErrNotFound)
	rec, err := j.Get(ctx, "new-1")
	require.NoError(t, err)
	assert.Equal(t, "new-1", rec.ID)
}

func TestJournal_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	cfg.SyncWrites = false

	j, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), transaction.EditSet{},
		result("kept", transaction.ResultCommitted, time.Now())))
	require.NoError(t, j.Close())

	j2, err := Open(cfg)
	require.NoError(t, err)
	defer j2.Close()

	rec, err := j2.Get(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, transaction.ResultCommitted, rec.Result)
}

func TestJournal_Errors(t *testing.T) {
	t.Run("persistent requires path", func(t *testing.T) {
		_, err := Open(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path is required")
	})

	t.Run("empty ID", func(t *testing.T) {
		j := openMemory(t)
		assert.Error(t, j.Put(context.Background(), Record{}))
	})

	t.Run("cancelled context", func(t *testing.T) {
		j := openMemory(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := j.Recent(ctx, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed", func(t *testing.T) {
		j, err := Open(InMemoryConfig())
		require.NoError(t, err)
		require.NoError(t, j.Close())
		require.NoError(t, j.Close())
		_, err = j.Get(context.Background(), "x")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestRecordKeyOrdering(t *testing.T) {
	early := recordKey(time.Unix(9, 0), "b")
	late := recordKey(time.Unix(10, 0), "a")
	assert.Less(t, string(early), string(late))
	assert.Equal(t, "b", idFromKey(early))
}

func TestNewRecord_FallsBackToEditSet(t *testing.T) {
	set := transaction.EditSet{ID: "set-id", Source: transaction.SourceAPI, Edits: []transaction.FileEdit{transaction.Delete("z.go")}}
	rec := NewRecord(set, transaction.Result{Kind: transaction.ResultRejectedPrecondition})
	assert.Equal(t, "set-id", rec.ID)
	assert.Equal(t, transaction.SourceAPI, rec.Source)
	assert.Equal(t, []string{"z.go"}, rec.Files)
}
