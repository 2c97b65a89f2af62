// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evalstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/eval"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "evals.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stepClock hands out strictly increasing times.
func stepClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		next = next.Add(time.Second)
		return next
	}
}

func sampleResult(category string, status eval.Status, score float64) eval.EvalResult {
	return eval.EvalResult{
		TestName:        "agent_" + category + "_1700000000",
		AgentName:       category + "_agent",
		Category:        category,
		Status:          status,
		Score:           score,
		Justification:   "because",
		UserInput:       "query",
		AgentOutput:     "answer",
		ExecutionTimeMS: 42,
		Metadata:        map[string]any{"iterations": float64(2)},
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sampleResult("mail", eval.StatusPass, 1)
	created, err := s.CreateRecord(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(created, got, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
		t.Errorf("round trip mismatch (-created +got):\n%s", diff)
	}

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := sampleResult("mail", "maybe", 0.5)
	_, err := s.CreateRecord(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidRecord)
	require.ErrorIs(t, err, eval.ErrPermanent)

	bad = sampleResult("mail", eval.StatusPass, 1.5)
	_, err = s.CreateRecord(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidRecord)

	bad = sampleResult("", eval.StatusPass, 1)
	_, err = s.CreateRecord(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestSQLiteStore_ListFiltersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	s.now = stepClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, r := range []eval.EvalResult{
		sampleResult("mail", eval.StatusPass, 1),
		sampleResult("calendar", eval.StatusFail, 0),
		sampleResult("mail", eval.StatusFail, 0.2),
		sampleResult("mail", eval.StatusPass, 0.9),
	} {
		_, err := s.CreateRecord(ctx, r)
		require.NoError(t, err)
	}

	mail, err := s.List(ctx, eval.ResultFilter{Category: "mail"})
	require.NoError(t, err)
	require.Len(t, mail, 3)
	assert.Equal(t, 0.9, mail[0].Score, "newest first")
	assert.Equal(t, 1.0, mail[2].Score)

	passed, err := s.List(ctx, eval.ResultFilter{Category: "mail", Status: eval.StatusPass, Limit: 1})
	require.NoError(t, err)
	require.Len(t, passed, 1)
	assert.Equal(t, 0.9, passed[0].Score)

	none, err := s.List(ctx, eval.ResultFilter{Category: "resume"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalResults)
	assert.Zero(t, empty.AverageScore)

	for _, r := range []eval.EvalResult{
		sampleResult("mail", eval.StatusPass, 1),
		sampleResult("mail", eval.StatusFail, 0),
		sampleResult("calendar", eval.StatusPass, 0.5),
	} {
		_, err := s.CreateRecord(ctx, r)
		require.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalResults)
	assert.InDelta(t, 0.5, st.AverageScore, 1e-9)
	assert.Equal(t, map[string]int{"pass": 2, "fail": 1}, st.ByStatus)
	assert.Equal(t, eval.CategoryStats{Count: 2, AverageScore: 0.5}, st.ByCategory["mail"])
	assert.Equal(t, eval.CategoryStats{Count: 1, AverageScore: 0.5}, st.ByCategory["calendar"])
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "evals.db")
	ctx := context.Background()

	s, err := Open(ctx, path, quietLogger())
	require.NoError(t, err)
	created, err := s.CreateRecord(ctx, sampleResult("mail", eval.StatusPass, 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, quietLogger())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(ctx, created.ID)
	require.NoError(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, 5, ClampLimit(5))
	assert.Equal(t, MaxListLimit, ClampLimit(5000))
}
