// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval grades assistant responses off the user-facing path.
//
// # Description
//
// The pipeline is Publisher -> Queue -> Consumer -> Judge -> Store:
//
//   - Publisher accepts EvalEvents without ever blocking the caller and
//     drops them when the queue cannot keep up.
//   - Queue is an ordered, at-least-once transport (BadgerQueue locally,
//     HTTPQueue against the eval server).
//   - Consumer drains the queue, asks the Judge for a Verdict, and hands
//     the resulting EvalResult to a Store.
//
// Duplicate delivery is possible and produces duplicate results.
package eval

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.assist.eval")

// DefaultChannel is the queue channel used when none is configured.
const DefaultChannel = "agent_evals"

// Status is the judge's pass/fail verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// EvalEvent is one execution record produced by the dispatcher.
//
// Events are immutable once published.
type EvalEvent struct {
	// ID is assigned at publish time. It is informational only; the
	// pipeline does not deduplicate on it.
	ID        string         `json:"id"`
	AgentName string         `json:"agent_name"`
	Category  string         `json:"category"`
	Query     string         `json:"query"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Verdict is the structured output of a Judge.
type Verdict struct {
	Status        Status  `json:"status"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
	Improvement   string  `json:"improvement"`
}

// EvalResult is a persisted grading record.
type EvalResult struct {
	ID              string         `json:"id"`
	TestName        string         `json:"test_name" validate:"required"`
	AgentName       string         `json:"agent_name" validate:"required"`
	Category        string         `json:"category" validate:"required"`
	Status          Status         `json:"status" validate:"required,oneof=pass fail"`
	Score           float64        `json:"score" validate:"min=0,max=1"`
	Justification   string         `json:"justification"`
	Improvement     string         `json:"improvement"`
	UserInput       string         `json:"user_input"`
	AgentOutput     string         `json:"agent_output"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms" validate:"gte=0"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	EventID         string         `json:"event_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewResult combines an event and its verdict into a record ready to
// persist. ID and CreatedAt are left for the store to assign.
func NewResult(ev EvalEvent, v Verdict, elapsed time.Duration) EvalResult {
	return EvalResult{
		TestName:        TestName(ev),
		AgentName:       ev.AgentName,
		Category:        ev.Category,
		Status:          v.Status,
		Score:           v.Score,
		Justification:   v.Justification,
		Improvement:     v.Improvement,
		UserInput:       ev.Query,
		AgentOutput:     ev.Response,
		ExecutionTimeMS: elapsed.Milliseconds(),
		Metadata:        ev.Metadata,
		EventID:         ev.ID,
	}
}

// TestName returns "<agent>_<category>_<unix seconds>".
func TestName(ev EvalEvent) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s_%s_%d", ev.AgentName, ev.Category, ts.Unix())
}

// ResultFilter narrows a List query. Zero values mean "any".
type ResultFilter struct {
	Category string
	Status   Status
	Limit    int
}

// CategoryStats aggregates results for one category.
type CategoryStats struct {
	Count        int     `json:"count"`
	AverageScore float64 `json:"avg_score"`
}

// Stats aggregates every stored result.
type Stats struct {
	TotalResults int                      `json:"total_results"`
	ByStatus     map[string]int           `json:"by_status"`
	ByCategory   map[string]CategoryStats `json:"by_category"`
	AverageScore float64                  `json:"average_score"`
}
