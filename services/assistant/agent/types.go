// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent answers user queries.
//
// # Description
//
// The Dispatcher walks one query through REWRITE, ROUTE and DISPATCH, then
// hands it to either the MasterAgent (tool-calling loop against the tool
// server pool) or the GenerativeAgent (one model call, no tools). Every
// query ends in RESPONDED with a non-empty answer, whatever fails on the
// way. Each answered query is published for asynchronous grading.
package agent

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.assist.agent")

// DispatchState is a state of the per-query state machine.
type DispatchState string

const (
	// StateRewrite normalizes the raw query against history.
	StateRewrite DispatchState = "REWRITE"

	// StateRoute classifies the rewritten query.
	StateRoute DispatchState = "ROUTE"

	// StateDispatch selects the handler for the category.
	StateDispatch DispatchState = "DISPATCH"

	// StateMasterLoop runs the tool-calling loop.
	StateMasterLoop DispatchState = "MASTER_LOOP"

	// StateGenerative runs a single tool-free model call.
	StateGenerative DispatchState = "GENERATIVE"

	// StateResponded is terminal; the response is set.
	StateResponded DispatchState = "RESPONDED"
)

// String returns the string representation of the state.
func (s DispatchState) String() string {
	return string(s)
}

// IsTerminal returns true for RESPONDED.
func (s DispatchState) IsTerminal() bool {
	return s == StateResponded
}

// AllStates returns all states in pipeline order.
func AllStates() []DispatchState {
	return []DispatchState{
		StateRewrite,
		StateRoute,
		StateDispatch,
		StateMasterLoop,
		StateGenerative,
		StateResponded,
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   DispatchState `json:"from"`
	To     DispatchState `json:"to"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}

// Task is the input a Handler works on.
type Task struct {
	Category router.Category

	// Query is the rewritten, self-contained query.
	Query string

	// Prior is the history as it stood before this query.
	Prior []conversation.Message

	// History receives tool entries as they are produced.
	History *conversation.HistoryManager
}

// Result is a Handler's answer.
type Result struct {
	Response string

	// Degraded marks a best-effort answer (iteration cap, unavailable
	// tools, model failure).
	Degraded bool

	Iterations int
	ToolCalls  int
	ToolErrors int

	// Unavailable lists tool server namespaces that could not be reached.
	Unavailable []string

	// Failure records why the answer is degraded, if it is.
	Failure error
}

// Handler answers a routed Task. Implementations never fail: errors are
// folded into Result.Response and Result.Failure.
type Handler interface {
	Run(ctx context.Context, task Task) Result
}

// Outcome is the Dispatcher's answer for one query.
type Outcome struct {
	Query          string          `json:"query"`
	RewrittenQuery string          `json:"rewritten_query"`
	Category       router.Category `json:"category"`
	Response       string          `json:"response"`
	Degraded       bool            `json:"degraded"`
	Iterations     int             `json:"iterations"`
	ToolCalls      int             `json:"tool_calls"`
	ToolErrors     int             `json:"tool_errors"`
	Unavailable    []string        `json:"unavailable,omitempty"`
	Failure        error           `json:"-"`
	Trace          []Transition    `json:"trace"`
	Duration       time.Duration   `json:"duration"`
	Published      bool            `json:"published"`
}

// FinalState returns the last state in the trace.
func (o Outcome) FinalState() DispatchState {
	if len(o.Trace) == 0 {
		return StateRewrite
	}
	return o.Trace[len(o.Trace)-1].To
}
