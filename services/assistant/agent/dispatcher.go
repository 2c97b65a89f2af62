// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Rewriter router.Rewriter
	Router   router.Router

	// Tools serves categories that require tools.
	Tools Handler

	// Generative serves every other category, including the fallback.
	Generative Handler

	// Publisher receives one EvalEvent per answered query. Nil disables
	// publishing.
	Publisher eval.Publisher

	// ApologyResponse is the last-resort answer when a handler comes back
	// empty or panics.
	ApologyResponse string

	Metrics *observability.AssistantMetrics
	Logger  *slog.Logger
}

// Dispatcher sequences one query through rewrite, route, and the
// category's handler.
//
// # Description
//
// Handle never fails. Rewriter and Router degrade internally to the raw
// query and the fallback category, and a panic in either takes the same
// fallback. Handlers fold their errors into their Result; a panicking
// handler is recovered into the apology text. The query always reaches
// RESPONDED with a non-empty response.
//
// # Thread Safety
//
// A Dispatcher may serve several sessions concurrently, but each
// conversation.State must only have one query in flight.
type Dispatcher struct {
	cfg     DispatcherConfig
	machine *StateMachine
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Publisher == nil {
		cfg.Publisher = eval.NopPublisher{}
	}
	if cfg.ApologyResponse == "" {
		cfg.ApologyResponse = DefaultApologyResponse
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		machine: NewStateMachine(),
		logger:  cfg.Logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle answers query against state.
//
// # Description
//
//  1. REWRITE: the raw query is rewritten against the prior history, and
//     the user entry is pushed.
//  2. ROUTE: the rewritten query is classified.
//  3. DISPATCH: MASTER_LOOP for tool categories, GENERATIVE otherwise.
//  4. RESPONDED: the response is stored on state, pushed to history, and
//     published for evaluation without waiting on the queue.
//
// # Inputs
//
//   - ctx: Parent context. Every model and tool call below applies its own
//     timeout on top of it.
//   - state: Session state. Must not be shared with another in-flight call.
//   - query: Raw user input.
//
// # Outputs
//
//   - Outcome: Final answer plus the state trace and loop counters.
func (d *Dispatcher) Handle(ctx context.Context, state *conversation.State, query string) Outcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Dispatcher.Handle")
	defer span.End()

	run := newTracker(d.machine)
	out := Outcome{Query: query}

	state.BeginQuery(query)
	prior := state.History.Snapshot()
	state.History.Push(conversation.RoleUser, query)

	// REWRITE
	rewritten := strings.TrimSpace(d.rewrite(ctx, query, prior))
	if rewritten == "" {
		rewritten = strings.TrimSpace(query)
	}
	state.SetRewrittenQuery(rewritten)
	out.RewrittenQuery = rewritten
	d.advance(run, StateRoute)

	// ROUTE
	category := d.route(ctx, rewritten)
	state.SetCategory(category.String())
	out.Category = category
	span.SetAttributes(attribute.String("assist.category", category.String()))
	d.advance(run, StateDispatch)

	// DISPATCH
	handler, next := d.cfg.Generative, StateGenerative
	if category.RequiresTools() {
		handler, next = d.cfg.Tools, StateMasterLoop
	}
	d.advance(run, next)

	res := d.runHandler(ctx, handler, Task{
		Category: category,
		Query:    rewritten,
		Prior:    prior,
		History:  state.History,
	})

	response := strings.TrimSpace(res.Response)
	if response == "" {
		response = d.cfg.ApologyResponse
		res.Degraded = true
		if res.Failure == nil {
			res.Failure = ErrEmptyAnswer
		}
	}
	d.advance(run, StateResponded)

	// RESPONDED
	state.SetResponse(response, res.Degraded)
	state.History.Push(conversation.RoleAssistant, response)

	out.Response = response
	out.Degraded = res.Degraded
	out.Iterations = res.Iterations
	out.ToolCalls = res.ToolCalls
	out.ToolErrors = res.ToolErrors
	out.Unavailable = res.Unavailable
	out.Failure = res.Failure
	out.Trace = run.trace
	out.Duration = time.Since(start)
	out.Published = d.publish(out, run)

	d.cfg.Metrics.RecordDispatch(category.String(), out.Degraded, out.Duration.Seconds())
	span.SetAttributes(
		attribute.Bool("assist.degraded", out.Degraded),
		attribute.Int("assist.tool_calls", out.ToolCalls),
	)
	if out.Failure != nil {
		span.SetStatus(codes.Error, out.Failure.Error())
	}
	d.logger.Info("query answered",
		slog.String("category", category.String()),
		slog.Bool("degraded", out.Degraded),
		slog.Int("iterations", out.Iterations),
		slog.Int("tool_calls", out.ToolCalls),
		slog.Duration("duration", out.Duration))
	return out
}

// advance records a transition. An invalid transition is a programming
// error; it is logged and the query falls through to RESPONDED.
func (d *Dispatcher) advance(run *tracker, to DispatchState) {
	if err := run.advance(to); err != nil {
		d.logger.Error("dispatch state machine violation", slog.String("error", err.Error()))
		if !run.current.IsTerminal() {
			_ = run.advance(StateResponded)
		}
	}
}

// rewrite falls back to the raw query when the rewriter panics.
func (d *Dispatcher) rewrite(ctx context.Context, query string, prior []conversation.Message) string {
	rewritten := query
	if r := panics.Try(func() { rewritten = d.cfg.Rewriter.Rewrite(ctx, query, prior) }); r != nil {
		d.logger.Error("rewriter panicked", slog.String("panic", r.String()))
		return query
	}
	return rewritten
}

// route falls back to CategoryNone when the router panics.
func (d *Dispatcher) route(ctx context.Context, query string) router.Category {
	category := router.CategoryNone
	if r := panics.Try(func() { category = d.cfg.Router.Route(ctx, query) }); r != nil {
		d.logger.Error("router panicked", slog.String("panic", r.String()))
		return router.CategoryNone
	}
	return category
}

// publish hands the eval event to the publisher. A panicking publisher
// drops the event.
func (d *Dispatcher) publish(out Outcome, run *tracker) bool {
	var published bool
	if r := panics.Try(func() { published = d.cfg.Publisher.Publish(d.event(out, run)) }); r != nil {
		d.logger.Error("eval publish panicked, event dropped", slog.String("panic", r.String()))
		return false
	}
	return published
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, task Task) Result {
	if h == nil {
		return Result{Failure: fmt.Errorf("no handler for category %q", task.Category)}
	}
	var res Result
	if r := panics.Try(func() { res = h.Run(ctx, task) }); r != nil {
		d.logger.Error("handler panicked",
			slog.String("category", task.Category.String()),
			slog.String("panic", r.String()))
		return Result{Degraded: true, Failure: fmt.Errorf("%w: %v", ErrHandlerPanicked, r.AsError())}
	}
	return res
}

func (d *Dispatcher) event(out Outcome, run *tracker) eval.EvalEvent {
	metadata := map[string]any{
		"rewritten_query":   out.RewrittenQuery,
		"iterations":        out.Iterations,
		"tool_calls":        out.ToolCalls,
		"tool_errors":       out.ToolErrors,
		"degraded":          out.Degraded,
		"execution_time_ms": out.Duration.Milliseconds(),
		"states":            run.states(),
	}
	if len(out.Unavailable) > 0 {
		metadata["unavailable_servers"] = out.Unavailable
	}
	if out.Failure != nil {
		metadata["failure"] = out.Failure.Error()
	}
	return eval.EvalEvent{
		AgentName: out.Category.AgentName(),
		Category:  out.Category.String(),
		Query:     out.Query,
		Response:  out.Response,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}
