// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the user-facing assistant path.
//
// # Description
//
// Prometheus metrics covering:
//   - Dispatch counters and latency by category and outcome
//   - Tool loop iterations
//   - Tool calls by server and outcome
//   - Model token usage
//   - Per-server circuit breaker state
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *AssistantMetrics, so components
// can run without metrics wired.
package observability

import (
	"sync"

	"github.com/AleutianAI/AleutianAssist/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "aleutian_assist"
	assistantSubsystem = "assistant"
)

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeDegraded  = "degraded"
	OutcomeSuccess   = "success"
	OutcomeToolError = "tool_error"
	OutcomeError     = "error"
)

// AssistantMetrics holds the Prometheus collectors for the assistant.
type AssistantMetrics struct {
	// DispatchTotal counts answered queries.
	// Labels: category, outcome (ok, degraded)
	DispatchTotal *prometheus.CounterVec

	// DispatchDurationSeconds measures end-to-end query latency.
	// Labels: category
	DispatchDurationSeconds *prometheus.HistogramVec

	// LoopIterations measures model round-trips per tool loop run.
	// Labels: category
	LoopIterations *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations.
	// Labels: server, outcome (success, tool_error, error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDurationSeconds measures tool call latency.
	// Labels: server
	ToolCallDurationSeconds *prometheus.HistogramVec

	// ToolServerUnavailableTotal counts discoveries that found a server down.
	// Labels: server
	ToolServerUnavailableTotal *prometheus.CounterVec

	// TokensTotal counts model tokens.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// BreakerState is 0 closed, 1 open, 2 half-open.
	// Labels: server
	BreakerState *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *AssistantMetrics
)

// Default returns the process-wide metrics registered on the default
// Prometheus registry. Safe to call more than once.
func Default() *AssistantMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewAssistantMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewAssistantMetrics creates and registers the collectors on reg.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewAssistantMetrics(reg prometheus.Registerer) *AssistantMetrics {
	factory := promauto.With(reg)
	return &AssistantMetrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "dispatch_total",
				Help:      "Total queries answered by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		DispatchDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "End-to-end query latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"category"},
		),
		LoopIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "loop_iterations",
				Help:      "Model round-trips per tool loop run",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
			},
			[]string{"category"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by server and outcome",
			},
			[]string{"server", "outcome"},
		),
		ToolCallDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server"},
		),
		ToolServerUnavailableTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "tool_server_unavailable_total",
				Help:      "Discoveries that found a tool server unavailable",
			},
			[]string{"server"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "tokens_total",
				Help:      "Total model tokens by direction and model",
			},
			[]string{"direction", "model"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "breaker_state",
				Help:      "Tool server circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"server"},
		),
	}
}

// RecordDispatch records one answered query.
func (m *AssistantMetrics) RecordDispatch(category string, degraded bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if degraded {
		outcome = OutcomeDegraded
	}
	m.DispatchTotal.WithLabelValues(category, outcome).Inc()
	m.DispatchDurationSeconds.WithLabelValues(category).Observe(seconds)
}

// RecordLoop records the iteration count of a finished tool loop.
func (m *AssistantMetrics) RecordLoop(category string, iterations int) {
	if m == nil {
		return
	}
	m.LoopIterations.WithLabelValues(category).Observe(float64(iterations))
}

// RecordToolCall records one tool invocation.
//
// # Inputs
//
//   - server: Owning namespace.
//   - outcome: OutcomeSuccess, OutcomeToolError, or OutcomeError.
//   - seconds: Call latency.
func (m *AssistantMetrics) RecordToolCall(server, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(server, outcome).Inc()
	m.ToolCallDurationSeconds.WithLabelValues(server).Observe(seconds)
}

// RecordUnavailable records a server missing from a discovery.
func (m *AssistantMetrics) RecordUnavailable(server string) {
	if m == nil {
		return
	}
	m.ToolServerUnavailableTotal.WithLabelValues(server).Inc()
}

// RecordTokens records token usage.
func (m *AssistantMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// BreakerStateChanged matches resilience.Config.OnStateChange.
func (m *AssistantMetrics) BreakerStateChanged(server string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(server).Set(float64(to))
}
