// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian_assist"
	evalSubsystem    = "eval"
)

// Drop reasons.
const (
	DropBufferFull = "buffer_full"
	DropPushFailed = "push_failed"
	DropClosed     = "closed"
)

// Consumer outcomes.
const (
	OutcomeStored    = "stored"
	OutcomeDropped   = "dropped"
	OutcomeMalformed = "malformed"
	OutcomePanicked  = "panicked"
)

// Metrics holds the Prometheus collectors for the eval pipeline.
//
// # Thread Safety
//
// Safe for concurrent use. Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// PublishedTotal counts events handed to the queue.
	PublishedTotal prometheus.Counter

	// DroppedTotal counts events the publisher gave up on.
	// Labels: reason (buffer_full, push_failed, closed)
	DroppedTotal *prometheus.CounterVec

	// ProcessedTotal counts consumer deliveries by final outcome.
	// Labels: outcome (stored, dropped, malformed, panicked)
	ProcessedTotal *prometheus.CounterVec

	// RetriesTotal counts retried steps.
	// Labels: step (judge, store)
	RetriesTotal *prometheus.CounterVec

	// JudgeDurationSeconds measures judge latency.
	JudgeDurationSeconds prometheus.Histogram

	// VerdictsTotal counts verdicts by status.
	// Labels: status (pass, fail)
	VerdictsTotal *prometheus.CounterVec

	// QueueLength reports the last observed channel length.
	// Labels: channel
	QueueLength *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the process-wide metrics on the default registry.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates and registers the eval collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "published_total",
			Help:      "Eval events pushed to the queue",
		}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "dropped_total",
			Help:      "Eval events dropped by the publisher",
		}, []string{"reason"}),
		ProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "processed_total",
			Help:      "Deliveries handled by the consumer by outcome",
		}, []string{"outcome"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "retries_total",
			Help:      "Retried consumer steps",
		}, []string{"step"}),
		JudgeDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "judge_duration_seconds",
			Help:      "Judge call latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "verdicts_total",
			Help:      "Judge verdicts by status",
		}, []string{"status"}),
		QueueLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: evalSubsystem,
			Name:      "queue_length",
			Help:      "Last observed queue length",
		}, []string{"channel"}),
	}
}

func (m *Metrics) recordPublished() {
	if m == nil {
		return
	}
	m.PublishedTotal.Inc()
}

func (m *Metrics) recordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordProcessed(outcome string) {
	if m == nil {
		return
	}
	m.ProcessedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRetry(step string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(step).Inc()
}

func (m *Metrics) recordVerdict(v Verdict, seconds float64) {
	if m == nil {
		return
	}
	m.JudgeDurationSeconds.Observe(seconds)
	m.VerdictsTotal.WithLabelValues(string(v.Status)).Inc()
}

// RecordQueueLength sets the queue length gauge.
func (m *Metrics) RecordQueueLength(channel string, n int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(channel).Set(float64(n))
}
