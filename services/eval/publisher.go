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
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPublishBuffer = 256
	DefaultPushTimeout   = 2 * time.Second
)

// Publisher accepts execution records for grading.
type Publisher interface {
	// Publish enqueues ev without blocking. It reports whether the event
	// was accepted; a false return has already been logged.
	Publish(ev EvalEvent) bool
}

// NopPublisher discards every event. Used when evaluation is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(EvalEvent) bool { return false }

// Sanitizer masks sensitive substrings in free text.
type Sanitizer interface {
	Sanitize(text string) string
}

// PublisherOptions configures a QueuePublisher.
type PublisherOptions struct {
	Channel     string
	Buffer      int
	PushTimeout time.Duration

	// Sanitizer, when set, is applied to Query, Response and string
	// metadata values before the event is encoded.
	Sanitizer Sanitizer

	Metrics *Metrics
	Logger  *slog.Logger
}

// QueuePublisher is a fire-and-forget Publisher backed by a Queue.
//
// # Description
//
// Publish drops the event into a bounded in-memory buffer and returns.
// One background goroutine drains the buffer into the queue, giving each
// push PushTimeout. A full buffer or a failed push drops the event with a
// warning; the caller never waits on queue health. This is the one place
// the pipeline is at-most-once.
//
// # Thread Safety
//
// Safe for concurrent use.
type QueuePublisher struct {
	queue   Queue
	opts    PublisherOptions
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	events chan EvalEvent
	done   chan struct{}
}

// NewQueuePublisher starts a publisher draining into q. Call Close to
// stop the background goroutine.
func NewQueuePublisher(q Queue, opts PublisherOptions) *QueuePublisher {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultPublishBuffer
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &QueuePublisher{
		queue:   q,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "eval_publisher")),
		metrics: opts.Metrics,
		events:  make(chan EvalEvent, opts.Buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish implements Publisher.
func (p *QueuePublisher) Publish(ev EvalEvent) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.recordDropped(DropClosed)
		p.logger.Warn("eval event dropped, publisher closed", slog.String("event_id", ev.ID))
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		p.metrics.recordDropped(DropBufferFull)
		p.logger.Warn("eval event dropped, buffer full",
			slog.String("event_id", ev.ID),
			slog.String("agent", ev.AgentName),
			slog.Int("buffer", p.opts.Buffer))
		return false
	}
}

func (p *QueuePublisher) run() {
	defer close(p.done)
	for ev := range p.events {
		p.push(ev)
	}
}

func (p *QueuePublisher) push(ev EvalEvent) {
	if p.opts.Sanitizer != nil {
		ev = sanitize(ev, p.opts.Sanitizer)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.metrics.recordDropped(DropPushFailed)
		p.logger.Warn("eval event dropped, not encodable",
			slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PushTimeout)
	defer cancel()
	if err := p.queue.Push(ctx, p.opts.Channel, payload); err != nil {
		p.metrics.recordDropped(DropPushFailed)
		p.logger.Warn("eval event dropped, queue push failed",
			slog.String("event_id", ev.ID),
			slog.String("channel", p.opts.Channel),
			slog.String("error", err.Error()))
		return
	}
	p.metrics.recordPublished()
	p.logger.Debug("eval event published",
		slog.String("event_id", ev.ID), slog.String("agent", ev.AgentName))
}

func sanitize(ev EvalEvent, s Sanitizer) EvalEvent {
	ev.Query = s.Sanitize(ev.Query)
	ev.Response = s.Sanitize(ev.Response)
	if len(ev.Metadata) > 0 {
		md := make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			if str, ok := v.(string); ok {
				v = s.Sanitize(str)
			}
			md[k] = v
		}
		ev.Metadata = md
	}
	return ev
}

// Close stops accepting events and waits for the buffer to drain or ctx
// to end, whichever comes first. Events still buffered when ctx ends keep
// draining in the background.
func (p *QueuePublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
