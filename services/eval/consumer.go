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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Consumer defaults.
const (
	DefaultWorkers        = 1
	DefaultMaxAttempts    = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultPopWait        = time.Second
	DefaultErrorBackoff   = time.Second
	DefaultJudgeRPS       = 2.0
	DefaultStorageTimeout = 10 * time.Second
	DefaultStatsInterval  = 15 * time.Second
)

// Store persists graded results.
type Store interface {
	// CreateRecord stores r and returns it with ID and CreatedAt set.
	CreateRecord(ctx context.Context, r EvalResult) (EvalResult, error)
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Channel string

	// Workers is the number of concurrent drain loops. Default: 1.
	Workers int

	// MaxAttempts bounds the judge and store steps separately.
	MaxAttempts int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	// PopWait is how long each Pop blocks for an item.
	PopWait time.Duration

	// ErrorBackoff is the pause after a failed Pop.
	ErrorBackoff time.Duration

	// JudgeRPS caps judge calls per second across all workers.
	JudgeRPS float64

	StorageTimeout time.Duration

	// StatsInterval is how often the queue length gauge is refreshed.
	// Negative disables it.
	StatsInterval time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Channel == "" {
		o.Channel = DefaultChannel
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.PopWait <= 0 {
		o.PopWait = DefaultPopWait
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	if o.JudgeRPS <= 0 {
		o.JudgeRPS = DefaultJudgeRPS
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = DefaultStorageTimeout
	}
	if o.StatsInterval == 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Consumer drains a Queue, grades each event, and stores the result.
//
// # Description
//
// Each delivery runs Judge then Store, each step retried up to
// MaxAttempts with doubling backoff. A delivery is acked once its result
// is stored, once its payload proves malformed, or once a step gives up;
// only a shutdown mid-processing leaves it unacked for redelivery. A
// panic while processing is recovered and the delivery dropped, so one
// bad event never stops the worker.
//
// # Thread Safety
//
// Run may be called once.
type Consumer struct {
	queue   Queue
	judge   Judge
	store   Store
	limiter *rate.Limiter
	opts    ConsumerOptions
	metrics *Metrics
	logger  *slog.Logger
}

// NewConsumer creates a consumer. Nothing runs until Run.
func NewConsumer(q Queue, j Judge, s Store, opts ConsumerOptions) *Consumer {
	opts = opts.withDefaults()
	return &Consumer{
		queue:   q,
		judge:   j,
		store:   s,
		limiter: rate.NewLimiter(rate.Limit(opts.JudgeRPS), 1),
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(slog.String("component", "eval_consumer"), slog.String("channel", opts.Channel)),
	}
}

// Run drains the queue until ctx is cancelled. It returns nil on
// cancellation; workers never exit on processing or queue errors.
func (c *Consumer) Run(ctx context.Context) error {
	if err := ValidateChannel(c.opts.Channel); err != nil {
		return err
	}
	c.logger.Info("consumer started", slog.Int("workers", c.opts.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			c.work(ctx, worker)
			return nil
		})
	}
	if c.opts.StatsInterval > 0 {
		g.Go(func() error {
			c.reportLength(ctx)
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) work(ctx context.Context, worker int) {
	logger := c.logger.With(slog.Int("worker", worker))
	for ctx.Err() == nil {
		d, err := c.queue.Pop(ctx, c.opts.Channel, c.opts.PopWait)
		switch {
		case err == nil:
			c.Handle(ctx, d)
		case errors.Is(err, ErrQueueEmpty):
		case ctx.Err() != nil:
			return
		default:
			logger.Warn("queue pop failed", slog.String("error", err.Error()))
			if !sleep(ctx, c.opts.ErrorBackoff) {
				return
			}
		}
	}
}

func (c *Consumer) reportLength(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.queue.Length(ctx, c.opts.Channel)
			if err != nil {
				c.logger.Debug("queue length unavailable", slog.String("error", err.Error()))
				continue
			}
			c.metrics.RecordQueueLength(c.opts.Channel, n)
		}
	}
}

// Handle processes one delivery and returns its outcome.
func (c *Consumer) Handle(ctx context.Context, d *Delivery) string {
	var outcome string
	var ack bool
	recovered := panics.Try(func() {
		outcome, ack = c.process(ctx, d)
	})
	if recovered != nil {
		c.logger.Error("eval processing panicked, event dropped",
			slog.String("delivery_id", d.ID),
			slog.String("panic", recovered.String()))
		outcome, ack = OutcomePanicked, true
	}
	if ack {
		c.ack(d)
	}
	if outcome != "" {
		c.metrics.recordProcessed(outcome)
	}
	return outcome
}

// process returns the outcome and whether to ack. An empty outcome means
// shutdown interrupted processing.
func (c *Consumer) process(ctx context.Context, d *Delivery) (string, bool) {
	ev, err := d.Event()
	if err != nil {
		c.logger.Warn("malformed eval event dropped",
			slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
		return OutcomeMalformed, true
	}

	ctx, span := tracer.Start(ctx, "eval.Consumer.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("eval.event_id", ev.ID),
		attribute.String("eval.agent", ev.AgentName),
		attribute.Int("eval.delivery_attempt", d.Attempt),
	)
	logger := c.logger.With(slog.String("event_id", ev.ID), slog.String("agent", ev.AgentName))

	start := time.Now()
	var verdict Verdict
	err = c.retry(ctx, "judge", logger, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		began := time.Now()
		v, err := c.judge.Judge(ctx, ev)
		if err != nil {
			return err
		}
		c.metrics.recordVerdict(v, time.Since(began).Seconds())
		verdict = v
		return nil
	})
	if err != nil {
		return c.giveUp(ctx, span, logger, "judge", err)
	}

	result := NewResult(ev, verdict, time.Since(start))
	var stored EvalResult
	err = c.retry(ctx, "store", logger, func(ctx context.Context) error {
		storeCtx, cancel := context.WithTimeout(ctx, c.opts.StorageTimeout)
		defer cancel()
		r, err := c.store.CreateRecord(storeCtx, result)
		if err != nil {
			return err
		}
		stored = r
		return nil
	})
	if err != nil {
		return c.giveUp(ctx, span, logger, "store", err)
	}

	logger.Info("eval stored",
		slog.String("result_id", stored.ID),
		slog.String("status", string(stored.Status)),
		slog.Float64("score", stored.Score))
	return OutcomeStored, true
}

func (c *Consumer) giveUp(ctx context.Context, span trace.Span, logger *slog.Logger, step string, err error) (string, bool) {
	if ctx.Err() != nil {
		logger.Info("shutdown during processing, event left for redelivery", slog.String("step", step))
		return "", false
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, step+" failed")
	logger.Error("eval event dropped",
		slog.String("step", step),
		slog.Bool("permanent", errors.Is(err, ErrPermanent)),
		slog.String("error", err.Error()))
	return OutcomeDropped, true
}

// retry runs fn up to MaxAttempts times. An ErrPermanent failure ends it
// at once.
func (c *Consumer) retry(ctx context.Context, step string, logger *slog.Logger, fn func(context.Context) error) error {
	backoff := c.opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPermanent) || attempt == c.opts.MaxAttempts {
			break
		}
		c.metrics.recordRetry(step)
		logger.Warn("eval step failed, retrying",
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (c *Consumer) ack(d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StorageTimeout)
	defer cancel()
	if err := c.queue.Ack(ctx, c.opts.Channel, d.ID); err != nil {
		c.logger.Warn("ack failed, event may be redelivered",
			slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
	}
}

// sleep waits d or until ctx ends. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
