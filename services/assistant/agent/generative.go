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

	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultNotCapableResponse answers out-of-scope queries when the model
// cannot be reached.
const DefaultNotCapableResponse = "Sorry, I can only help with mail, calendar, expenses, and resume writing."

// GenerativeOptions configures a GenerativeAgent.
type GenerativeOptions struct {
	Timeout       time.Duration
	HistoryWindow int
	Temperature   float64
	MaxTokens     int

	// ApologyResponse is used when a scoped category's model call fails.
	ApologyResponse string

	// NotCapableResponse is used when the fallback category's model call
	// fails.
	NotCapableResponse string

	Metrics *observability.AssistantMetrics
	Logger  *slog.Logger
}

// GenerativeAgent answers categories that need no tools with a single
// model call.
type GenerativeAgent struct {
	client llm.Client
	opts   GenerativeOptions
	logger *slog.Logger
}

// NewGenerativeAgent creates a generative agent using client.
func NewGenerativeAgent(client llm.Client, opts GenerativeOptions) *GenerativeAgent {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultModelTimeout
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.ApologyResponse == "" {
		opts.ApologyResponse = DefaultApologyResponse
	}
	if opts.NotCapableResponse == "" {
		opts.NotCapableResponse = DefaultNotCapableResponse
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GenerativeAgent{
		client: client,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "generative_agent")),
	}
}

// Run implements Handler.
//
// The resume category gets the resume-writer prompt; anything else
// (including the fallback category) gets the out-of-scope prompt. Model
// failures and empty answers fall back to canned text.
func (g *GenerativeAgent) Run(ctx context.Context, task Task) Result {
	ctx, span := tracer.Start(ctx, "GenerativeAgent.Run")
	defer span.End()
	span.SetAttributes(attribute.String("assist.category", task.Category.String()))

	system, fallback := notCapableSystemPrompt, g.opts.NotCapableResponse
	if task.Category == router.CategoryResume {
		system, fallback = resumeSystemPrompt, g.opts.ApologyResponse
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	res := Result{Iterations: 1}
	resp, err := g.client.Complete(callCtx, &llm.Request{
		SystemPrompt: system,
		Messages:     contextMessages(task.Prior, task.Query, g.opts.HistoryWindow),
		Temperature:  g.opts.Temperature,
		MaxTokens:    g.opts.MaxTokens,
	})
	switch {
	case err != nil:
		res.Failure = fmt.Errorf("%w: %v", ErrModelFailure, err)
	case strings.TrimSpace(resp.Content) == "":
		res.Failure = ErrEmptyAnswer
	default:
		g.opts.Metrics.RecordTokens(resp.InputTokens, resp.OutputTokens, resp.Model)
		res.Response = strings.TrimSpace(resp.Content)
		return res
	}

	g.logger.Warn("generation failed, using canned response",
		slog.String("category", task.Category.String()),
		slog.String("error", res.Failure.Error()))
	span.RecordError(res.Failure)
	span.SetStatus(codes.Error, res.Failure.Error())
	res.Response = fallback
	res.Degraded = true
	return res
}
