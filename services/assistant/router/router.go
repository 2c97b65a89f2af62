// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

const (
	// DefaultTimeout bounds a single rewrite or classification call.
	DefaultTimeout = 15 * time.Second

	// DefaultHistoryWindow is how many recent entries the rewriter sees.
	DefaultHistoryWindow = 10
)

// Rewriter turns a raw, possibly context-dependent input into a
// standalone query.
type Rewriter interface {
	// Rewrite never fails: on any problem the trimmed raw input is returned.
	Rewrite(ctx context.Context, raw string, history []conversation.Message) string
}

// Router classifies a query into exactly one Category.
type Router interface {
	// Route never fails: on any problem CategoryNone is returned.
	Route(ctx context.Context, query string) Category
}

// Options configures the model-backed rewriter and router.
type Options struct {
	// Model overrides the client's default model. Empty keeps the default.
	Model string

	// Timeout bounds each model call. Zero means DefaultTimeout.
	Timeout time.Duration

	// HistoryWindow is the rewriter's context size. Zero means
	// DefaultHistoryWindow.
	HistoryWindow int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// =============================================================================
// Rewriter
// =============================================================================

// LLMRewriter is a Rewriter backed by a generation model.
//
// # Thread Safety
//
// Safe for concurrent use if the underlying client is.
type LLMRewriter struct {
	client llm.Client
	opts   Options
}

// NewLLMRewriter creates a rewriter using client.
func NewLLMRewriter(client llm.Client, opts Options) *LLMRewriter {
	return &LLMRewriter{client: client, opts: opts.withDefaults()}
}

// Rewrite implements Rewriter.
//
// # Description
//
// Renders the most recent non-tool history entries plus the raw input into
// the rewrite prompt and asks for {"rewritten_query": "..."}. Model errors,
// timeouts, malformed JSON, and empty values all fall back to the raw
// input.
//
// # Inputs
//
//   - ctx: Parent context; a per-call timeout is applied on top.
//   - raw: The user's input as typed.
//   - history: Prior conversation entries, oldest first.
//
// # Outputs
//
//   - string: The rewritten query, or the trimmed raw input.
func (r *LLMRewriter) Rewrite(ctx context.Context, raw string, history []conversation.Message) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}

	userPrompt, err := rewriterUserTemplate.Format(map[string]any{
		"history": formatHistory(history, r.opts.HistoryWindow),
		"query":   raw,
	})
	if err != nil {
		r.opts.Logger.Warn("rewrite prompt render failed", slog.String("error", err.Error()))
		return raw
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	out, err := llm.Single(callCtx, r.client, rewriterSystemPrompt, userPrompt, r.callOptions()...)
	if err != nil {
		r.opts.Logger.Warn("rewrite failed, using raw query", slog.String("error", err.Error()))
		return raw
	}

	var parsed struct {
		RewrittenQuery string `json:"rewritten_query"`
	}
	if err := llm.DecodeJSONObject(out, &parsed); err != nil {
		r.opts.Logger.Warn("rewrite output unparsable, using raw query", slog.String("error", err.Error()))
		return raw
	}
	rewritten := strings.TrimSpace(parsed.RewrittenQuery)
	if rewritten == "" {
		return raw
	}
	r.opts.Logger.Debug("query rewritten", slog.String("raw", raw), slog.String("rewritten", rewritten))
	return rewritten
}

func (r *LLMRewriter) callOptions() []llm.RequestOption {
	opts := []llm.RequestOption{llm.WithJSONMode(), llm.WithTemperature(0.1)}
	if r.opts.Model != "" {
		opts = append(opts, llm.WithModel(r.opts.Model))
	}
	return opts
}

func formatHistory(history []conversation.Message, window int) string {
	lines := make([]string, 0, window)
	for i := len(history) - 1; i >= 0 && len(lines) < window; i-- {
		m := history[i]
		if m.Role == conversation.RoleTool || m.Role == conversation.RoleSystem {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker(m.Role), content))
	}
	if len(lines) == 0 {
		return "(no prior messages)"
	}
	// Collected newest first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func speaker(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// =============================================================================
// Router
// =============================================================================

// LLMRouter is a Router backed by a generation model.
type LLMRouter struct {
	client llm.Client
	opts   Options
}

// NewLLMRouter creates a router using client.
func NewLLMRouter(client llm.Client, opts Options) *LLMRouter {
	return &LLMRouter{client: client, opts: opts.withDefaults()}
}

// Route implements Router.
//
// # Description
//
// Asks the model for {"category": "..."} and maps the label onto the
// closed set. Empty queries, model failures, parse failures, and unknown
// labels all yield CategoryNone.
func (r *LLMRouter) Route(ctx context.Context, query string) Category {
	query = strings.TrimSpace(query)
	if query == "" {
		return CategoryNone
	}

	names := make([]string, 0, len(Categories()))
	for _, c := range Categories() {
		names = append(names, string(c))
	}
	userPrompt, err := routerUserTemplate.Format(map[string]any{
		"categories": strings.Join(names, ", "),
		"query":      query,
	})
	if err != nil {
		r.opts.Logger.Warn("router prompt render failed", slog.String("error", err.Error()))
		return CategoryNone
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	opts := []llm.RequestOption{llm.WithJSONMode(), llm.WithTemperature(0)}
	if r.opts.Model != "" {
		opts = append(opts, llm.WithModel(r.opts.Model))
	}
	out, err := llm.Single(callCtx, r.client, routerSystemPrompt, userPrompt, opts...)
	if err != nil {
		r.opts.Logger.Warn("routing failed, using fallback", slog.String("error", err.Error()))
		return CategoryNone
	}

	var parsed struct {
		Category string `json:"category"`
	}
	if err := llm.DecodeJSONObject(out, &parsed); err != nil {
		// Some models answer with the bare label.
		if c := ParseCategory(out); c != CategoryNone {
			return c
		}
		r.opts.Logger.Warn("router output unparsable, using fallback", slog.String("output", out))
		return CategoryNone
	}
	category := ParseCategory(parsed.Category)
	r.opts.Logger.Debug("query routed", slog.String("category", category.String()))
	return category
}
