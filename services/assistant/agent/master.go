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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/assistant/toolserver"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxIterations    = 20
	DefaultModelTimeout     = 60 * time.Second
	DefaultHistoryWindow    = 10
	DefaultDegradedResponse = "I processed your request but reached the iteration limit."
	DefaultApologyResponse  = "Sorry, I couldn't complete that request right now. Please try again."
)

// ToolPool is the part of toolserver.Pool the master agent uses.
type ToolPool interface {
	Discover(ctx context.Context, namespaces []string) toolserver.Discovery
	Call(ctx context.Context, qualified, arguments string) (toolserver.CallResult, error)
}

// MasterOptions configures a MasterAgent.
type MasterOptions struct {
	// MaxIterations caps model round-trips per query.
	MaxIterations int

	// Timeout bounds each model call.
	Timeout time.Duration

	// HistoryWindow is how many prior user/assistant entries are sent.
	HistoryWindow int

	Temperature float64
	MaxTokens   int

	// Servers maps a category to the namespaces it needs. Categories not
	// listed use the namespace of the same name.
	Servers map[router.Category][]string

	// DegradedResponse is used when the iteration cap is hit.
	DegradedResponse string

	// ApologyResponse is used when the model fails outright.
	ApologyResponse string

	Metrics *observability.AssistantMetrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o MasterOptions) withDefaults() MasterOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultModelTimeout
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	if o.DegradedResponse == "" {
		o.DegradedResponse = DefaultDegradedResponse
	}
	if o.ApologyResponse == "" {
		o.ApologyResponse = DefaultApologyResponse
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// MasterAgent runs the tool-calling loop for side-effecting categories.
//
// # Description
//
// One run discovers the tools of the category's namespaces, then
// alternates model calls and tool executions until the model answers
// without tool calls or MaxIterations is reached. A failing tool call is
// fed back to the model as an error result; it never ends the loop.
//
// # Thread Safety
//
// Safe for concurrent use across different Tasks.
type MasterAgent struct {
	client llm.Client
	pool   ToolPool
	opts   MasterOptions
	logger *slog.Logger
}

// NewMasterAgent creates a master agent over client and pool.
func NewMasterAgent(client llm.Client, pool ToolPool, opts MasterOptions) *MasterAgent {
	opts = opts.withDefaults()
	return &MasterAgent{
		client: client,
		pool:   pool,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "master_agent")),
	}
}

// Namespaces returns the tool server namespaces a category needs.
func (m *MasterAgent) Namespaces(category router.Category) []string {
	if servers, ok := m.opts.Servers[category]; ok && len(servers) > 0 {
		return servers
	}
	return []string{string(category)}
}

// Run implements Handler.
//
// # Description
//
//  1. Discover tools for the category; bail out with a degraded answer if
//     none of its servers is reachable.
//  2. Send prior context, the query, and the namespaced tools to the model.
//  3. Execute every proposed call through the pool, pushing one tool entry
//     per call to task.History, and feed the results back.
//  4. Stop on a text-only answer, a model failure, or the iteration cap.
//
// # Outputs
//
//   - Result: Always has a non-empty Response.
func (m *MasterAgent) Run(ctx context.Context, task Task) Result {
	ctx, span := tracer.Start(ctx, "MasterAgent.Run")
	defer span.End()
	span.SetAttributes(attribute.String("assist.category", task.Category.String()))

	namespaces := m.Namespaces(task.Category)
	discovery := m.pool.Discover(ctx, namespaces)
	for _, ns := range discovery.Unavailable {
		m.opts.Metrics.RecordUnavailable(ns)
	}

	res := Result{Unavailable: discovery.Unavailable}
	if !discovery.Available() {
		res.Response = unavailableResponse(discovery.Unavailable)
		res.Degraded = true
		res.Failure = fmt.Errorf("%w: %s", ErrToolsUnavailable, strings.Join(discovery.Unavailable, ", "))
		m.logger.Warn("no tool server reachable for category",
			slog.String("category", task.Category.String()),
			slog.Any("unavailable", discovery.Unavailable))
		span.SetStatus(codes.Error, res.Failure.Error())
		return res
	}

	system, err := masterSystemTemplate.Format(map[string]any{
		"domain":      domainDescription(task.Category),
		"date":        m.opts.Now().Format("2006-01-02 (Monday)"),
		"unavailable": strings.Join(discovery.Unavailable, ", "),
	})
	if err != nil {
		m.logger.Warn("master prompt render failed", slog.String("error", err.Error()))
	}

	tools := toolDefinitions(discovery.Tools)
	offered := make(map[string]bool, len(tools))
	for _, t := range tools {
		offered[t.Name] = true
	}
	messages := contextMessages(task.Prior, task.Query, m.opts.HistoryWindow)

	var lastText string
	for iteration := 1; iteration <= m.opts.MaxIterations; iteration++ {
		res.Iterations = iteration

		resp, err := m.complete(ctx, &llm.Request{
			SystemPrompt: system,
			Messages:     messages,
			Tools:        tools,
			Temperature:  m.opts.Temperature,
			MaxTokens:    m.opts.MaxTokens,
		})
		if err != nil {
			m.logger.Warn("model call failed, ending tool loop",
				slog.Int("iteration", iteration), slog.String("error", err.Error()))
			res.Response = m.opts.ApologyResponse
			res.Degraded = true
			res.Failure = fmt.Errorf("%w: %v", ErrModelFailure, err)
			m.finish(span, task.Category, res)
			return res
		}

		text := strings.TrimSpace(resp.Content)
		if !resp.HasToolCalls() {
			if text == "" {
				res.Response = m.opts.ApologyResponse
				res.Degraded = true
				res.Failure = ErrEmptyAnswer
			} else {
				res.Response = text
			}
			m.finish(span, task.Category, res)
			return res
		}
		if text != "" {
			lastText = text
		}

		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ID == "" {
				resp.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", iteration, i+1)
			}
		}
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]llm.ToolCallResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result := m.execute(ctx, call, offered, task.History)
			res.ToolCalls++
			if result.IsError {
				res.ToolErrors++
			}
			results = append(results, result)
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}

	res.Degraded = true
	res.Failure = fmt.Errorf("%w: %d iterations", ErrIterationBudgetExceeded, m.opts.MaxIterations)
	res.Response = m.opts.DegradedResponse
	if lastText != "" {
		res.Response += "\n\n" + lastText
	}
	m.logger.Warn("tool loop hit the iteration cap",
		slog.String("category", task.Category.String()),
		slog.Int("max_iterations", m.opts.MaxIterations),
		slog.Int("tool_calls", res.ToolCalls))
	m.finish(span, task.Category, res)
	return res
}

func (m *MasterAgent) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	resp, err := m.client.Complete(callCtx, req)
	if err != nil {
		return nil, err
	}
	m.opts.Metrics.RecordTokens(resp.InputTokens, resp.OutputTokens, resp.Model)
	return resp, nil
}

// execute runs one tool call and records exactly one tool entry for it.
func (m *MasterAgent) execute(ctx context.Context, call llm.ToolCall, offered map[string]bool, history *conversation.HistoryManager) llm.ToolCallResult {
	server, _, ok := toolserver.SplitQualifiedName(call.Name)
	if !ok {
		server = "unknown"
	}

	start := time.Now()
	var (
		content string
		isError bool
		outcome string
	)
	if !offered[call.Name] {
		content = errorPayload(fmt.Errorf("%w: %s is not available for this request", toolserver.ErrUnknownTool, call.Name))
		isError = true
		outcome = observability.OutcomeError
	} else if result, err := m.pool.Call(ctx, call.Name, call.Arguments); err != nil {
		content = errorPayload(err)
		isError = true
		outcome = observability.OutcomeError
	} else {
		content = result.Content
		isError = result.IsError
		outcome = observability.OutcomeSuccess
		if isError {
			outcome = observability.OutcomeToolError
		}
	}
	elapsed := time.Since(start)
	m.opts.Metrics.RecordToolCall(server, outcome, elapsed.Seconds())

	opts := []conversation.PushOption{conversation.WithToolCall(call.ID, call.Name)}
	if isError {
		opts = append(opts, conversation.WithError())
		m.logger.Info("tool call returned an error",
			slog.String("tool", call.Name), slog.String("error", llm.Truncate(content, 200)))
	} else {
		m.logger.Debug("tool call succeeded",
			slog.String("tool", call.Name), slog.Duration("duration", elapsed))
	}
	if history != nil {
		history.Push(conversation.RoleTool, content, opts...)
	}

	return llm.ToolCallResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		IsError:    isError,
	}
}

func (m *MasterAgent) finish(span trace.Span, category router.Category, res Result) {
	m.opts.Metrics.RecordLoop(category.String(), res.Iterations)
	span.SetAttributes(
		attribute.Int("assist.iterations", res.Iterations),
		attribute.Int("assist.tool_calls", res.ToolCalls),
		attribute.Bool("assist.degraded", res.Degraded),
	)
	if res.Failure != nil {
		span.SetStatus(codes.Error, res.Failure.Error())
	}
}

// =============================================================================
// Helpers
// =============================================================================

// toolDefinitions exposes discovered tools under their qualified names.
func toolDefinitions(specs []toolserver.ToolSpec) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.ToolDefinition{
			Name:        s.QualifiedName(),
			Description: s.Description,
			Parameters:  s.InputSchema,
		})
	}
	return defs
}

// contextMessages converts the last window user/assistant entries of prior
// into model messages and appends query as the current user turn. Tool
// entries from earlier queries are left out; their calls are not replayed.
func contextMessages(prior []conversation.Message, query string, window int) []llm.Message {
	var picked []conversation.Message
	for i := len(prior) - 1; i >= 0 && len(picked) < window; i-- {
		m := prior[i]
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		picked = append(picked, m)
	}

	messages := make([]llm.Message, 0, len(picked)+1)
	for i := len(picked) - 1; i >= 0; i-- {
		role := llm.RoleUser
		if picked[i].Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: picked[i].Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: query})
}

func errorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func unavailableResponse(namespaces []string) string {
	names := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		names = append(names, strings.ReplaceAll(ns, "_", " "))
	}
	return fmt.Sprintf("Sorry, the %s service is unavailable right now, so I couldn't complete that request. Please try again later.",
		strings.Join(names, " and "))
}

func domainDescription(category router.Category) string {
	if d, ok := domainDescriptions[category.String()]; ok {
		return d
	}
	return strings.ReplaceAll(category.String(), "_", " ")
}
