// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the generation-model client used by the rewriter,
// router, agents, and judge.
//
// One Client interface covers plain completions and native tool calling.
// Backends: OpenAI-compatible (go-openai), Gemini (genai), Anthropic
// (anthropic-sdk-go), Ollama (/api/chat), and a queue-driven MockClient.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.assist.llm")

// ErrNoResponse is returned when a backend answers with no candidates.
var ErrNoResponse = errors.New("llm returned no response")

// ErrUnknownBackend is returned by New for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown llm backend")

// Client is a generation model backend.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends the request and returns either text or tool calls.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the backend name ("openai", "gemini", ...).
	Name() string

	// Model returns the default model.
	Model() string
}

// Role is the speaker of a Message on the wire.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	// Name is the namespaced tool name, e.g. "mail:send_email".
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is a completion request.
type Request struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`

	// JSONMode asks the backend for a JSON object response when supported.
	JSONMode bool `json:"json_mode,omitempty"`

	// ModelOverride selects a different model for this request only.
	ModelOverride string `json:"model_override,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults is set on tool turns, one entry per executed call.
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
}

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ArgumentsMap decodes Arguments. Empty arguments yield an empty map.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(tc.Arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ToolCallResult is the outcome of executing a ToolCall.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Response is a completion response.
type Response struct {
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	StopReason   string        `json:"stop_reason"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	Model        string        `json:"model,omitempty"`
}

// HasToolCalls reports whether the model asked for tools.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Single is a convenience for one-shot prompts: a system prompt plus one
// user turn, returning trimmed text.
func Single(ctx context.Context, c Client, system, user string, opts ...RequestOption) (string, error) {
	req := &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
	}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// RequestOption mutates a Request built by Single.
type RequestOption func(*Request)

// WithJSONMode requests a JSON object response.
func WithJSONMode() RequestOption {
	return func(r *Request) { r.JSONMode = true }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) RequestOption {
	return func(r *Request) { r.Temperature = t }
}

// WithModel overrides the model for one request.
func WithModel(model string) RequestOption {
	return func(r *Request) { r.ModelOverride = model }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) RequestOption {
	return func(r *Request) { r.MaxTokens = n }
}

// =============================================================================
// Tool name encoding
// =============================================================================

// Provider APIs only accept [a-zA-Z0-9_-] in function names, so the
// namespace separator ":" travels as "__" and is restored on the way back.
const wireSeparator = "__"

// EncodeToolName converts "mail:send_email" to "mail__send_email".
func EncodeToolName(name string) string {
	return strings.Replace(name, ":", wireSeparator, 1)
}

// DecodeToolName converts "mail__send_email" back to "mail:send_email".
// Names without the wire separator are returned unchanged.
func DecodeToolName(name string) string {
	return strings.Replace(name, wireSeparator, ":", 1)
}

func modelFor(req *Request, fallback string) string {
	if req.ModelOverride != "" {
		return req.ModelOverride
	}
	return fallback
}

// Truncate shortens s to at most maxLen bytes for logs and error text,
// cutting on a rune boundary and marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
