// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Format   string          `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func NewOllamaClient(baseURL, model string, logger *slog.Logger) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_URL environment variable not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		logger.Warn("Ollama model not set, default llama3.1")
		model = "llama3.1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	logger.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		logger:     logger,
	}, nil
}

func (o *OllamaClient) Name() string  { return "ollama" }
func (o *OllamaClient) Model() string { return o.model }

// Complete implements Client against /api/chat with native tool calling.
func (o *OllamaClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := modelFor(req, o.model)
	ctx, span := tracer.Start(ctx, "OllamaClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)),
		attribute.Int("llm.num_tools", len(req.Tools)),
	)

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	payload := ollamaChatRequest{
		Model:    model,
		Messages: ollamaMessages(req),
		Tools:    ollamaTools(req.Tools),
		Stream:   false,
		Options:  options,
	}
	if req.JSONMode && len(req.Tools) == 0 {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(respBody), "not found") {
			o.logger.Warn("Ollama model not found", "model", model)
			return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		err := fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, Truncate(string(respBody), 500))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Failed to parse JSON response from Ollama", "error", err, "response", Truncate(string(respBody), 500))
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	out := &Response{
		Content:      chatResp.Message.Content,
		StopReason:   chatResp.DoneReason,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
		Duration:     time.Since(start),
		Model:        chatResp.Model,
	}
	for _, tc := range chatResp.Message.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      DecodeToolName(tc.Function.Name),
			Arguments: string(args),
		})
	}
	if out.HasToolCalls() {
		out.StopReason = "tool_use"
	}
	o.logger.Debug("Received response from Ollama", "tool_calls", len(out.ToolCalls))
	return out, nil
}

func ollamaMessages(req *Request) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msg := ollamaMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				var call ollamaToolCall
				call.Function.Name = EncodeToolName(tc.Name)
				call.Function.Arguments, _ = tc.ArgumentsMap()
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
			msgs = append(msgs, msg)
		case RoleTool:
			for _, r := range m.ToolResults {
				msgs = append(msgs, ollamaMessage{Role: "tool", Content: r.Content, ToolName: EncodeToolName(r.Name)})
			}
		default:
			msgs = append(msgs, ollamaMessage{Role: "user", Content: m.Content})
		}
	}
	return msgs
}

func ollamaTools(defs []ToolDefinition) []ollamaTool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]ollamaTool, 0, len(defs))
	for _, d := range defs {
		var t ollamaTool
		t.Type = "function"
		t.Function.Name = EncodeToolName(d.Name)
		t.Function.Description = d.Description
		t.Function.Parameters = d.Parameters
		if len(t.Function.Parameters) == 0 {
			t.Function.Parameters = emptyObjectSchema
		}
		tools = append(tools, t)
	}
	return tools
}
