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
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToolNameEncoding(t *testing.T) {
	assert.Equal(t, "mail__send_email", EncodeToolName("mail:send_email"))
	assert.Equal(t, "mail:send_email", DecodeToolName("mail__send_email"))
	assert.Equal(t, "expense_tracker:add_expense", DecodeToolName(EncodeToolName("expense_tracker:add_expense")))
	assert.Equal(t, "plain", DecodeToolName("plain"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	got := Truncate("caféine", 4)
	assert.Equal(t, "caf...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "日...", Truncate("日本語", 5))
}

func TestToolCall_ArgumentsMap(t *testing.T) {
	args, err := ToolCall{Arguments: ""}.ArgumentsMap()
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = ToolCall{Arguments: `{"to":"a@b.c"}`}.ArgumentsMap()
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", args["to"])

	_, err = ToolCall{Arguments: `{broken`}.ArgumentsMap()
	require.Error(t, err)
}

func TestMockClient_QueueOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient().
		QueueToolCall("mail:list_emails", map[string]any{"limit": 5}).
		QueueError(errors.New("boom")).
		QueueFinalResponse("done")

	resp, err := m.Complete(ctx, &Request{})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "mail:list_emails", resp.ToolCalls[0].Name)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"limit":5}`, resp.ToolCalls[0].Arguments)

	_, err = m.Complete(ctx, &Request{})
	require.EqualError(t, err, "boom")

	resp, err = m.Complete(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)

	resp, err = m.Complete(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, "Mock response", resp.Content)

	assert.Equal(t, 4, m.CallCount())
	assert.NoError(t, m.Verify())
}

func TestMockClient_DelayHonoursContext(t *testing.T) {
	m := NewMockClient().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Complete(ctx, &Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSingle(t *testing.T) {
	m := NewMockClient().QueueFinalResponse("  mail  \n")
	out, err := Single(context.Background(), m, "classify", "send an email", WithJSONMode(), WithModel("router"))
	require.NoError(t, err)
	assert.Equal(t, "mail", out)

	req := m.LastRequest()
	require.NotNil(t, req)
	assert.True(t, req.JSONMode)
	assert.Equal(t, "router", req.ModelOverride)
	assert.Equal(t, "classify", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, "mock", "m1", config.LLMConfig{}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "m1", c.Model())

	_, err = New(ctx, "carrier-pigeon", "", config.LLMConfig{}, quietLogger())
	require.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(ctx, "openai", "", config.LLMConfig{}, quietLogger())
	require.Error(t, err, "missing key must fail")

	c, err = New(ctx, "ollama", "", config.LLMConfig{OllamaURL: "http://localhost:11434/"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "ollama", c.Name())
}

func TestOllamaClient_ToolCalling(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"model": "llama3.1",
			"message": {"role": "assistant", "content": "", "tool_calls": [
				{"function": {"name": "calendar__create_event", "arguments": {"title": "Standup"}}}
			]},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 12,
			"eval_count": 7
		}`)
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "llama3.1", quietLogger())
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &Request{
		SystemPrompt: "be helpful",
		Messages: []Message{
			{Role: RoleUser, Content: "book standup"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "calendar:list_events", Arguments: `{}`}}},
			{Role: RoleTool, ToolResults: []ToolCallResult{{ToolCallID: "c1", Name: "calendar:list_events", Content: "[]"}}},
		},
		Tools: []ToolDefinition{{Name: "calendar:create_event", Description: "create"}},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "calendar__list_events", got.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", got.Messages[3].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "calendar__create_event", got.Tools[0].Function.Name)
	assert.JSONEq(t, string(emptyObjectSchema), string(got.Tools[0].Function.Parameters))

	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "calendar:create_event", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"title":"Standup"}`, resp.ToolCalls[0].Arguments)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "nope", quietLogger())
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.ErrorContains(t, err, "ollama pull nope")
}

func TestOpenAIClient_EncodesAndDecodesToolNames(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "x", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_a", "type": "function",
					"function": {"name": "mail__send_email", "arguments": "{\"to\":\"bob@example.com\"}"}}]
			}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient("test", srv.URL, "gpt-4o-mini", quietLogger())
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "email bob"}},
		Tools:    []ToolDefinition{{Name: "mail:send_email", Description: "send"}},
	})
	require.NoError(t, err)

	tools, ok := got["tools"].([]any)
	require.True(t, ok)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "mail__send_email", fn["name"])

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "mail:send_email", resp.ToolCalls[0].Name)
	assert.Equal(t, "call_a", resp.ToolCalls[0].ID)
	assert.Equal(t, 3, resp.InputTokens)
}
