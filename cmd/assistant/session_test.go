// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/AleutianAI/AleutianAssist/pkg/ux"
	"github.com/AleutianAI/AleutianAssist/services/assistant/agent"
	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// echoAnswerer records queries the way the dispatcher does.
type echoAnswerer struct {
	queries []string
}

func (e *echoAnswerer) Handle(_ context.Context, state *conversation.State, query string) agent.Outcome {
	e.queries = append(e.queries, query)
	state.BeginQuery(query)
	state.SetCategory(string(router.CategoryMail))
	state.History.Push(conversation.RoleUser, query)
	resp := "echo: " + query
	state.SetResponse(resp, false)
	state.History.Push(conversation.RoleAssistant, resp)
	return agent.Outcome{Query: query, Category: router.CategoryMail, Response: resp}
}

func runScript(t *testing.T, a Answerer, script string) (string, *Session) {
	t.Helper()
	var out bytes.Buffer
	s := NewSession(a, ux.NewPrinter(&out, ux.PersonalityMachine))
	require.NoError(t, s.Run(context.Background(), strings.NewReader(script)))
	return out.String(), s
}

func TestSession_CommandsAndQueries(t *testing.T) {
	a := &echoAnswerer{}
	out, s := runScript(t, a, "list unread\n\nhistory\nstate\n")

	assert.Equal(t, []string{"list unread"}, a.queries, "blank lines and commands are not queries")
	assert.Contains(t, out, "Assistant: echo: list unread\n")
	assert.Contains(t, out, "1\tuser\t\tlist unread\n")
	assert.Contains(t, out, "2\tassistant\t\techo: list unread\n")
	assert.Contains(t, out, "category\tmail\n")
	assert.Contains(t, out, "history\t2\n")
	assert.Equal(t, 2, s.State().History.Len())
}

func TestSession_ClearResetsState(t *testing.T) {
	a := &echoAnswerer{}
	out, s := runScript(t, a, "hello\nclear\nstate\n")

	assert.Contains(t, out, "OK: Conversation cleared\n")
	assert.Contains(t, out, "category\t\n")
	assert.Zero(t, s.State().History.Len())
}

func TestSession_ExitStopsReading(t *testing.T) {
	a := &echoAnswerer{}
	_, _ = runScript(t, a, "first\nQUIT\nsecond\n")
	assert.Equal(t, []string{"first"}, a.queries)
}

func TestSession_CancelledContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	s := NewSession(&echoAnswerer{}, ux.NewPrinter(&out, ux.PersonalityMachine))

	done := make(chan error, 1)
	// An input that never ends.
	r, w := io.Pipe()
	defer w.Close()
	go func() { done <- s.Run(ctx, r) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}
}

// fixedRewriter and fixedRouter keep the dispatcher test about the
// session rather than classification.
type fixedRewriter struct{}

func (fixedRewriter) Rewrite(_ context.Context, raw string, _ []conversation.Message) string {
	return raw
}

type fixedRouter struct{ category router.Category }

func (r fixedRouter) Route(context.Context, string) router.Category { return r.category }

func TestSession_WithDispatcherFallback(t *testing.T) {
	model := llm.NewMockClient()
	model.QueueFinalResponse("I can only help with mail, calendar, expenses, and resumes.")

	d := agent.NewDispatcher(agent.DispatcherConfig{
		Rewriter:   fixedRewriter{},
		Router:     fixedRouter{category: router.CategoryNone},
		Generative: agent.NewGenerativeAgent(model, agent.GenerativeOptions{Logger: logging.Discard()}),
		Logger:     logging.Discard(),
	})

	out, s := runScript(t, d, "what's the weather on mars?\nexit\n")
	assert.Contains(t, out, "I can only help with mail")
	v := s.State().View()
	assert.Equal(t, string(router.CategoryNone), v.Category)
	assert.NotEmpty(t, v.Response)
	assert.Equal(t, 2, v.HistoryLen)
}
