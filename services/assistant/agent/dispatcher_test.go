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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRewriter struct{ prefix string }

func (r staticRewriter) Rewrite(_ context.Context, raw string, _ []conversation.Message) string {
	return r.prefix + raw
}

// keywordRouter routes on the first matching keyword.
type keywordRouter map[string]router.Category

func (k keywordRouter) Route(_ context.Context, query string) router.Category {
	for word, c := range k {
		if strings.Contains(query, word) {
			return c
		}
	}
	return router.CategoryNone
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eval.EvalEvent
}

func (p *recordingPublisher) Publish(ev eval.EvalEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *recordingPublisher) all() []eval.EvalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eval.EvalEvent(nil), p.events...)
}

type panickingHandler struct{}

type panickingRewriter struct{}

func (panickingRewriter) Rewrite(context.Context, string, []conversation.Message) string {
	panic("decode failed")
}

type panickingRouter struct{}

func (panickingRouter) Route(context.Context, string) router.Category { panic("decode failed") }

type panickingPublisher struct{}

func (panickingPublisher) Publish(eval.EvalEvent) bool { panic("queue gone") }

func (panickingHandler) Run(context.Context, Task) Result { panic("boom") }

func TestDispatcher_ToolPathOrderingAndEvent(t *testing.T) {
	pool := newPool(mailConnector())
	client := llm.NewMockClient()
	client.QueueToolCall("mail:list_emails", map[string]any{})
	client.QueueFinalResponse("You have no new mail.")

	pub := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewAssistantMetrics(reg)
	d := NewDispatcher(DispatcherConfig{
		Rewriter:   staticRewriter{prefix: "rewritten: "},
		Router:     keywordRouter{"mail": router.CategoryMail},
		Tools:      NewMasterAgent(client, pool, MasterOptions{Logger: quietLogger(), Metrics: metrics}),
		Generative: NewGenerativeAgent(llm.NewMockClient(), GenerativeOptions{Logger: quietLogger()}),
		Publisher:  pub,
		Metrics:    metrics,
		Logger:     quietLogger(),
	})

	state := conversation.NewState()
	out := d.Handle(context.Background(), state, "check my mail")

	assert.Equal(t, StateResponded, out.FinalState())
	assert.Equal(t, "You have no new mail.", out.Response)
	assert.Equal(t, router.CategoryMail, out.Category)
	assert.Equal(t, "rewritten: check my mail", out.RewrittenQuery)
	assert.True(t, out.Published)

	var states []DispatchState
	for _, tr := range out.Trace {
		states = append(states, tr.To)
	}
	assert.Equal(t, []DispatchState{StateRoute, StateDispatch, StateMasterLoop, StateResponded}, states)

	view := state.View()
	assert.Equal(t, "mail", view.Category)
	assert.Equal(t, "rewritten: check my mail", view.RewrittenQuery)
	assert.Equal(t, "You have no new mail.", view.Response)

	history := state.History.Snapshot()
	require.Len(t, history, 3)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "check my mail", history[0].Content)
	assert.Equal(t, conversation.RoleTool, history[1].Role)
	assert.Equal(t, "mail:list_emails", history[1].Name)
	assert.Equal(t, conversation.RoleAssistant, history[2].Role)

	// The model saw the rewritten query as the current turn.
	first := client.Calls()[0].Request
	assert.Equal(t, "rewritten: check my mail", first.Messages[len(first.Messages)-1].Content)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "mail_agent", events[0].AgentName)
	assert.Equal(t, "mail", events[0].Category)
	assert.Equal(t, "check my mail", events[0].Query)
	assert.Equal(t, "You have no new mail.", events[0].Response)
	assert.Equal(t, 1, events[0].Metadata["tool_calls"])
	assert.Equal(t, []string{"REWRITE", "ROUTE", "DISPATCH", "MASTER_LOOP", "RESPONDED"}, events[0].Metadata["states"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DispatchTotal.WithLabelValues("mail", observability.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("mail", observability.OutcomeSuccess)))
}

func TestDispatcher_AlwaysRespondsWhenEverythingFails(t *testing.T) {
	dead := llm.NewMockClient().WithError(errors.New("connection refused"))
	opts := router.Options{Timeout: time.Second, Logger: quietLogger()}

	mail := mailConnector()
	mail.setDown(true)

	cases := []struct {
		name     string
		router   router.Router
		wantNext DispatchState
	}{
		{"model-backed router falls back", router.NewLLMRouter(dead, opts), StateGenerative},
		{"tool category with dead servers", keywordRouter{"mail": router.CategoryMail}, StateMasterLoop},
		{"resume with dead model", keywordRouter{"mail": router.CategoryResume}, StateGenerative},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(DispatcherConfig{
				Rewriter:   router.NewLLMRewriter(dead, opts),
				Router:     tc.router,
				Tools:      NewMasterAgent(dead, newPool(mail), MasterOptions{Logger: quietLogger()}),
				Generative: NewGenerativeAgent(dead, GenerativeOptions{Logger: quietLogger()}),
				Logger:     quietLogger(),
			})
			state := conversation.NewState()
			out := d.Handle(context.Background(), state, "mail the quarterly report")

			assert.Equal(t, StateResponded, out.FinalState())
			assert.NotEmpty(t, out.Response)
			assert.True(t, out.Degraded)
			assert.Equal(t, "mail the quarterly report", out.RewrittenQuery, "rewriter falls back to raw input")
			assert.Equal(t, tc.wantNext, out.Trace[2].To)
			assert.Equal(t, 2, state.History.Len())
			assert.Equal(t, out.Response, state.Response())
		})
	}
}

func TestDispatcher_UnclassifiableQueryUsesFallback(t *testing.T) {
	gen := llm.NewMockClient()
	gen.QueueFinalResponse("I can't help with the weather, but I can manage your mail.")

	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{
		Rewriter:   staticRewriter{},
		Router:     keywordRouter{},
		Tools:      panickingHandler{},
		Generative: NewGenerativeAgent(gen, GenerativeOptions{Logger: quietLogger()}),
		Publisher:  pub,
		Logger:     quietLogger(),
	})

	out := d.Handle(context.Background(), conversation.NewState(), "what's the weather on mars")
	assert.Equal(t, router.CategoryNone, out.Category)
	assert.NotEmpty(t, out.Response)
	assert.False(t, out.Degraded)
	assert.Equal(t, notCapableSystemPrompt, gen.LastRequest().SystemPrompt)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, "fallback_agent", pub.all()[0].AgentName)
}

func TestDispatcher_RecoversHandlerPanic(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Rewriter:        staticRewriter{},
		Router:          keywordRouter{"mail": router.CategoryMail},
		Tools:           panickingHandler{},
		Generative:      panickingHandler{},
		ApologyResponse: "sorry, something went wrong",
		Logger:          quietLogger(),
	})

	out := d.Handle(context.Background(), conversation.NewState(), "mail bob")
	assert.Equal(t, StateResponded, out.FinalState())
	assert.Equal(t, "sorry, something went wrong", out.Response)
	assert.True(t, out.Degraded)
	require.ErrorIs(t, out.Failure, ErrHandlerPanicked)
}

func TestDispatcher_RecoversRewriterAndRouterPanics(t *testing.T) {
	gen := llm.NewMockClient()
	gen.QueueFinalResponse("I can't help with that one.")
	pub := &recordingPublisher{}

	d := NewDispatcher(DispatcherConfig{
		Rewriter:   panickingRewriter{},
		Router:     panickingRouter{},
		Tools:      panickingHandler{},
		Generative: NewGenerativeAgent(gen, GenerativeOptions{Logger: quietLogger()}),
		Publisher:  pub,
		Logger:     quietLogger(),
	})
	state := conversation.NewState()

	var out Outcome
	require.NotPanics(t, func() {
		out = d.Handle(context.Background(), state, "  book a table  ")
	})
	assert.Equal(t, StateResponded, out.FinalState())
	assert.Equal(t, "book a table", out.RewrittenQuery)
	assert.Equal(t, router.CategoryNone, out.Category)
	assert.Equal(t, "I can't help with that one.", out.Response)
	assert.Equal(t, "book a table", state.View().RewrittenQuery)
	require.Len(t, pub.all(), 1)
}

func TestDispatcher_PublisherPanicDropsEvent(t *testing.T) {
	gen := llm.NewMockClient()
	gen.QueueFinalResponse("Here is a haiku.")

	d := NewDispatcher(DispatcherConfig{
		Rewriter:   staticRewriter{},
		Router:     keywordRouter{},
		Generative: NewGenerativeAgent(gen, GenerativeOptions{Logger: quietLogger()}),
		Publisher:  panickingPublisher{},
		Logger:     quietLogger(),
	})

	var out Outcome
	require.NotPanics(t, func() {
		out = d.Handle(context.Background(), conversation.NewState(), "write a haiku")
	})
	assert.Equal(t, "Here is a haiku.", out.Response)
	assert.False(t, out.Published)
	assert.False(t, out.Degraded)
}

// With the calendar server down, calendar queries degrade while mail
// queries before and after are unaffected.
func TestDispatcher_NamespaceIsolation(t *testing.T) {
	mail := mailConnector()
	cal := calendarConnector()
	cal.setDown(true)
	pool := newPool(mail, cal)

	client := llm.NewMockClient()
	client.QueueToolCall("mail:list_emails", map[string]any{})
	client.QueueFinalResponse("Inbox summarized.")
	client.QueueToolCall("mail:list_emails", map[string]any{})
	client.QueueFinalResponse("Inbox summarized again.")

	d := NewDispatcher(DispatcherConfig{
		Rewriter: staticRewriter{},
		Router: keywordRouter{
			"mail":    router.CategoryMail,
			"meeting": router.CategoryCalendar,
		},
		Tools:      NewMasterAgent(client, pool, MasterOptions{Logger: quietLogger()}),
		Generative: NewGenerativeAgent(llm.NewMockClient(), GenerativeOptions{Logger: quietLogger()}),
		Logger:     quietLogger(),
	})
	state := conversation.NewState()

	first := d.Handle(context.Background(), state, "summarize my mail")
	assert.False(t, first.Degraded)
	assert.Equal(t, "Inbox summarized.", first.Response)

	calOut := d.Handle(context.Background(), state, "list my meeting schedule")
	assert.True(t, calOut.Degraded)
	assert.Equal(t, []string{"calendar"}, calOut.Unavailable)
	assert.Contains(t, calOut.Response, "calendar service is unavailable")

	after := d.Handle(context.Background(), state, "summarize my mail")
	assert.False(t, after.Degraded)
	assert.Equal(t, "Inbox summarized again.", after.Response)
	require.NoError(t, client.Verify())
}

func TestDispatcher_HistoryStaysBounded(t *testing.T) {
	gen := llm.NewMockClient()
	d := NewDispatcher(DispatcherConfig{
		Rewriter:   staticRewriter{},
		Router:     keywordRouter{"resume": router.CategoryResume},
		Generative: NewGenerativeAgent(gen, GenerativeOptions{Logger: quietLogger()}),
		Logger:     quietLogger(),
	})
	state := conversation.NewState()
	for i := 0; i < 30; i++ {
		d.Handle(context.Background(), state, "polish my resume")
	}
	assert.Equal(t, conversation.MaxHistory, state.History.Len())
	last := state.History.Snapshot()[conversation.MaxHistory-1]
	assert.Equal(t, conversation.RoleAssistant, last.Role)
	assert.Equal(t, "Mock response", last.Content)
}
