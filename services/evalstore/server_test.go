// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evalstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	storage "github.com/AleutianAI/AleutianAssist/services/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store  *SQLiteStore
	queue  *eval.BadgerQueue
	server *httptest.Server
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	queue, err := eval.NewBadgerQueue(db, eval.BadgerQueueOptions{Logger: quietLogger()})
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Store:    store,
		Queue:    queue,
		Registry: prometheus.NewRegistry(),
		Logger:   quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = queue.Close()
		_ = db.Close()
	})
	return &testEnv{store: store, queue: queue, server: ts, client: NewClient(ts.URL, 5*time.Second)}
}

func TestServer_BannerHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var banner map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banner))
	assert.Equal(t, ServiceName, banner["service"])

	require.NoError(t, env.client.Health(context.Background()))

	_, err = env.client.CreateRecord(context.Background(), sampleResult("mail", eval.StatusPass, 1))
	require.NoError(t, err)

	metrics, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, metrics.Body)
	assert.Contains(t, buf.String(), `aleutian_assist_evalstore_records_created_total{category="mail",status="pass"} 1`)
}

func TestServer_HealthReportsClosedDatabase(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	env.server.Config.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","database":"disconnected"}`, rec.Body.String())

	require.ErrorIs(t, env.client.Health(context.Background()), ErrUnhealthy)
}

func TestServer_EvalsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := sampleResult("mail", eval.StatusPass, 1)
	in.ID = "client-chosen"
	created, err := env.client.CreateRecord(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", created.ID, "ids are server assigned")

	_, err = env.client.CreateRecord(ctx, sampleResult("calendar", eval.StatusFail, 0))
	require.NoError(t, err)

	got, err := env.client.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail_agent", got.AgentName)

	_, err = env.client.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.client.CreateRecord(ctx, sampleResult("mail", eval.StatusPass, 1.5))
	require.ErrorIs(t, err, ErrInvalidRecord)
	require.ErrorIs(t, err, eval.ErrPermanent)

	mail, err := env.client.List(ctx, eval.ResultFilter{Category: "mail"})
	require.NoError(t, err)
	require.Len(t, mail, 1)

	failed, err := env.client.List(ctx, eval.ResultFilter{Status: eval.StatusFail, Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "calendar", failed[0].Category)

	st, err := env.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalResults)
	assert.Equal(t, 1, st.ByStatus["fail"])
}

func TestServer_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/evals", `{"status":`, http.StatusBadRequest},
		{"invalid status", http.MethodPost, "/evals",
			`{"test_name":"t","agent_name":"a","category":"mail","status":"maybe","score":0.5}`, http.StatusBadRequest},
		{"limit too large", http.MethodGet, "/evals?limit=5000", "", http.StatusBadRequest},
		{"limit not a number", http.MethodGet, "/evals?limit=ten", "", http.StatusBadRequest},
		{"bad wait", http.MethodPost, "/queues/agent_evals/pop?wait=soon", "", http.StatusBadRequest},
		{"push non json", http.MethodPost, "/queues/agent_evals/push", "hello", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			env.server.Config.Handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_QueueEndpointsViaHTTPQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := eval.NewHTTPQueue(env.server.URL, nil)

	require.NoError(t, q.Push(ctx, eval.DefaultChannel, []byte(`{"id":"e1"}`)))
	require.NoError(t, q.Push(ctx, eval.DefaultChannel, []byte(`{"id":"e2"}`)))

	n, err := q.Length(ctx, eval.DefaultChannel)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := q.Pop(ctx, eval.DefaultChannel, 100*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1"}`, string(d.Payload))
	require.NoError(t, q.Ack(ctx, eval.DefaultChannel, d.ID))
	require.ErrorIs(t, q.Ack(ctx, eval.DefaultChannel, d.ID), eval.ErrUnknownDelivery)

	require.NoError(t, q.Clear(ctx, eval.DefaultChannel))
	_, err = q.Pop(ctx, eval.DefaultChannel, 50*time.Millisecond)
	require.ErrorIs(t, err, eval.ErrQueueEmpty)
}

func TestServer_NoQueueRoutesWithoutQueue(t *testing.T) {
	srv := NewServer(ServerConfig{Store: newTestStore(t), Registry: prometheus.NewRegistry(), Logger: quietLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/agent_evals/length", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// A mail event published by the assistant travels over the HTTP queue,
// is judged a pass, stored through the HTTP client, and is listed back
// under category mail with score 1.0.
func TestEndToEnd_MailEventScoresOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queue := eval.NewHTTPQueue(env.server.URL, nil)
	pub := eval.NewQueuePublisher(queue, eval.PublisherOptions{Logger: quietLogger()})
	require.True(t, pub.Publish(eval.EvalEvent{
		AgentName: "mail_agent",
		Category:  "mail",
		Query:     "list my unread email",
		Response:  "You have two unread emails from Alice.",
		Metadata:  map[string]any{"tool_calls": 1},
	}))
	require.NoError(t, pub.Close(ctx))

	judgeModel := llm.NewMockClient()
	judgeModel.QueueFinalResponse(`{"status":"pass","justification":"Listed unread mail.","improvement":""}`)
	consumer := eval.NewConsumer(queue, eval.NewLLMJudge(judgeModel, eval.LLMJudgeOptions{}), env.client,
		eval.ConsumerOptions{PopWait: 50 * time.Millisecond, StatsInterval: -1, Logger: quietLogger()})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	var results []eval.EvalResult
	require.Eventually(t, func() bool {
		var err error
		results, err = env.client.List(ctx, eval.ResultFilter{Category: "mail"})
		return err == nil && len(results) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, eval.StatusPass, results[0].Status)
	assert.Equal(t, "list my unread email", results[0].UserInput)
	assert.Regexp(t, `^mail_agent_mail_\d+$`, results[0].TestName)

	n, err := queue.Length(ctx, eval.DefaultChannel)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClient_UnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewClient(url, time.Second)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnhealthy))
}
