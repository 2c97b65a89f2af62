// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAssist/pkg/resilience"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMailServer starts an MCP server with a send_email tool. While down
// is set every HTTP request fails with 503.
func newMailServer(t *testing.T, down *atomic.Bool) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("mail", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("send_email",
			mcp.WithDescription("Send an email"),
			mcp.WithString("to", mcp.Required()),
			mcp.WithString("subject"),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			to, err := req.RequireString("to")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if to == "blocked@example.com" {
				return mcp.NewToolResultError("recipient blocked"), nil
			}
			return mcp.NewToolResultText(`{"status":"sent","to":"` + to + `"}`), nil
		},
	)
	mcpHandler := server.NewStreamableHTTPServer(s)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down != nil && down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		mcpHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMCPConnector_ListAndCall(t *testing.T) {
	srv := newMailServer(t, nil)
	conn := NewMCPConnector("mail", srv.URL+"/mcp", 5*time.Second, quietLogger())
	defer conn.Close()
	ctx := context.Background()

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "mail:send_email", tools[0].QualifiedName())
	assert.Contains(t, string(tools[0].InputSchema), `"to"`)
	assert.True(t, conn.Connected())

	res, err := conn.CallTool(ctx, "send_email", map[string]any{"to": "bob@example.com"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"status":"sent","to":"bob@example.com"}`, res.Content)

	res, err = conn.CallTool(ctx, "send_email", map[string]any{"to": "blocked@example.com"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "recipient blocked", res.Content)
}

func TestMCPConnector_ReconnectsAfterConnectionError(t *testing.T) {
	var down atomic.Bool
	srv := newMailServer(t, &down)
	conn := NewMCPConnector("mail", srv.URL+"/mcp", 5*time.Second, quietLogger())
	defer conn.Close()
	ctx := context.Background()

	_, err := conn.ListTools(ctx)
	require.NoError(t, err)

	down.Store(true)
	_, err = conn.CallTool(ctx, "send_email", map[string]any{"to": "bob@example.com"})
	require.ErrorIs(t, err, ErrServerUnavailable)
	assert.False(t, conn.Connected(), "session dropped after transport failure")

	down.Store(false)
	res, err := conn.CallTool(ctx, "send_email", map[string]any{"to": "bob@example.com"})
	require.NoError(t, err, "next call re-initializes transparently")
	assert.False(t, res.IsError)
	assert.True(t, conn.Connected())
}

func TestMCPConnector_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	conn := NewMCPConnector("calendar", url+"/mcp", time.Second, quietLogger())
	_, err := conn.ListTools(context.Background())
	require.ErrorIs(t, err, ErrServerUnavailable)
}

func TestSplitQualifiedName(t *testing.T) {
	s, tool, ok := SplitQualifiedName("mail:send_email")
	require.True(t, ok)
	assert.Equal(t, "mail", s)
	assert.Equal(t, "send_email", tool)

	_, tool, ok = SplitQualifiedName("ns:a:b")
	require.True(t, ok)
	assert.Equal(t, "a:b", tool)

	for _, bad := range []string{"send_email", ":x", "mail:", ""} {
		_, _, ok := SplitQualifiedName(bad)
		assert.False(t, ok, bad)
	}
}

// fakeConnector is an in-memory Connector.
type fakeConnector struct {
	name  string
	tools []ToolSpec

	mu       sync.Mutex
	down     bool
	calls    int
	listErr  error
	protoErr error
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) ListTools(ctx context.Context) ([]ToolSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrServerUnavailable
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]ToolSpec(nil), f.tools...), nil
}

func (f *fakeConnector) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return CallResult{}, ErrServerUnavailable
	}
	if f.protoErr != nil {
		return CallResult{}, f.protoErr
	}
	return CallResult{Content: f.name + ":" + tool + " ok"}, nil
}

func (f *fakeConnector) Close() error { return nil }

func (f *fakeConnector) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPool(conns ...Connector) *Pool {
	return NewPool(conns, PoolOptions{
		DiscoveryTimeout: time.Second,
		CallTimeout:      time.Second,
		Breaker:          resilience.Config{FailureThreshold: 2, Cooldown: time.Hour},
		Logger:           quietLogger(),
	})
}

func TestPool_DiscoverReportsUnavailable(t *testing.T) {
	mail := &fakeConnector{name: "mail", tools: []ToolSpec{{Name: "send_email"}, {Name: "list_emails"}}}
	cal := &fakeConnector{name: "calendar", down: true}
	p := newTestPool(mail, cal)

	d := p.Discover(context.Background(), []string{"calendar", "mail", "pager"})
	assert.Equal(t, []string{"calendar", "pager"}, d.Unavailable)
	require.Len(t, d.Tools, 2)
	assert.Equal(t, "mail:list_emails", d.Tools[0].QualifiedName())
	assert.Equal(t, "mail:send_email", d.Tools[1].QualifiedName())
	assert.True(t, d.Available())

	d = p.Discover(context.Background(), []string{"calendar"})
	assert.False(t, d.Available())
}

func TestPool_CallRouting(t *testing.T) {
	mail := &fakeConnector{name: "mail", tools: []ToolSpec{{
		Name:        "send_email",
		InputSchema: []byte(`{"type":"object","properties":{"to":{"type":"string"}},"required":["to"]}`),
	}}}
	p := newTestPool(mail)
	ctx := context.Background()
	p.Discover(ctx, []string{"mail"})

	res, err := p.Call(ctx, "mail:send_email", `{"to":"bob@example.com"}`)
	require.NoError(t, err)
	assert.Equal(t, "mail:send_email ok", res.Content)

	_, err = p.Call(ctx, "mail:send_email", `{"subject":"hi"}`)
	require.ErrorIs(t, err, ErrInvalidArguments)

	_, err = p.Call(ctx, "mail:send_email", `not json`)
	require.ErrorIs(t, err, ErrInvalidArguments)

	_, err = p.Call(ctx, "mail:delete_everything", `{}`)
	require.ErrorIs(t, err, ErrUnknownTool)

	_, err = p.Call(ctx, "calendar:list_events", `{}`)
	require.ErrorIs(t, err, ErrUnknownServer)

	_, err = p.Call(ctx, "send_email", `{}`)
	require.ErrorIs(t, err, ErrUnknownTool)

	assert.Equal(t, 1, mail.callCount(), "rejected calls never reach the server")
}

func TestPool_NamespaceIsolation(t *testing.T) {
	mail := &fakeConnector{name: "mail", tools: []ToolSpec{{Name: "send_email"}}}
	cal := &fakeConnector{name: "calendar", tools: []ToolSpec{{Name: "list_events"}}}
	p := newTestPool(mail, cal)
	ctx := context.Background()

	d := p.Discover(ctx, []string{"mail", "calendar"})
	require.Empty(t, d.Unavailable)

	cal.setDown(true)
	for i := 0; i < 2; i++ {
		_, err := p.Call(ctx, "calendar:list_events", `{}`)
		require.ErrorIs(t, err, ErrServerUnavailable)
	}
	assert.Equal(t, resilience.StateOpen, p.BreakerStates()["calendar"])

	// Open breaker short-circuits without touching the server.
	before := cal.callCount()
	_, err := p.Call(ctx, "calendar:list_events", `{}`)
	require.ErrorIs(t, err, ErrServerUnavailable)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, cal.callCount())

	// Mail is unaffected.
	res, err := p.Call(ctx, "mail:send_email", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "mail:send_email ok", res.Content)
	assert.Equal(t, resilience.StateClosed, p.BreakerStates()["mail"])
}

func TestPool_ProtocolErrorsDoNotTripBreaker(t *testing.T) {
	mail := &fakeConnector{name: "mail", tools: []ToolSpec{{Name: "send_email"}}, protoErr: errors.New("method not found")}
	p := newTestPool(mail)
	ctx := context.Background()
	p.Discover(ctx, []string{"mail"})

	for i := 0; i < 5; i++ {
		_, err := p.Call(ctx, "mail:send_email", `{}`)
		require.EqualError(t, err, "method not found")
	}
	assert.Equal(t, resilience.StateClosed, p.BreakerStates()["mail"])
}

func TestPool_WithMCPServers(t *testing.T) {
	mailSrv := newMailServer(t, nil)
	deadSrv := httptest.NewServer(http.NotFoundHandler())
	deadURL := deadSrv.URL
	deadSrv.Close()

	p := NewPool([]Connector{
		NewMCPConnector("mail", mailSrv.URL+"/mcp", 5*time.Second, quietLogger()),
		NewMCPConnector("calendar", deadURL+"/mcp", time.Second, quietLogger()),
	}, PoolOptions{Logger: quietLogger()})
	defer p.Close()
	ctx := context.Background()

	d := p.Discover(ctx, []string{"mail", "calendar"})
	assert.Equal(t, []string{"calendar"}, d.Unavailable)
	require.Len(t, d.Tools, 1)

	_, err := p.Call(ctx, "mail:send_email", `{"subject":"no recipient"}`)
	require.ErrorIs(t, err, ErrInvalidArguments)

	res, err := p.Call(ctx, "mail:send_email", `{"to":"bob@example.com","subject":"hi"}`)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "sent")
}
