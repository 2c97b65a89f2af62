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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	clientName    = "aleutian-assist"
	clientVersion = "0.1.0"
)

// MCPConnector is a Connector for a Model Context Protocol server reached
// over streamable HTTP (JSON-RPC 2.0 over POST).
//
// # Description
//
// The session is opened lazily on first use. A transport-level failure
// drops the session so the next call re-initializes it; callers never see
// a "reconnect" step.
//
// # Thread Safety
//
// MCPConnector is safe for concurrent use.
type MCPConnector struct {
	name    string
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	session *client.Client
}

// NewMCPConnector creates a connector for the server at url serving the
// namespace name. timeout caps each HTTP exchange.
func NewMCPConnector(name, url string, timeout time.Duration, logger *slog.Logger) *MCPConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MCPConnector{
		name:    name,
		url:     url,
		timeout: timeout,
		logger:  logger.With(slog.String("tool_server", name)),
	}
}

// Name implements Connector.
func (c *MCPConnector) Name() string { return c.name }

// Connected reports whether a session is currently open.
func (c *MCPConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// ListTools implements Connector.
func (c *MCPConnector) ListTools(ctx context.Context) ([]ToolSpec, error) {
	ctx, span := tracer.Start(ctx, "MCPConnector.ListTools")
	defer span.End()
	span.SetAttributes(attribute.String("tool.server", c.name))

	session, err := c.ensureSession(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		err = c.handleError(session, "tools/list", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		if t.InputSchema.Type == "" {
			t.InputSchema.Type = "object"
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			c.logger.Warn("skipping tool with unencodable schema",
				slog.String("tool", t.Name), slog.String("error", err.Error()))
			continue
		}
		specs = append(specs, ToolSpec{
			Server:      c.name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	span.SetAttributes(attribute.Int("tool.count", len(specs)))
	c.logger.Debug("listed tools", slog.Int("count", len(specs)))
	return specs, nil
}

// CallTool implements Connector.
func (c *MCPConnector) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	ctx, span := tracer.Start(ctx, "MCPConnector.CallTool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.server", c.name),
		attribute.String("tool.name", tool),
	)

	session, err := c.ensureSession(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CallResult{}, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	start := time.Now()
	result, err := session.CallTool(ctx, req)
	if err != nil {
		err = c.handleError(session, "tools/call", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CallResult{}, err
	}

	out := CallResult{Content: contentText(result), IsError: result.IsError}
	span.SetAttributes(attribute.Bool("tool.is_error", out.IsError))
	c.logger.Debug("tool call completed",
		slog.String("tool", tool),
		slog.Bool("is_error", out.IsError),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

// Close implements Connector.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *MCPConnector) ensureSession(ctx context.Context) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	session, err := client.NewStreamableHttpClient(c.url, transport.WithHTTPTimeout(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, c.name, err)
	}
	if err := session.Start(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: %s: start: %v", ErrServerUnavailable, c.name, err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := session.Initialize(ctx, init); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: %s: initialize: %v", ErrServerUnavailable, c.name, err)
	}

	c.logger.Info("tool server session established", slog.String("url", c.url))
	c.session = session
	return session, nil
}

// handleError classifies err. Transport failures drop the session and are
// reported as ErrServerUnavailable; protocol errors are returned as-is.
func (c *MCPConnector) handleError(session *client.Client, method string, err error) error {
	var transportErr *transport.Error
	if !errors.As(err, &transportErr) && !errors.Is(err, transport.ErrSessionTerminated) {
		return fmt.Errorf("%s %s: %w", c.name, method, err)
	}

	c.mu.Lock()
	if c.session == session {
		_ = session.Close()
		c.session = nil
	}
	c.mu.Unlock()

	c.logger.Warn("tool server connection lost, will reconnect on next call",
		slog.String("method", method), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s %s: %v", ErrServerUnavailable, c.name, method, err)
}

func contentText(result *mcp.CallToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if b, err := json.Marshal(result.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(parts, "\n")
}
