// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolserver connects the assistant to external tool servers.
//
// Each server is reached through a Connector and owns a namespace equal to
// its configured name. Tools are exposed to the model as
// "<namespace>:<tool>" and routed back to the owning server by that prefix.
// A Pool isolates servers from each other: one server being down never
// affects calls to another.
package toolserver

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.assist.toolserver")

// NamespaceSeparator joins a server namespace and a tool name.
const NamespaceSeparator = ":"

// ToolSpec describes one tool offered by a server.
type ToolSpec struct {
	// Server is the owning namespace.
	Server string `json:"server"`

	// Name is the tool's name on its server, without namespace.
	Name string `json:"name"`

	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// QualifiedName returns "<server>:<name>".
func (t ToolSpec) QualifiedName() string {
	return t.Server + NamespaceSeparator + t.Name
}

// SplitQualifiedName splits "<server>:<name>". Only the first separator
// counts, so tool names may themselves contain ':'.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(qualified, NamespaceSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// CallResult is the outcome of a tool invocation that reached the server.
type CallResult struct {
	// Content is the tool's textual output.
	Content string `json:"content"`

	// IsError is set when the tool itself reported failure.
	IsError bool `json:"is_error,omitempty"`
}

// Connector talks to a single tool server.
//
// Implementations must be safe for concurrent use and must reconnect on
// their own after a connection-level failure.
type Connector interface {
	// Name returns the namespace this connector serves.
	Name() string

	// ListTools returns the server's tools, each with Server set to Name().
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a tool by its un-namespaced name.
	CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error)

	// Close releases the connection.
	Close() error
}

// Discovery is the result of listing tools across several namespaces.
type Discovery struct {
	// Tools are sorted by qualified name.
	Tools []ToolSpec

	// Unavailable lists namespaces that could not be listed, in request
	// order.
	Unavailable []string
}

// Available reports whether at least one requested namespace answered.
func (d Discovery) Available() bool {
	return len(d.Unavailable) == 0 || len(d.Tools) > 0
}
