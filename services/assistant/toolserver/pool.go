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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAssist/pkg/resilience"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// DiscoveryTimeout bounds tools/list per server.
	DiscoveryTimeout time.Duration

	// CallTimeout bounds tools/call per invocation.
	CallTimeout time.Duration

	// Breaker configures the per-namespace circuit breakers.
	Breaker resilience.Config

	Logger *slog.Logger
}

// Pool owns one Connector per namespace and routes calls by prefix.
//
// # Description
//
// Every namespace has its own circuit breaker. A namespace that keeps
// failing is short-circuited without affecting any other namespace. The
// pool caches the last successful tool listing per namespace so calls can
// be validated against the advertised schema.
//
// # Thread Safety
//
// Pool is safe for concurrent use.
type Pool struct {
	connectors map[string]Connector
	breakers   *resilience.Registry
	opts       PoolOptions
	logger     *slog.Logger

	mu      sync.RWMutex
	catalog map[string]map[string]*catalogEntry
}

type catalogEntry struct {
	spec   ToolSpec
	schema *gojsonschema.Schema
}

// NewPool creates a pool over connectors. Duplicate names keep the first.
func NewPool(connectors []Connector, opts PoolOptions) *Pool {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{
		connectors: make(map[string]Connector, len(connectors)),
		breakers:   resilience.NewRegistry(opts.Breaker),
		opts:       opts,
		logger:     opts.Logger,
		catalog:    make(map[string]map[string]*catalogEntry),
	}
	for _, c := range connectors {
		if _, dup := p.connectors[c.Name()]; dup {
			p.logger.Warn("duplicate tool server ignored", slog.String("tool_server", c.Name()))
			continue
		}
		p.connectors[c.Name()] = c
	}
	return p
}

// Namespaces returns the configured namespaces, sorted.
func (p *Pool) Namespaces() []string {
	names := make([]string, 0, len(p.connectors))
	for name := range p.connectors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Discover lists tools from each namespace in parallel.
//
// # Description
//
// Each namespace is listed under its own DiscoveryTimeout and through its
// circuit breaker. Failures are logged and reported in
// Discovery.Unavailable; they never fail the call as a whole.
//
// # Inputs
//
//   - ctx: Parent context.
//   - namespaces: Namespaces to list. Unknown names are reported unavailable.
//
// # Outputs
//
//   - Discovery: Tools sorted by qualified name, plus unavailable namespaces.
func (p *Pool) Discover(ctx context.Context, namespaces []string) Discovery {
	results := make([][]ToolSpec, len(namespaces))
	failed := make([]bool, len(namespaces))

	var g errgroup.Group
	for i, ns := range namespaces {
		g.Go(func() error {
			tools, err := p.list(ctx, ns)
			if err != nil {
				p.logger.Warn("tool discovery failed",
					slog.String("tool_server", ns), slog.String("error", err.Error()))
				failed[i] = true
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	var d Discovery
	for i, ns := range namespaces {
		if failed[i] {
			d.Unavailable = append(d.Unavailable, ns)
			continue
		}
		d.Tools = append(d.Tools, results[i]...)
	}
	slices.SortFunc(d.Tools, func(a, b ToolSpec) int {
		return strings.Compare(a.QualifiedName(), b.QualifiedName())
	})
	return d
}

func (p *Pool) list(ctx context.Context, ns string) ([]ToolSpec, error) {
	conn, ok := p.connectors[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, ns)
	}

	var tools []ToolSpec
	err := p.breakers.Get(ns).Execute(ctx, func(ctx context.Context) error {
		listCtx, cancel := context.WithTimeout(ctx, p.opts.DiscoveryTimeout)
		defer cancel()
		var err error
		tools, err = conn.ListTools(listCtx)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %s: %w", ErrServerUnavailable, ns, err)
	}
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*catalogEntry, len(tools))
	for i := range tools {
		tools[i].Server = ns
		entry := &catalogEntry{spec: tools[i]}
		if len(tools[i].InputSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tools[i].InputSchema))
			if err != nil {
				p.logger.Warn("tool schema not usable for validation",
					slog.String("tool", tools[i].QualifiedName()), slog.String("error", err.Error()))
			} else {
				entry.schema = schema
			}
		}
		entries[tools[i].Name] = entry
	}
	p.mu.Lock()
	p.catalog[ns] = entries
	p.mu.Unlock()
	return tools, nil
}

// Call invokes a tool by qualified name with JSON-encoded arguments.
//
// # Description
//
// Resolves the namespace, checks the tool was advertised, validates the
// arguments against its schema, then calls the owning connector under
// CallTimeout and its namespace's breaker. Any returned error is meant to
// be fed back to the model as a structured tool error.
//
// # Outputs
//
//   - CallResult: The server's answer; IsError may be set by the tool.
//   - error: ErrUnknownServer, ErrUnknownTool, ErrInvalidArguments,
//     ErrServerUnavailable, or a protocol error from the server.
func (p *Pool) Call(ctx context.Context, qualified, arguments string) (CallResult, error) {
	ns, tool, ok := SplitQualifiedName(qualified)
	if !ok {
		return CallResult{}, fmt.Errorf("%w: %q is not namespaced", ErrUnknownTool, qualified)
	}
	conn, ok := p.connectors[ns]
	if !ok {
		return CallResult{}, fmt.Errorf("%w: %s", ErrUnknownServer, ns)
	}

	p.mu.RLock()
	entry, known := p.catalog[ns][tool]
	p.mu.RUnlock()
	if !known {
		return CallResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, qualified)
	}

	args, err := decodeArguments(arguments)
	if err != nil {
		return CallResult{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, qualified, err)
	}
	if entry.schema != nil {
		result, err := entry.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return CallResult{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, qualified, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return CallResult{}, fmt.Errorf("%w: %s: %s", ErrInvalidArguments, qualified, strings.Join(msgs, "; "))
		}
	}

	var out CallResult
	var protocolErr error
	err = p.breakers.Get(ns).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		res, err := conn.CallTool(callCtx, tool, args)
		if err != nil && !errors.Is(err, ErrServerUnavailable) && callCtx.Err() == nil {
			// The server answered; only reachability counts against it.
			protocolErr = err
			return nil
		}
		out = res
		return err
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return CallResult{}, fmt.Errorf("%w: %s: %w", ErrServerUnavailable, ns, err)
	case err != nil:
		if !errors.Is(err, ErrServerUnavailable) {
			err = fmt.Errorf("%w: %s: %w", ErrServerUnavailable, ns, err)
		}
		return CallResult{}, err
	case protocolErr != nil:
		return CallResult{}, protocolErr
	}
	return out, nil
}

// Specs returns the cached specs for a namespace from its last listing.
func (p *Pool) Specs(ns string) []ToolSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(p.catalog[ns]))
	for _, e := range p.catalog[ns] {
		specs = append(specs, e.spec)
	}
	slices.SortFunc(specs, func(a, b ToolSpec) int { return strings.Compare(a.Name, b.Name) })
	return specs
}

// BreakerStates reports each namespace's breaker state.
func (p *Pool) BreakerStates() map[string]resilience.State {
	return p.breakers.States()
}

// Close closes every connector.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.connectors {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func decodeArguments(arguments string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}
