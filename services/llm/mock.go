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
	"fmt"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests and the "mock" backend.
//
// Queued steps are consumed in order; once the queue is empty the
// response function (if set) or the default response is used.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	name  string
	model string

	steps           []mockStep
	defaultResponse *Response
	responseFunc    func(*Request) (*Response, error)
	errorToReturn   error
	delay           time.Duration

	calls  []CompletionCall
	nextID int
}

type mockStep struct {
	response *Response
	err      error
}

// CompletionCall records one call to Complete.
type CompletionCall struct {
	Request   *Request
	Timestamp time.Time
}

// NewMockClient creates a mock whose default answer is "Mock response".
func NewMockClient() *MockClient {
	return &MockClient{
		name:  "mock",
		model: "mock-model",
		defaultResponse: &Response{
			Content:    "Mock response",
			StopReason: "end",
		},
	}
}

// WithModel sets the reported model name.
func (c *MockClient) WithModel(model string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	return c
}

// WithDelay adds latency to every call; the delay honours ctx.
func (c *MockClient) WithDelay(d time.Duration) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	return c
}

// WithError makes every call fail with err.
func (c *MockClient) WithError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorToReturn = err
	return c
}

// WithResponseFunc answers unqueued calls dynamically.
func (c *MockClient) WithResponseFunc(f func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = f
	return c
}

// SetDefaultResponse sets the answer used when nothing else applies.
func (c *MockClient) SetDefaultResponse(resp *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultResponse = resp
	return c
}

// QueueResponse queues a raw response.
func (c *MockClient) QueueResponse(resp *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, mockStep{response: resp})
	return c
}

// QueueError queues a single failing call.
func (c *MockClient) QueueError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, mockStep{err: err})
	return c
}

// QueueToolCall queues a response invoking one tool.
func (c *MockClient) QueueToolCall(toolName string, arguments map[string]any) *MockClient {
	return c.QueueToolCalls(MockCall{Name: toolName, Arguments: arguments})
}

// MockCall is a tool call used with QueueToolCalls.
type MockCall struct {
	Name      string
	Arguments map[string]any
}

// QueueToolCalls queues a single response invoking several tools.
func (c *MockClient) QueueToolCalls(calls ...MockCall) *MockClient {
	c.mu.Lock()
	toolCalls := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		args, _ := json.Marshal(call.Arguments)
		c.nextID++
		toolCalls = append(toolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", c.nextID),
			Name:      call.Name,
			Arguments: string(args),
		})
	}
	c.mu.Unlock()

	return c.QueueResponse(&Response{StopReason: "tool_use", ToolCalls: toolCalls})
}

// QueueFinalResponse queues a plain text answer.
func (c *MockClient) QueueFinalResponse(content string) *MockClient {
	return c.QueueResponse(&Response{Content: content, StopReason: "end"})
}

// Complete implements Client.
func (c *MockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, CompletionCall{Request: req, Timestamp: time.Now()})
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorToReturn != nil {
		return nil, c.errorToReturn
	}
	if len(c.steps) > 0 {
		step := c.steps[0]
		c.steps = c.steps[1:]
		if step.err != nil {
			return nil, step.err
		}
		resp := *step.response
		resp.Model = c.model
		resp.Duration = delay
		return &resp, nil
	}
	if c.responseFunc != nil {
		return c.responseFunc(req)
	}
	resp := *c.defaultResponse
	resp.Model = c.model
	resp.Duration = delay
	return &resp, nil
}

// Name implements Client.
func (c *MockClient) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Model implements Client.
func (c *MockClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Calls returns a copy of all recorded calls.
func (c *MockClient) Calls() []CompletionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompletionCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of Complete calls.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// LastRequest returns the most recent request, or nil.
func (c *MockClient) LastRequest() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1].Request
}

// Verify fails if queued steps were not consumed.
func (c *MockClient) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) > 0 {
		return fmt.Errorf("mock: %d queued responses not consumed", len(c.steps))
	}
	return nil
}
