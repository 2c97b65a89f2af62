// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"sync"
	"time"
)

// MaxHistory is the number of entries a session retains.
const MaxHistory = 40

// HistoryManager is a bounded, ordered message log.
//
// # Description
//
// Entries are kept in insertion order. When a push would exceed the cap,
// the oldest entries are evicted first. The cap applies to every role,
// tool entries included.
//
// # Thread Safety
//
// HistoryManager is safe for concurrent use. Snapshot returns a copy that
// callers may modify freely.
type HistoryManager struct {
	mu       sync.Mutex
	messages []Message
	max      int
	now      func() time.Time
}

// NewHistoryManager creates a history capped at max entries. A
// non-positive max falls back to MaxHistory.
func NewHistoryManager(max int) *HistoryManager {
	if max <= 0 {
		max = MaxHistory
	}
	return &HistoryManager{
		messages: make([]Message, 0, max),
		max:      max,
		now:      time.Now,
	}
}

// PushOption decorates an entry before it is stored.
type PushOption func(*Message)

// WithToolCall marks an entry as the result of a tool invocation.
func WithToolCall(id, name string) PushOption {
	return func(m *Message) {
		m.ToolCallID = id
		m.Name = name
	}
}

// WithError flags a tool entry as a structured error.
func WithError() PushOption {
	return func(m *Message) { m.IsError = true }
}

// Push appends an entry, evicting from the front if the cap is exceeded.
func (h *HistoryManager) Push(role Role, content string, opts ...PushOption) {
	msg := Message{Role: role, Content: content}
	for _, opt := range opts {
		opt(&msg)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	msg.Timestamp = h.now()
	h.messages = append(h.messages, msg)
	if over := len(h.messages) - h.max; over > 0 {
		// Shift in place so the backing array does not grow unbounded.
		n := copy(h.messages, h.messages[over:])
		clear(h.messages[n:])
		h.messages = h.messages[:n]
	}
}

// Clear empties the history.
func (h *HistoryManager) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.messages)
	h.messages = h.messages[:0]
}

// Snapshot returns a copy of the entries, oldest first.
func (h *HistoryManager) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Last returns the most recent n entries, oldest first.
func (h *HistoryManager) Last(n int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(h.messages) {
		n = len(h.messages)
	}
	out := make([]Message, n)
	copy(out, h.messages[len(h.messages)-n:])
	return out
}

// Len returns the number of retained entries.
func (h *HistoryManager) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Cap returns the configured maximum.
func (h *HistoryManager) Cap() int {
	return h.max
}
