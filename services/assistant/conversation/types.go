// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the per-session conversation state: the
// bounded message history and the fields the dispatcher fills in while
// serving a query.
package conversation

import (
	"sync"
	"time"
)

// Role identifies the speaker of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name is the namespaced tool name ("mail:send_email") on tool entries.
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool entry to the call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool entry that carries a structured error.
	IsError bool `json:"is_error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// State is the working state of one session.
//
// # Description
//
// A State is created once per session and reused across queries. The
// per-query fields are overwritten by every dispatch; History persists
// until Reset.
//
// # Thread Safety
//
// The scalar fields are guarded by an internal mutex through Set/Snapshot.
// History has its own lock.
type State struct {
	mu sync.RWMutex

	query          string
	rewrittenQuery string
	category       string
	response       string
	degraded       bool

	History *HistoryManager
}

// NewState creates an empty session state with a fresh history.
func NewState() *State {
	return &State{History: NewHistoryManager(MaxHistory)}
}

// StateView is an immutable copy of the scalar fields of a State.
type StateView struct {
	Query          string `json:"query"`
	RewrittenQuery string `json:"rewritten_query"`
	Category       string `json:"category"`
	Response       string `json:"response"`
	Degraded       bool   `json:"degraded"`
	HistoryLen     int    `json:"history_len"`
}

// BeginQuery records a new raw query and clears the per-query fields.
func (s *State) BeginQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = query
	s.rewrittenQuery = query
	s.category = ""
	s.response = ""
	s.degraded = false
}

func (s *State) SetRewrittenQuery(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrittenQuery = q
}

func (s *State) SetCategory(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.category = c
}

func (s *State) SetResponse(resp string, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = resp
	s.degraded = degraded
}

func (s *State) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

func (s *State) RewrittenQuery() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rewrittenQuery
}

func (s *State) Category() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.category
}

func (s *State) Response() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.response
}

// View returns a copy of the current state for display.
func (s *State) View() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateView{
		Query:          s.query,
		RewrittenQuery: s.rewrittenQuery,
		Category:       s.category,
		Response:       s.response,
		Degraded:       s.degraded,
		HistoryLen:     s.History.Len(),
	}
}

// Reset clears history and every per-query field.
func (s *State) Reset() {
	s.mu.Lock()
	s.query = ""
	s.rewrittenQuery = ""
	s.category = ""
	s.response = ""
	s.degraded = false
	s.mu.Unlock()
	s.History.Clear()
}
