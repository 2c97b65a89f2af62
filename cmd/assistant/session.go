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
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/pkg/ux"
	"github.com/AleutianAI/AleutianAssist/services/assistant/agent"
	"github.com/AleutianAI/AleutianAssist/services/assistant/conversation"
)

// maxLineBytes caps a single input line.
const maxLineBytes = 1 << 20

// Answerer answers one query against a session state.
type Answerer interface {
	Handle(ctx context.Context, state *conversation.State, query string) agent.Outcome
}

// Session is one interactive conversation.
//
// # Description
//
// Lines are read from the input one at a time. The words history,
// clear, state, exit and quit are session commands; any other non-empty
// line is a query for the Answerer. Answering never ends the session;
// only exit, quit, end of input, or cancellation of ctx does.
type Session struct {
	answerer Answerer
	printer  *ux.Printer
	state    *conversation.State
}

// NewSession creates a session with a fresh conversation state.
func NewSession(answerer Answerer, printer *ux.Printer) *Session {
	return &Session{
		answerer: answerer,
		printer:  printer,
		state:    conversation.NewState(),
	}
}

// State exposes the session state.
func (s *Session) State() *conversation.State {
	return s.state
}

// Run reads lines from in until exit, end of input, or ctx is done.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	s.printer.Title("Aleutian Assist")
	s.printer.Muted("Ask about mail, calendar, expenses, or your resume. Commands: history, clear, state, exit.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		s.printer.Prompt("you")
		select {
		case <-ctx.Done():
			s.printer.Muted("\ngoodbye")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if !s.handleLine(ctx, line) {
				s.printer.Muted("goodbye")
				return nil
			}
		}
	}
}

// handleLine runs one line and reports whether the session continues.
func (s *Session) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return true
	case "exit", "quit":
		return false
	case "clear":
		s.state.Reset()
		s.printer.Success("Conversation cleared")
	case "history":
		s.printHistory()
	case "state":
		s.printState()
	default:
		s.Ask(ctx, line)
	}
	return true
}

// Ask answers one query and prints the response.
func (s *Session) Ask(ctx context.Context, query string) agent.Outcome {
	out := s.answerer.Handle(ctx, s.state, query)
	if out.Degraded {
		s.printer.WarningBox("Assistant", out.Response)
	} else {
		s.printer.Box("Assistant", out.Response)
	}
	detail := fmt.Sprintf("%s %s · %d iteration(s) · %d tool call(s) · %s",
		ux.IconBullet, out.Category, out.Iterations, out.ToolCalls, out.Duration.Round(time.Millisecond))
	if len(out.Unavailable) > 0 {
		detail += " · unavailable: " + strings.Join(out.Unavailable, ", ")
	}
	s.printer.Muted(detail)
	return out
}

func (s *Session) printHistory() {
	entries := s.state.History.Snapshot()
	if len(entries) == 0 {
		s.printer.Info("No history yet")
		return
	}
	for i, m := range entries {
		s.printer.Entry(i+1, string(m.Role), m.Name, m.Content, m.IsError)
	}
}

func (s *Session) printState() {
	v := s.state.View()
	s.printer.KeyValue("query", v.Query)
	s.printer.KeyValue("rewritten_query", v.RewrittenQuery)
	s.printer.KeyValue("category", v.Category)
	s.printer.KeyValue("response", v.Response)
	s.printer.KeyValue("degraded", strconv.FormatBool(v.Degraded))
	s.printer.KeyValue("history", strconv.Itoa(v.HistoryLen))
}
