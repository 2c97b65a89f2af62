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
	"fmt"
	"time"
)

// StateMachine validates dispatch state transitions.
//
// The transition graph:
//
//	REWRITE → ROUTE              : Query rewritten (or left as is)
//	ROUTE → DISPATCH             : Category selected
//	DISPATCH → MASTER_LOOP       : Category needs side-effecting tools
//	DISPATCH → GENERATIVE        : Category answered without tools
//	MASTER_LOOP → RESPONDED      : Loop produced an answer
//	GENERATIVE → RESPONDED       : Model produced an answer
//	* → RESPONDED                : Failure fallback from any live state
//
// Thread Safety:
//
//	The table is built once and only read afterwards, so a StateMachine
//	is safe for concurrent use.
type StateMachine struct {
	transitions map[DispatchState]map[DispatchState]bool
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[DispatchState]map[DispatchState]bool),
	}
	for _, state := range AllStates() {
		sm.transitions[state] = make(map[DispatchState]bool)
	}

	sm.addTransition(StateRewrite, StateRoute)
	sm.addTransition(StateRoute, StateDispatch)
	sm.addTransition(StateDispatch, StateMasterLoop)
	sm.addTransition(StateDispatch, StateGenerative)
	sm.addTransition(StateMasterLoop, StateResponded)
	sm.addTransition(StateGenerative, StateResponded)

	for _, state := range AllStates() {
		if !state.IsTerminal() {
			sm.addTransition(state, StateResponded)
		}
	}
	return sm
}

func (sm *StateMachine) addTransition(from, to DispatchState) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition from one state to another is valid.
func (sm *StateMachine) CanTransition(from, to DispatchState) bool {
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// ValidTransitionsFrom returns all valid targets from a state, in
// pipeline order.
func (sm *StateMachine) ValidTransitionsFrom(from DispatchState) []DispatchState {
	var result []DispatchState
	for _, state := range AllStates() {
		if sm.CanTransition(from, state) {
			result = append(result, state)
		}
	}
	return result
}

// TransitionReason provides a human-readable description of a transition.
func (sm *StateMachine) TransitionReason(from, to DispatchState) string {
	switch {
	case from == StateRewrite && to == StateRoute:
		return "query rewritten"
	case from == StateRoute && to == StateDispatch:
		return "category selected"
	case from == StateDispatch && to == StateMasterLoop:
		return "category requires tools"
	case from == StateDispatch && to == StateGenerative:
		return "category answered without tools"
	case from == StateMasterLoop && to == StateResponded:
		return "tool loop finished"
	case from == StateGenerative && to == StateResponded:
		return "generation finished"
	case to == StateResponded:
		return "failure fallback"
	default:
		return "unknown transition"
	}
}

// tracker walks one query through the machine and records the trace.
type tracker struct {
	machine *StateMachine
	current DispatchState
	trace   []Transition
	now     func() time.Time
}

func newTracker(sm *StateMachine) *tracker {
	return &tracker{machine: sm, current: StateRewrite, now: time.Now}
}

// advance moves to the next state, or returns ErrInvalidTransition and
// leaves the current state unchanged.
func (t *tracker) advance(to DispatchState) error {
	if !t.machine.CanTransition(t.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.current, to)
	}
	t.trace = append(t.trace, Transition{
		From:   t.current,
		To:     to,
		Reason: t.machine.TransitionReason(t.current, to),
		At:     t.now(),
	})
	t.current = to
	return nil
}

// states lists every state visited, starting with REWRITE.
func (t *tracker) states() []string {
	out := make([]string, 0, len(t.trace)+1)
	out = append(out, StateRewrite.String())
	for _, tr := range t.trace {
		out = append(out, tr.To.String())
	}
	return out
}
