// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience holds failure-isolation primitives shared by the
// assistant and the evaluation pipeline.
//
// The main user is the tool-server pool: every tool-server namespace gets
// its own Breaker from a Registry, so a server that keeps failing is
// skipped quickly while other namespaces continue untouched.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the state of a circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   │                          [cooldown]
//	   │                              ▼
//	   └────────[successes]──── HALF_OPEN ──[any failure]──► OPEN
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects calls with ErrCircuitOpen until the cooldown passes.
	StateOpen

	// StateHalfOpen lets calls through to probe recovery.
	StateHalfOpen
)

// String returns "CLOSED", "OPEN", "HALF_OPEN", or "UNKNOWN(n)".
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a Breaker. Zero fields take the defaults shown.
type Config struct {
	// FailureThreshold is consecutive failures before opening. Default: 3
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is consecutive half-open successes to close. Default: 1
	SuccessThreshold int `yaml:"success_threshold"`

	// Cooldown is how long the breaker stays open. Default: 15s
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig returns the defaults used for tool-server namespaces.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker implements the circuit breaker pattern for one named dependency.
//
// # Description
//
// Counts consecutive failures of calls made through Execute. Context
// cancellation by the caller is not counted as a failure of the
// dependency.
//
// # Thread Safety
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name        string
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// NewBreaker creates a closed breaker.
//
// # Inputs
//
//   - name: Dependency name, passed to OnStateChange.
//   - config: Thresholds; zero values take defaults.
//
// # Outputs
//
//   - *Breaker: Breaker in StateClosed.
func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker allows it and records the outcome.
//
// # Outputs
//
//   - error: ErrCircuitOpen when rejected, otherwise fn's error.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed, moving OPEN to HALF_OPEN once
// the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Record feeds an outcome into the breaker. A nil err is a success.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.successes++
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			if b.successes >= b.config.SuccessThreshold {
				b.failures = 0
				b.transitionTo(StateClosed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to != StateHalfOpen {
		b.successes = 0
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, to)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transitionTo(StateClosed)
}

// Registry hands out one Breaker per name, created on first use.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	config   Config
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry whose breakers share config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
