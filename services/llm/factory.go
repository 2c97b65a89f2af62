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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
)

// New builds the client for backend using the credentials and endpoints in
// cfg. model overrides the backend default when non-empty.
func New(ctx context.Context, backend, model string, cfg config.LLMConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", backend)

	switch backend {
	case "openai":
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.BaseURL, model, logger)
	case "gemini":
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, model, logger)
	case "anthropic":
		return NewAnthropicClient(cfg.AnthropicAPIKey, "", model, logger)
	case "ollama":
		return NewOllamaClient(cfg.OllamaURL, model, logger)
	case "mock":
		c := NewMockClient()
		if model != "" {
			c.WithModel(model)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Clients bundles the three roles the assistant and eval pipeline need.
type Clients struct {
	Agent  Client
	Router Client
	Judge  Client
}

// NewClients builds agent, router, and judge clients from cfg. The router
// shares the agent backend; the judge may use a different one.
func NewClients(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Clients, error) {
	agent, err := New(ctx, cfg.Backend, cfg.Model, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("agent client: %w", err)
	}
	router := agent
	if cfg.RouterModel != "" && cfg.RouterModel != cfg.Model {
		if router, err = New(ctx, cfg.Backend, cfg.RouterModel, cfg, logger); err != nil {
			return nil, fmt.Errorf("router client: %w", err)
		}
	}
	judge, err := New(ctx, cfg.JudgeBackend, cfg.JudgeModel, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("judge client: %w", err)
	}
	return &Clients{Agent: agent, Router: router, Judge: judge}, nil
}
