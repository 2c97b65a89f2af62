// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// ConsumerOptionsFromConfig maps the eval section of the config onto
// ConsumerOptions.
func ConsumerOptionsFromConfig(cfg config.EvalConfig, metrics *Metrics, logger *slog.Logger) ConsumerOptions {
	return ConsumerOptions{
		Channel:        cfg.Channel,
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		PopWait:        cfg.PopWait,
		JudgeRPS:       cfg.JudgeRPS,
		StorageTimeout: cfg.StorageTimeout,
		Metrics:        metrics,
		Logger:         logger,
	}
}

// NewJudgeFromConfig builds an LLMJudge on the configured judge backend.
func NewJudgeFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*LLMJudge, error) {
	client, err := llm.New(ctx, cfg.LLM.JudgeBackend, cfg.LLM.JudgeModel, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("judge client: %w", err)
	}
	return NewLLMJudge(client, LLMJudgeOptions{
		Timeout: cfg.Eval.JudgeTimeout,
		Logger:  logger,
	}), nil
}
