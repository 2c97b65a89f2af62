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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// DefaultJudgeTimeout bounds a single judge call.
const DefaultJudgeTimeout = 30 * time.Second

// Judge grades one event.
//
// Judge returns an error only when the model could not be reached; a
// reply that cannot be parsed still yields a failing Verdict.
type Judge interface {
	Judge(ctx context.Context, ev EvalEvent) (Verdict, error)
}

const judgeSystemPrompt = `You are an evaluator for a personal assistant system. Grade the
agent's response to the user's query on correctness, completeness, clarity,
and helpfulness. Be strict but fair: "pass" means the response is good enough
to help the user, "fail" means it has issues that would confuse or mislead them.`

var judgeUserTemplate = prompts.NewPromptTemplate(
	`User query:
{{.query}}

Agent response:
{{.response}}

Agent category: {{.category}}
Agent name: {{.agent_name}}

Additional context:
{{.metadata}}

Respond with a single JSON object:
{"status": "pass" or "fail",
 "score": number between 0 and 1,
 "justification": "2-3 sentences",
 "improvement": "specific suggestions"}`,
	[]string{"query", "response", "category", "agent_name", "metadata"},
)

// LLMJudgeOptions configures an LLMJudge.
type LLMJudgeOptions struct {
	// Model overrides the client's default model.
	Model       string
	Timeout     time.Duration
	Temperature float64
	Logger      *slog.Logger
}

// LLMJudge grades events with a generation model.
//
// # Thread Safety
//
// Safe for concurrent use if the client is.
type LLMJudge struct {
	client llm.Client
	opts   LLMJudgeOptions
	logger *slog.Logger
}

// NewLLMJudge creates a judge backed by client.
func NewLLMJudge(client llm.Client, opts LLMJudgeOptions) *LLMJudge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultJudgeTimeout
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMJudge{
		client: client,
		opts:   opts,
		logger: logger.With(slog.String("component", "judge")),
	}
}

// Judge asks the model for a verdict on ev.
func (j *LLMJudge) Judge(ctx context.Context, ev EvalEvent) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "eval.LLMJudge.Judge")
	defer span.End()
	span.SetAttributes(
		attribute.String("eval.agent", ev.AgentName),
		attribute.String("eval.category", ev.Category),
	)

	metadata := "{}"
	if len(ev.Metadata) > 0 {
		if raw, err := json.MarshalIndent(ev.Metadata, "", "  "); err == nil {
			metadata = string(raw)
		}
	}
	userPrompt, err := judgeUserTemplate.Format(map[string]any{
		"query":      ev.Query,
		"response":   ev.Response,
		"category":   ev.Category,
		"agent_name": ev.AgentName,
		"metadata":   metadata,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("render judge prompt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, j.opts.Timeout)
	defer cancel()
	opts := []llm.RequestOption{llm.WithJSONMode(), llm.WithTemperature(j.opts.Temperature)}
	if j.opts.Model != "" {
		opts = append(opts, llm.WithModel(j.opts.Model))
	}
	text, err := llm.Single(callCtx, j.client, judgeSystemPrompt, userPrompt, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "judge call failed")
		return Verdict{}, fmt.Errorf("judge model: %w", err)
	}

	v := ParseVerdict(text)
	span.SetAttributes(
		attribute.String("eval.status", string(v.Status)),
		attribute.Float64("eval.score", v.Score),
	)
	j.logger.Debug("verdict",
		slog.String("agent", ev.AgentName),
		slog.String("status", string(v.Status)),
		slog.Float64("score", v.Score))
	return v, nil
}

// rawVerdict accepts the shapes models actually produce.
type rawVerdict struct {
	Status        string          `json:"status"`
	Score         *float64        `json:"score"`
	Justification json.RawMessage `json:"justification"`
	Improvement   json.RawMessage `json:"improvement"`
	Improvements  json.RawMessage `json:"improvements"`
}

// ParseVerdict turns model output into a Verdict.
//
// # Description
//
// Fences are stripped and the outermost JSON object is decoded. Status
// "pass" or "passed" (any case) is a pass, "fail" or "failed" a fail. A missing
// score becomes 1 for pass and 0 for fail; present scores are clamped to
// [0, 1]. "improvement" and "improvements" are both accepted, as strings
// or lists. Text that does not decode, or decodes without a recognised
// status, yields {fail, 0, text, ""}.
func ParseVerdict(text string) Verdict {
	var raw rawVerdict
	if err := llm.DecodeJSONObject(text, &raw); err != nil {
		return Verdict{Status: StatusFail, Score: 0, Justification: strings.TrimSpace(text)}
	}

	v := Verdict{Status: StatusFail}
	switch strings.ToLower(strings.TrimSpace(raw.Status)) {
	case "pass", "passed":
		v.Status = StatusPass
	case "fail", "failed":
	default:
		return Verdict{Status: StatusFail, Score: 0, Justification: strings.TrimSpace(text)}
	}

	switch {
	case raw.Score == nil && v.Status == StatusPass:
		v.Score = 1
	case raw.Score == nil:
		v.Score = 0
	default:
		v.Score = min(max(*raw.Score, 0), 1)
	}

	v.Justification = flattenText(raw.Justification, " ")
	v.Improvement = flattenText(raw.Improvement, "\n")
	if v.Improvement == "" {
		v.Improvement = flattenText(raw.Improvements, "\n")
	}
	return v
}

// flattenText reads a JSON string or list of strings.
func flattenText(raw json.RawMessage, sep string) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if str := strings.TrimSpace(fmt.Sprint(item)); str != "" {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, sep)
	}
	return strings.TrimSpace(string(raw))
}
