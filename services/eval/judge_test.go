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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{
			name: "plain pass without score",
			text: `{"status":"pass","justification":"Listed the inbox.","improvement":"None."}`,
			want: Verdict{Status: StatusPass, Score: 1, Justification: "Listed the inbox.", Improvement: "None."},
		},
		{
			name: "fenced fail without score",
			text: "```json\n{\"status\": \"fail\", \"justification\": \"Wrong date.\"}\n```",
			want: Verdict{Status: StatusFail, Score: 0, Justification: "Wrong date."},
		},
		{
			name: "passed alias and explicit score",
			text: `Here you go: {"status":"Passed","score":0.8,"justification":"ok"}`,
			want: Verdict{Status: StatusPass, Score: 0.8, Justification: "ok"},
		},
		{
			name: "score clamped high",
			text: `{"status":"pass","score":7}`,
			want: Verdict{Status: StatusPass, Score: 1},
		},
		{
			name: "score clamped low",
			text: `{"status":"fail","score":-2}`,
			want: Verdict{Status: StatusFail, Score: 0},
		},
		{
			name: "improvements list joined",
			text: `{"status":"fail","justification":["Too","short."],"improvements":["Add dates","Cite sender"]}`,
			want: Verdict{Status: StatusFail, Score: 0, Justification: "Too short.", Improvement: "Add dates\nCite sender"},
		},
		{
			name: "unknown status keeps raw text",
			text: `{"status":"error","score":0.9}`,
			want: Verdict{Status: StatusFail, Score: 0, Justification: `{"status":"error","score":0.9}`},
		},
		{
			name: "json without verdict fields keeps raw text",
			text: ` {"verdict": "looks good", "rating": 9} `,
			want: Verdict{Status: StatusFail, Score: 0, Justification: `{"verdict": "looks good", "rating": 9}`},
		},
		{
			name: "failed alias",
			text: `{"status":"FAILED","score":0.3,"justification":"Missed one."}`,
			want: Verdict{Status: StatusFail, Score: 0.3, Justification: "Missed one."},
		},
		{
			name: "unparsable text",
			text: "I think it was fine.",
			want: Verdict{Status: StatusFail, Score: 0, Justification: "I think it was fine."},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseVerdict(tc.text))
		})
	}
}

func TestLLMJudge_Judge(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueFinalResponse(`{"status":"pass","justification":"Accurate.","improvement":"Be briefer."}`)

	j := NewLLMJudge(client, LLMJudgeOptions{Model: "gemini-2.5-flash"})
	v, err := j.Judge(context.Background(), EvalEvent{
		AgentName: "mail_agent",
		Category:  "mail",
		Query:     "list my unread mail",
		Response:  "You have 2 unread emails.",
		Metadata:  map[string]any{"tool_calls": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, Verdict{Status: StatusPass, Score: 1, Justification: "Accurate.", Improvement: "Be briefer."}, v)

	req := client.LastRequest()
	require.NotNil(t, req)
	assert.True(t, req.JSONMode)
	assert.Equal(t, "gemini-2.5-flash", req.ModelOverride)
	assert.Contains(t, req.Messages[0].Content, "list my unread mail")
	assert.Contains(t, req.Messages[0].Content, "You have 2 unread emails.")
	assert.Contains(t, req.Messages[0].Content, `"tool_calls": 1`)
}

func TestLLMJudge_TransportErrorIsReturned(t *testing.T) {
	client := llm.NewMockClient().WithError(errors.New("503 from upstream"))
	_, err := NewLLMJudge(client, LLMJudgeOptions{}).Judge(context.Background(), EvalEvent{AgentName: "a"})
	require.Error(t, err)
}

func TestNewJudgeFromConfig_MockBackend(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.JudgeBackend = "mock"
	j, err := NewJudgeFromConfig(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, j)

	opts := ConsumerOptionsFromConfig(cfg.Eval, nil, quietLogger())
	assert.Equal(t, cfg.Eval.Channel, opts.Channel)
	assert.Equal(t, cfg.Eval.MaxAttempts, opts.MaxAttempts)
	assert.Equal(t, cfg.Eval.JudgeRPS, opts.JudgeRPS)
}

func TestNewJudgeFromConfig_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.JudgeBackend = "carrier-pigeon"
	_, err := NewJudgeFromConfig(context.Background(), cfg, quietLogger())
	require.ErrorIs(t, err, llm.ErrUnknownBackend)
}
