// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Agent.MaxIterations)
	assert.Equal(t, "agent_evals", cfg.Eval.Channel)
	assert.Len(t, cfg.ToolServers, 3)
}

func TestLoad_ExplicitFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
llm:
  backend: ollama
  model: llama3.1
  judge_backend: ollama
  judge_model: llama3.1
  timeout: 45s
agent:
  max_iterations: 5
  degraded_response: "partial"
tool_servers:
  - name: mail
    url: http://localhost:7000/mcp
category_servers:
  mail: [mail]
  calendar: []
  expense_tracker: []
`)
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, "partial", cfg.Agent.DegradedResponse)
	require.Len(t, cfg.ToolServers, 1)
	assert.Equal(t, 30*time.Second, cfg.ToolServers[0].CallTimeout, "missing timeouts are filled")
	assert.Equal(t, "Sorry, I can only help with mail, calendar, expenses, and resume writing.", cfg.Agent.NotCapableResponse)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_MissingFallbackFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.LLM.Backend)
}

func TestLoad_InvalidConfig(t *testing.T) {
	path := writeFile(t, `
agent:
  max_iterations: 0
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"LLM_BACKEND_TYPE":        "anthropic",
		"ANTHROPIC_API_KEY":       "sk-test",
		"EVAL_SERVER_URL":         "http://evals:9000",
		"EXPENSE_TRACKER_MCP_URL": "http://expenses:6280/mcp",
		"OPENAI_API_KEY":          "",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "anthropic", cfg.LLM.Backend)
	assert.Equal(t, "sk-test", cfg.LLM.AnthropicAPIKey)
	assert.Empty(t, cfg.LLM.OpenAIAPIKey)
	assert.Equal(t, "http://evals:9000", cfg.Eval.ServerURL)

	ts, ok := cfg.ToolServer("expense_tracker")
	require.True(t, ok)
	assert.Equal(t, "http://expenses:6280/mcp", ts.URL)
}

func TestValidate_CrossFieldRules(t *testing.T) {
	t.Run("duplicate tool server", func(t *testing.T) {
		cfg := Default()
		cfg.ToolServers = append(cfg.ToolServers, cfg.ToolServers[0])
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("unknown category server", func(t *testing.T) {
		cfg := Default()
		cfg.CategoryServers["mail"] = []string{"pager"}
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("misspelled category key", func(t *testing.T) {
		cfg := Default()
		cfg.CategoryServers["calender"] = []string{"calendar"}
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "calender")
	})

	t.Run("name ending in underscore", func(t *testing.T) {
		cfg := Default()
		cfg.ToolServers[0].Name = "mail_"
		cfg.CategoryServers["mail"] = []string{"mail_"}
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("namespace separator in name", func(t *testing.T) {
		cfg := Default()
		cfg.ToolServers[0].Name = "mail:v2"
		cfg.CategoryServers["mail"] = []string{"mail:v2"}
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})
}

func TestToolServerEnvKey(t *testing.T) {
	assert.Equal(t, "MAIL_MCP_URL", toolServerEnvKey("mail"))
	assert.Equal(t, "EXPENSE_TRACKER_MCP_URL", toolServerEnvKey("expense_tracker"))
	assert.Equal(t, "HR_PORTAL_MCP_URL", toolServerEnvKey("hr-portal"))
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "assist.yaml")
	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path), "must not overwrite")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Eval.PushTimeout, cfg.Eval.PushTimeout)
}
