// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the shared YAML configuration for the assistant,
// the eval server, and the eval consumer.
//
// Resolution order, later wins:
//
//  1. Default()
//  2. YAML file (--config flag, $ALEUTIAN_ASSIST_CONFIG, ~/.aleutian/assist.yaml)
//  3. Environment overrides (API keys, backend, service URLs)
//
// The result is validated with go-playground/validator struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "ALEUTIAN_ASSIST_CONFIG"

// Config is the root configuration document.
type Config struct {
	LLM             LLMConfig           `yaml:"llm" validate:"required"`
	ToolServers     []ToolServerConfig  `yaml:"tool_servers" validate:"dive"`
	CategoryServers map[string][]string `yaml:"category_servers"`
	Agent           AgentConfig         `yaml:"agent" validate:"required"`
	Eval            EvalConfig          `yaml:"eval" validate:"required"`
	Server          ServerConfig        `yaml:"server" validate:"required"`
	Logging         LoggingConfig       `yaml:"logging"`
}

// LLMConfig selects generation-model backends and their limits.
type LLMConfig struct {
	// Backend serves the master and generative agents.
	Backend string `yaml:"backend" validate:"oneof=openai gemini anthropic ollama mock"`
	Model   string `yaml:"model" validate:"required"`

	// RouterModel is used by the rewriter and router. Empty means Model.
	RouterModel string `yaml:"router_model"`

	// JudgeBackend and JudgeModel serve the eval consumer.
	JudgeBackend string `yaml:"judge_backend" validate:"oneof=openai gemini anthropic ollama mock"`
	JudgeModel   string `yaml:"judge_model" validate:"required"`

	// BaseURL overrides the OpenAI-compatible endpoint.
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	OllamaURL string `yaml:"ollama_url" validate:"omitempty,url"`

	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`

	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	ClassifierTimeout time.Duration `yaml:"classifier_timeout" validate:"gt=0"`

	// Secrets come from the environment only.
	OpenAIAPIKey    string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
}

// ToolServerConfig is one tool server. Name becomes the tool namespace.
type ToolServerConfig struct {
	Name             string        `yaml:"name" validate:"required,excludes=:,excludes=__,endsnotwith=_"`
	URL              string        `yaml:"url" validate:"required,url"`
	CallTimeout      time.Duration `yaml:"call_timeout" validate:"gt=0"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" validate:"gt=0"`
}

// AgentConfig bounds the tool-calling loop and sets fallback texts.
type AgentConfig struct {
	MaxIterations      int    `yaml:"max_iterations" validate:"gte=1,lte=100"`
	HistoryWindow      int    `yaml:"history_window" validate:"gte=0,lte=40"`
	DegradedResponse   string `yaml:"degraded_response" validate:"required"`
	ApologyResponse    string `yaml:"apology_response" validate:"required"`
	NotCapableResponse string `yaml:"not_capable_response" validate:"required"`
}

// EvalConfig drives publishing, queueing, and consumption of eval events.
type EvalConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Redact         bool          `yaml:"redact"` // mask secrets and PII before publishing
	Channel        string        `yaml:"channel" validate:"required,excludes=/"`
	ServerURL      string        `yaml:"server_url" validate:"required,url"`
	PublishBuffer  int           `yaml:"publish_buffer" validate:"gte=1"`
	PushTimeout    time.Duration `yaml:"push_timeout" validate:"gt=0"`
	PopWait        time.Duration `yaml:"pop_wait" validate:"gt=0"`
	Lease          time.Duration `yaml:"lease" validate:"gt=0"`
	Workers        int           `yaml:"workers" validate:"gte=1,lte=32"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	JudgeRPS       float64       `yaml:"judge_rps" validate:"gt=0"`
	JudgeTimeout   time.Duration `yaml:"judge_timeout" validate:"gt=0"`
	StorageTimeout time.Duration `yaml:"storage_timeout" validate:"gt=0"`
}

// ServerConfig configures the eval server process.
type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	DBPath   string `yaml:"db_path" validate:"required"`
	QueueDir string `yaml:"queue_dir" validate:"required"`
	// Consume runs the eval consumer inside the server process.
	Consume bool `yaml:"consume"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration that runs against local services.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Backend:           "gemini",
			Model:             "gemini-2.5-flash",
			RouterModel:       "gemini-2.5-flash-lite",
			JudgeBackend:      "gemini",
			JudgeModel:        "gemini-2.5-flash-lite",
			OllamaURL:         "http://localhost:11434",
			Temperature:       0.7,
			MaxTokens:         2048,
			Timeout:           60 * time.Second,
			ClassifierTimeout: 15 * time.Second,
		},
		ToolServers: []ToolServerConfig{
			{Name: "mail", URL: "http://127.0.0.1:6281/mcp", CallTimeout: 30 * time.Second, DiscoveryTimeout: 10 * time.Second},
			{Name: "calendar", URL: "http://127.0.0.1:6282/mcp", CallTimeout: 30 * time.Second, DiscoveryTimeout: 10 * time.Second},
			{Name: "expense_tracker", URL: "http://127.0.0.1:6280/mcp", CallTimeout: 30 * time.Second, DiscoveryTimeout: 10 * time.Second},
		},
		CategoryServers: map[string][]string{
			"mail":            {"mail"},
			"calendar":        {"calendar"},
			"expense_tracker": {"expense_tracker"},
		},
		Agent: AgentConfig{
			MaxIterations:      20,
			HistoryWindow:      10,
			DegradedResponse:   "I processed your request but reached the iteration limit.",
			ApologyResponse:    "Sorry, I couldn't complete that request right now. Please try again.",
			NotCapableResponse: "Sorry, I can only help with mail, calendar, expenses, and resume writing.",
		},
		Eval: EvalConfig{
			Enabled:        true,
			Redact:         true,
			Channel:        "agent_evals",
			ServerURL:      "http://localhost:8001",
			PublishBuffer:  256,
			PushTimeout:    2 * time.Second,
			PopWait:        time.Second,
			Lease:          2 * time.Minute,
			Workers:        1,
			MaxAttempts:    3,
			RetryBackoff:   500 * time.Millisecond,
			JudgeRPS:       2,
			JudgeTimeout:   30 * time.Second,
			StorageTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:     ":8001",
			DBPath:   "~/.aleutian/assist/evals.db",
			QueueDir: "~/.aleutian/assist/queue",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns ~/.aleutian/assist.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "assist.yaml"), nil
}

// Load resolves, reads, overrides, and validates the configuration.
//
// # Inputs
//
//   - path: Explicit file path. Empty falls back to $ALEUTIAN_ASSIST_CONFIG
//     and then DefaultPath. A missing file at a fallback location is not
//     an error; a missing explicit path is.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Read, parse, or ErrInvalidConfig failures.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	data, err := os.ReadFile(ExpandPath(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.fillToolServerDefaults()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillToolServerDefaults gives tool servers declared without timeouts
// the same timeouts as the built-in servers.
func (c *Config) fillToolServerDefaults() {
	for i := range c.ToolServers {
		if c.ToolServers[i].CallTimeout <= 0 {
			c.ToolServers[i].CallTimeout = 30 * time.Second
		}
		if c.ToolServers[i].DiscoveryTimeout <= 0 {
			c.ToolServers[i].DiscoveryTimeout = 10 * time.Second
		}
	}
}

// ApplyEnv overlays environment variables onto cfg. lookup is
// os.LookupEnv in production and a map lookup in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("LLM_BACKEND_TYPE", &c.LLM.Backend)
	set("LLM_MODEL", &c.LLM.Model)
	set("JUDGE_BACKEND_TYPE", &c.LLM.JudgeBackend)
	set("GEMINI_EVAL_MODEL", &c.LLM.JudgeModel)
	set("OPENAI_API_KEY", &c.LLM.OpenAIAPIKey)
	set("OPENAI_BASE_URL", &c.LLM.BaseURL)
	set("GEMINI_API_KEY", &c.LLM.GeminiAPIKey)
	set("ANTHROPIC_API_KEY", &c.LLM.AnthropicAPIKey)
	set("OLLAMA_URL", &c.LLM.OllamaURL)
	set("EVAL_SERVER_URL", &c.Eval.ServerURL)
	set("LOG_LEVEL", &c.Logging.Level)

	for i := range c.ToolServers {
		set(toolServerEnvKey(c.ToolServers[i].Name), &c.ToolServers[i].URL)
	}
}

// toolServerEnvKey maps "expense_tracker" to "EXPENSE_TRACKER_MCP_URL".
func toolServerEnvKey(name string) string {
	out := make([]byte, 0, len(name)+8)
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch == '-':
			out = append(out, '_')
		default:
			out = append(out, ch)
		}
	}
	return string(out) + "_MCP_URL"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// toolCategories are the router categories served by tool servers.
var toolCategories = map[string]bool{"mail": true, "calendar": true, "expense_tracker": true}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if seen[ts.Name] {
			return fmt.Errorf("%w: duplicate tool server %q", ErrInvalidConfig, ts.Name)
		}
		seen[ts.Name] = true
	}
	for category, servers := range c.CategoryServers {
		if !toolCategories[category] {
			return fmt.Errorf("%w: category_servers key %q is not a tool category", ErrInvalidConfig, category)
		}
		for _, s := range servers {
			if !seen[s] {
				return fmt.Errorf("%w: category %q references unknown tool server %q", ErrInvalidConfig, category, s)
			}
		}
	}
	return nil
}

// ToolServer returns the named tool server config.
func (c *Config) ToolServer(name string) (ToolServerConfig, bool) {
	for _, ts := range c.ToolServers {
		if ts.Name == name {
			return ts, true
		}
	}
	return ToolServerConfig{}, false
}

// WriteDefault writes Default() as YAML to path, creating parent
// directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
