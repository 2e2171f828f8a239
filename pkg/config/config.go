// Package config loads runtime configuration from environment variables
// and an optional YAML file. Values in the file support ${VAR} and
// ${VAR:-default} expansion.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	ModeReAct     = "react"
	ModePlanSolve = "plan_solve"
	// ModeDecision is an accepted alias for an older plan-execute pipeline.
	// It maps to plan_solve.
	ModeDecision = "decision"
)

type LLMConfig struct {
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     int     `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay  int     `yaml:"retry_delay" mapstructure:"retry_delay"`
}

type MCPConfig struct {
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	ServersFile       string        `yaml:"servers_file" mapstructure:"servers_file"`
}

type Config struct {
	AgentName            string        `yaml:"agent_name" mapstructure:"agent_name"`
	AgentRole            string        `yaml:"agent_role" mapstructure:"agent_role"`
	ThinkingMode         string        `yaml:"thinking_mode" mapstructure:"thinking_mode"`
	MaxIterations        int           `yaml:"max_iterations" mapstructure:"max_iterations"`
	MemoryTTL            time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	MaxMemorySize        int           `yaml:"max_memory_size" mapstructure:"max_memory_size"`
	CollaborationEnabled bool          `yaml:"collaboration_enabled" mapstructure:"collaboration_enabled"`
	TaskTimeout          time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	LogLevel             string        `yaml:"log_level" mapstructure:"log_level"`

	LLM LLMConfig `yaml:"llm" mapstructure:"llm"`
	MCP MCPConfig `yaml:"mcp" mapstructure:"mcp"`
}

// Default returns a config populated with all defaults.
func Default() *Config {
	return &Config{
		AgentName:            "quorum",
		AgentRole:            "assistant",
		ThinkingMode:         ModeReAct,
		MaxIterations:        10,
		MemoryTTL:            time.Hour,
		MaxMemorySize:        1000,
		CollaborationEnabled: false,
		TaskTimeout:          30 * time.Second,
		LogLevel:             "info",
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.7,
			MaxTokens:   4096,
			Timeout:     60,
			MaxRetries:  3,
			RetryDelay:  2,
		},
		MCP: MCPConfig{
			MaxConnections:    10,
			ConnectionTimeout: 30 * time.Second,
			RetryAttempts:     3,
			RetryDelay:        5 * time.Second,
		},
	}
}

// FromEnv builds a config from defaults overridden by environment
// variables. Call LoadEnvFiles first if .env files should be honored.
func FromEnv() *Config {
	cfg := Default()

	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.Model, "OPENAI_MODEL")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.AgentName, "AGENT_NAME")
	setString(&cfg.AgentRole, "AGENT_ROLE")
	setString(&cfg.ThinkingMode, "THINKING_MODE")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setInt(&cfg.MaxIterations, "MAX_ITERATIONS")
	setInt(&cfg.MaxMemorySize, "MAX_MEMORY_SIZE")
	setInt(&cfg.MCP.MaxConnections, "MAX_MCP_CONNECTIONS")
	setInt(&cfg.MCP.RetryAttempts, "MCP_RETRY_ATTEMPTS")

	setDuration(&cfg.MemoryTTL, "MEMORY_TTL")
	setDuration(&cfg.MCP.ConnectionTimeout, "MCP_CONNECTION_TIMEOUT")
	setDuration(&cfg.MCP.RetryDelay, "MCP_RETRY_DELAY")
	setDuration(&cfg.TaskTimeout, "TASK_TIMEOUT")

	setBool(&cfg.CollaborationEnabled, "COLLABORATION_ENABLED")

	return cfg
}

// LoadFromFile overlays YAML file values onto the given config.
// Environment references inside the file are expanded first.
func LoadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	expanded, _ := ExpandEnvVarsInData(raw).(map[string]interface{})

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}

	if err := decoder.Decode(expanded); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return nil
}

// NormalizedThinkingMode resolves mode aliases. The older decision-engine
// pipeline is served by plan_solve.
func (c *Config) NormalizedThinkingMode() string {
	if c.ThinkingMode == ModeDecision {
		return ModePlanSolve
	}
	return c.ThinkingMode
}

func (c *Config) Validate() error {
	switch c.ThinkingMode {
	case ModeReAct, ModePlanSolve, ModeDecision:
	default:
		return fmt.Errorf("invalid thinking mode %q (want react, plan_solve or decision)", c.ThinkingMode)
	}

	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxMemorySize <= 0 {
		return fmt.Errorf("max_memory_size must be positive, got %d", c.MaxMemorySize)
	}
	if c.MemoryTTL <= 0 {
		return fmt.Errorf("memory_ttl must be positive, got %v", c.MemoryTTL)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model cannot be empty")
	}
	if c.MCP.MaxConnections <= 0 {
		return fmt.Errorf("mcp max_connections must be positive, got %d", c.MCP.MaxConnections)
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration accepts Go duration strings ("30s") and falls back to
// treating a bare integer as seconds.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
