package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Kirana configuration
type Config struct {
	// Model is the top-level session model
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Agents are the delegated sub-agent profiles
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Budget bounds token spend
	Budget BudgetConfig `json:"budget" mapstructure:"budget"`

	// Tools configures the tool runtime
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Hooks configures turn lifecycle hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// History configures transcript persistence
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Delegates configures the delegated-run registry
	Delegates DelegatesConfig `json:"delegates" mapstructure:"delegates"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics exposure
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelConfig names the model the session talks to
type ModelConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Name         string  `json:"name" mapstructure:"name"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// AgentConfig represents a sub-agent profile
type AgentConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	Model        string `json:"model" mapstructure:"model"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRounds    int    `json:"max_rounds" mapstructure:"max_rounds"`
	TokenBudget  int64  `json:"token_budget" mapstructure:"token_budget"`
}

// BudgetConfig bounds token spend for a session
type BudgetConfig struct {
	Total             int64 `json:"total" mapstructure:"total"`
	DefaultTaskBudget int64 `json:"default_task_budget" mapstructure:"default_task_budget"`
}

// ToolsConfig holds tool runtime configuration
type ToolsConfig struct {
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
	TimeoutSecs   int    `json:"timeout_secs" mapstructure:"timeout_secs"`
	// RemoteURL is an optional websocket endpoint providing extra tools
	RemoteURL string `json:"remote_url" mapstructure:"remote_url"`
}

// HooksConfig holds turn lifecycle hook configuration
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one lifecycle hook
type HookConfig struct {
	ID          string `json:"id" mapstructure:"id"`
	Event       string `json:"event" mapstructure:"event"` // turn_start, turn_end
	Script      string `json:"script" mapstructure:"script"`
	TimeoutSecs int    `json:"timeout_secs" mapstructure:"timeout_secs"`
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
}

// HistoryConfig holds transcript persistence configuration. An empty
// DBPath keeps the transcript in memory.
type HistoryConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// DelegatesConfig holds delegated-run registry configuration
type DelegatesConfig struct {
	RegistryPath    string `json:"registry_path" mapstructure:"registry_path"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds metrics exposure configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider credential
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "anthropic",
			Name:        "claude-sonnet-4",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Budget: BudgetConfig{
			Total:             200000,
			DefaultTaskBudget: 20000,
		},
		Tools: ToolsConfig{
			TimeoutSecs: 30,
		},
		Hooks: HooksConfig{
			Enabled: false,
		},
		Delegates: DelegatesConfig{
			CleanupSchedule: "@hourly",
			RetentionDays:   7,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agents: []AgentConfig{
			{
				Name:        "general",
				Model:       "claude-sonnet-4",
				MaxRounds:   10,
				TokenBudget: 20000,
			},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.Provider != "anthropic" && c.Model.Provider != "openai" {
		return fmt.Errorf("invalid model provider %s (must be: anthropic, openai)", c.Model.Provider)
	}

	if c.Budget.Total <= 0 {
		return fmt.Errorf("budget total must be positive")
	}
	if c.Budget.DefaultTaskBudget <= 0 {
		return fmt.Errorf("default task budget must be positive")
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[agent.Name] {
			return fmt.Errorf("agent %s: duplicate name", agent.Name)
		}
		seen[agent.Name] = true
		if agent.Model == "" {
			return fmt.Errorf("agent %s: model is required", agent.Name)
		}
		if agent.TokenBudget < 0 {
			return fmt.Errorf("agent %s: token budget cannot be negative", agent.Name)
		}
	}

	for i, hook := range c.Hooks.Hooks {
		if hook.Event != "turn_start" && hook.Event != "turn_end" {
			return fmt.Errorf("hook %d: invalid event %s (must be: turn_start, turn_end)", i, hook.Event)
		}
		if hook.Script == "" {
			return fmt.Errorf("hook %d: script is required", i)
		}
	}

	return nil
}
