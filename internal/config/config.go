package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultContextLimitTokens = 128000
	DefaultCompactThreshold   = 0.70
	DefaultRetryBudget        = 3
	DefaultLivePollIntervalMs = 250
	DefaultSessionCapacity    = 48
)

// OrchestratorConfig is the on-disk configuration of the orchestrator.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are resolved by the caller.
//   - Field names are snake_case in every supported encoding.
type OrchestratorConfig struct {
	// Providers is the provider registry available to the runtime.
	// Exactly one provider model must be marked as default via models[].is_default.
	Providers []Provider `json:"providers,omitempty" yaml:"providers,omitempty" toml:"providers,omitempty"`

	// ContextLimitTokens is the model context window used by the compaction predicate.
	ContextLimitTokens int `json:"context_limit_tokens,omitempty" yaml:"context_limit_tokens,omitempty" toml:"context_limit_tokens,omitempty"`

	// CompactThreshold is the share of ContextLimitTokens that triggers compaction. Must be in (0,1].
	CompactThreshold float64 `json:"compact_threshold,omitempty" yaml:"compact_threshold,omitempty" toml:"compact_threshold,omitempty"`

	// RetryBudget bounds local recovery retries per arc. Nil means the default (3).
	RetryBudget *int `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty" toml:"retry_budget,omitempty"`

	LivePollIntervalMs int `json:"live_poll_interval_ms,omitempty" yaml:"live_poll_interval_ms,omitempty" toml:"live_poll_interval_ms,omitempty"`
	SessionCapacity    int `json:"session_capacity,omitempty" yaml:"session_capacity,omitempty" toml:"session_capacity,omitempty"`

	// SessionDBPath enables the SQLite mirror of subagent sessions when set.
	SessionDBPath string `json:"session_db_path,omitempty" yaml:"session_db_path,omitempty" toml:"session_db_path,omitempty"`

	// AgentDirs are scanned for markdown agent definitions, in order.
	AgentDirs []string `json:"agent_dirs,omitempty" yaml:"agent_dirs,omitempty" toml:"agent_dirs,omitempty"`

	// ToolWhitelist lists tool names that never ask for approval.
	ToolWhitelist []string `json:"tool_whitelist,omitempty" yaml:"tool_whitelist,omitempty" toml:"tool_whitelist,omitempty"`

	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" toml:"log_format,omitempty"`
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
}

func (c *OrchestratorConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := validateProviders(c.Providers); err != nil {
		return err
	}
	if c.ContextLimitTokens < 0 {
		return fmt.Errorf("invalid context_limit_tokens %d", c.ContextLimitTokens)
	}
	if c.CompactThreshold < 0 || c.CompactThreshold > 1 {
		return fmt.Errorf("invalid compact_threshold %v (must be in (0,1])", c.CompactThreshold)
	}
	if c.RetryBudget != nil {
		if *c.RetryBudget < 0 || *c.RetryBudget > 8 {
			return fmt.Errorf("invalid retry_budget %d (must be in [0,8])", *c.RetryBudget)
		}
	}
	if c.LivePollIntervalMs < 0 {
		return fmt.Errorf("invalid live_poll_interval_ms %d", c.LivePollIntervalMs)
	}
	if c.SessionCapacity < 0 {
		return fmt.Errorf("invalid session_capacity %d", c.SessionCapacity)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (c *OrchestratorConfig) EffectiveContextLimit() int {
	if c == nil || c.ContextLimitTokens <= 0 {
		return DefaultContextLimitTokens
	}
	return c.ContextLimitTokens
}

func (c *OrchestratorConfig) EffectiveCompactThreshold() float64 {
	if c == nil || c.CompactThreshold <= 0 {
		return DefaultCompactThreshold
	}
	return c.CompactThreshold
}

func (c *OrchestratorConfig) EffectiveRetryBudget() int {
	if c == nil || c.RetryBudget == nil {
		return DefaultRetryBudget
	}
	return *c.RetryBudget
}

func (c *OrchestratorConfig) EffectiveLivePollIntervalMs() int {
	if c == nil || c.LivePollIntervalMs <= 0 {
		return DefaultLivePollIntervalMs
	}
	return c.LivePollIntervalMs
}

func (c *OrchestratorConfig) EffectiveSessionCapacity() int {
	if c == nil || c.SessionCapacity <= 0 {
		return DefaultSessionCapacity
	}
	return c.SessionCapacity
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-orchestrator/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-orchestrator.config.json"
	}
	return filepath.Join(home, ".redeven-orchestrator", "config.json")
}

// Load reads and validates a config file. The decoder is picked by extension:
// .yaml/.yml and .toml are supported next to the default JSON.
func Load(path string) (*OrchestratorConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg OrchestratorConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *OrchestratorConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
