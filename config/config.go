// Package config loads the engineer configuration from YAML, environment
// variables and defaults, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/engineer/agentloop"
	"github.com/martinemde/engineer/tools"
	"github.com/martinemde/engineer/unifiedllm"
)

// EnvPrefix prefixes every engineer-specific environment variable.
const EnvPrefix = "ENGINEER_"

// FileName is the project-local config file looked up in the working directory.
const FileName = "engineer.yaml"

// Config holds all engineer configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm" envPrefix:"LLM_"`
	Loop    LoopConfig    `yaml:"loop" envPrefix:"LOOP_"`
	Tools   ToolsConfig   `yaml:"tools" envPrefix:"TOOLS_"`
	Retry   RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	GitHub  GitHubConfig  `yaml:"github" envPrefix:"GITHUB_"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	// Provider is anthropic, openai, gemini, scripted, or gollm:<name>.
	Provider    string   `yaml:"provider" env:"PROVIDER" validate:"required,provider"`
	// Model is the provider's catalog default when left empty.
	Model       string   `yaml:"model" env:"MODEL"`
	APIKey      string   `yaml:"api_key,omitempty" env:"API_KEY"`
	BaseURL     string   `yaml:"base_url,omitempty" env:"BASE_URL" validate:"omitempty,url"`
	MaxTokens   int      `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=1"`
	// Temperature is file-only; nil leaves the provider default.
	Temperature *float64 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// LoopConfig bounds the agent loop.
type LoopConfig struct {
	MaxIterations           int    `yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"gte=1"`
	CompletionMarker        string `yaml:"completion_marker" env:"COMPLETION_MARKER" validate:"required,excludesall= \t\n"`
	LoopDetection           bool   `yaml:"loop_detection" env:"LOOP_DETECTION"`
	LoopDetectionWindow     int    `yaml:"loop_detection_window" env:"LOOP_DETECTION_WINDOW" validate:"gte=2"`
	MaxConsecutiveMalformed int    `yaml:"max_consecutive_malformed" env:"MAX_CONSECUTIVE_MALFORMED" validate:"gte=1"`
	ContextWindowTokens     int    `yaml:"context_window_tokens,omitempty" env:"CONTEXT_WINDOW_TOKENS" validate:"gte=0"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	Parallel       bool           `yaml:"parallel" env:"PARALLEL"`
	MaxConcurrency int            `yaml:"max_concurrency" env:"MAX_CONCURRENCY" validate:"gte=1,lte=64"`
	DefaultTimeout time.Duration  `yaml:"default_timeout" env:"DEFAULT_TIMEOUT" validate:"gt=0"`
	MaxTimeout     time.Duration  `yaml:"max_timeout" env:"MAX_TIMEOUT" validate:"gtefield=DefaultTimeout"`
	OutputLimits   map[string]int `yaml:"output_limits,omitempty" validate:"omitempty,dive,gte=0"`
	LineLimits     map[string]int `yaml:"line_limits,omitempty" validate:"omitempty,dive,gte=0"`
}

// RetryConfig is the backoff applied to failed model requests.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY" validate:"gte=0"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gtefield=BaseDelay"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=1"`
	Jitter     bool          `yaml:"jitter" env:"JITTER"`
}

// LoggingConfig configures the diagnostic logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=console json"`
}

// GitHubConfig configures fetch_commit_changes.
type GitHubConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	Token   string `yaml:"token,omitempty" env:"TOKEN"`
}

// providerKeys are the unprefixed variables the provider SDKs also read.
type providerKeys struct {
	Anthropic string `env:"ANTHROPIC_API_KEY"`
	OpenAI    string `env:"OPENAI_API_KEY"`
	Gemini    string `env:"GEMINI_API_KEY"`
	GitHub    string `env:"GITHUB_ACCESS_TOKEN"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 8000,
		},
		Loop: LoopConfig{
			MaxIterations:           25,
			CompletionMarker:        agentloop.DefaultCompletionMarker,
			LoopDetection:           true,
			LoopDetectionWindow:     10,
			MaxConsecutiveMalformed: 2,
		},
		Tools: ToolsConfig{
			MaxConcurrency: 4,
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
		GitHub: GitHubConfig{
			BaseURL: "https://api.github.com",
		},
	}
}

// UserConfigPath returns ~/.config/engineer/config.yaml, honouring
// XDG_CONFIG_HOME.
func UserConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "engineer", "config.yaml")
}

// DefaultPaths lists the files Load tries when no path is given, in order.
func DefaultPaths() []string {
	return []string{FileName, UserConfigPath()}
}

// Load reads configuration from path and applies environment overrides. An
// empty path tries DefaultPaths and falls back to defaults when none exists;
// an explicit path must exist. Load does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	candidates := DefaultPaths()
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == "" {
				continue
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", p, err)
		}
		break
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ENGINEER_* variables, then fills an unset
// API key and GitHub token from the provider variables and an unset model
// from the catalog.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	var keys providerKeys
	if err := env.Parse(&keys); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.fillKeys(keys)
	if c.LLM.Model == "" {
		c.LLM.Model = unifiedllm.DefaultModel(c.LLM.Provider)
	}
	return nil
}

func (c *Config) fillKeys(keys providerKeys) {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = keys.Anthropic
		case "openai":
			c.LLM.APIKey = keys.OpenAI
		case "gemini":
			c.LLM.APIKey = keys.Gemini
		}
	}
	if c.GitHub.Token == "" {
		c.GitHub.Token = keys.GitHub
	}
}

// SetProvider switches to provider, resetting the model to its catalog
// default and the API key to the one in the provider's variable (or
// ENGINEER_LLM_API_KEY when set).
func (c *Config) SetProvider(provider string) error {
	if provider == c.LLM.Provider {
		return nil
	}
	c.LLM.Provider = provider
	c.LLM.Model = unifiedllm.DefaultModel(provider)
	c.LLM.APIKey = os.Getenv(EnvPrefix + "LLM_API_KEY")

	var keys providerKeys
	if err := env.Parse(&keys); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.fillKeys(keys)
	return nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	return unifiedllm.RetryPolicy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay.Seconds(),
		MaxDelay:          c.Retry.MaxDelay.Seconds(),
		BackoffMultiplier: c.Retry.Multiplier,
		Jitter:            c.Retry.Jitter,
	}
}

// LoopConfig converts the loop and tool settings.
func (c *Config) LoopConfig() agentloop.LoopConfig {
	cfg := agentloop.DefaultLoopConfig()
	cfg.MaxIterations = c.Loop.MaxIterations
	cfg.RetryPolicy = c.RetryPolicy()
	cfg.Completion = agentloop.NewMarkerPolicy(c.Loop.CompletionMarker)
	cfg.EnableLoopDetection = c.Loop.LoopDetection
	cfg.LoopDetectionWindow = c.Loop.LoopDetectionWindow
	cfg.MaxConsecutiveMalformed = c.Loop.MaxConsecutiveMalformed
	cfg.ContextWindowTokens = c.Loop.ContextWindowTokens
	cfg.Execution = agentloop.ExecutionPolicy{
		Concurrent:     c.Tools.Parallel,
		MaxConcurrency: c.Tools.MaxConcurrency,
	}
	cfg.ToolOutputLimits = c.Tools.OutputLimits
	cfg.ToolLineLimits = c.Tools.LineLimits
	return cfg
}

// WorkspaceOptions returns the tool workspace settings.
func (c *Config) WorkspaceOptions() []tools.WorkspaceOption {
	return []tools.WorkspaceOption{
		tools.WithCommandTimeouts(int(c.Tools.DefaultTimeout.Milliseconds()), int(c.Tools.MaxTimeout.Milliseconds())),
		tools.WithGitHub(c.GitHub.BaseURL, c.GitHub.Token),
	}
}
