// Package config loads the YAML configuration file that wires backends,
// storage and workflow behavior. Configuration is instance scoped: Load
// returns a value and nothing in this package holds global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/backend"
	"conductor/pkg/backend/anthropicbe"
	"conductor/pkg/backend/geminibe"
	"conductor/pkg/backend/ollamabe"
	"conductor/pkg/backend/openaibe"
)

// Provider names accepted in the backend sections.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultPrimaryModel   = "claude-sonnet-4-20250514"
	DefaultSecondaryModel = "llama3.2"
	DefaultTTL            = 24 * time.Hour
	DefaultStoragePath    = "conductor.db"
)

// Duration wraps time.Duration so YAML accepts "48h" style strings as well
// as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for duration strings.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BackendConfig selects and parameterizes one backend. API keys are never
// stored in the file; APIKeyEnv names the environment variable to read.
type BackendConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Host      string `yaml:"host,omitempty"` // ollama only
}

// InvokerConfig tunes the invocation controller.
type InvokerConfig struct {
	AlertThreshold    int64 `yaml:"alert_threshold"`
	PromptTokenBudget int   `yaml:"prompt_token_budget"`
}

// WorkflowConfig tunes the orchestrator.
type WorkflowConfig struct {
	Owner       string   `yaml:"owner"`
	MaxParallel int      `yaml:"max_parallel"`
	DefaultTTL  Duration `yaml:"default_ttl"`
}

// Config is the root configuration.
type Config struct {
	Primary       BackendConfig  `yaml:"primary"`
	Secondary     BackendConfig  `yaml:"secondary"`
	StoragePath   string         `yaml:"storage_path"`
	PrometheusURL string         `yaml:"prometheus_url,omitempty"`
	Invoker       InvokerConfig  `yaml:"invoker"`
	Workflow      WorkflowConfig `yaml:"workflow"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses configuration from YAML bytes.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Primary.Provider == "" {
		c.Primary.Provider = ProviderAnthropic
	}
	if c.Primary.Model == "" {
		c.Primary.Model = DefaultPrimaryModel
	}
	if c.Primary.APIKeyEnv == "" {
		switch c.Primary.Provider {
		case ProviderAnthropic:
			c.Primary.APIKeyEnv = "ANTHROPIC_API_KEY"
		case ProviderOpenAI:
			c.Primary.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.Secondary.Provider == "" {
		c.Secondary.Provider = ProviderOllama
	}
	if c.Secondary.Model == "" {
		c.Secondary.Model = DefaultSecondaryModel
	}
	if c.Secondary.Provider == ProviderGemini && c.Secondary.APIKeyEnv == "" {
		c.Secondary.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.StoragePath == "" {
		c.StoragePath = DefaultStoragePath
	}
	if c.Invoker.AlertThreshold == 0 {
		c.Invoker.AlertThreshold = 3
	}
	if c.Workflow.DefaultTTL <= 0 {
		c.Workflow.DefaultTTL = Duration(DefaultTTL)
	}
	if c.Workflow.Owner == "" {
		c.Workflow.Owner = "conductor"
	}
}

// Validate rejects unknown providers and mismatched roles.
func (c *Config) Validate() error {
	switch c.Primary.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown primary provider %q", c.Primary.Provider)
	}
	switch c.Secondary.Provider {
	case ProviderOllama, ProviderGemini:
	default:
		return fmt.Errorf("unknown secondary provider %q", c.Secondary.Provider)
	}
	return nil
}

// APIKey resolves the backend's API key from the environment. Empty when
// the variable is unset; the health evaluator reports that condition before
// any call is made.
func (b *BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// BuildPrimary constructs the configured primary backend client.
func (c *Config) BuildPrimary() (backend.Primary, error) {
	switch c.Primary.Provider {
	case ProviderAnthropic:
		return anthropicbe.New(c.Primary.APIKey(), c.Primary.Model), nil
	case ProviderOpenAI:
		return openaibe.New(c.Primary.APIKey(), c.Primary.Model), nil
	default:
		return nil, fmt.Errorf("unknown primary provider %q", c.Primary.Provider)
	}
}

// BuildSecondary constructs the configured secondary backend client.
func (c *Config) BuildSecondary() (backend.Secondary, error) {
	switch c.Secondary.Provider {
	case ProviderOllama:
		return ollamabe.New(c.Secondary.Host, c.Secondary.Model), nil
	case ProviderGemini:
		return geminibe.New(c.Secondary.APIKey(), c.Secondary.Model), nil
	default:
		return nil, fmt.Errorf("unknown secondary provider %q", c.Secondary.Provider)
	}
}
