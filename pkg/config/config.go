// Package config provides configuration loading, validation, and defaults
// for the optimization assistant. Config files are YAML with ${ENV_VAR}
// substitution; secrets come from an encrypted secrets file or environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"optiq/pkg/reliability"
)

// Provider kinds supported by the LLM client factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Default models per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultOllamaModel    = "llama3.1"
)

// Lock granularity choices for the supervisor (see SupervisorConfig).
const (
	LockGlobal = "global"
	LockPerRun = "per-run"
)

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // bearer token; empty disables auth
}

// RedisConfig configures the metric-snapshot cache. An empty Addr disables
// caching entirely.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DatabaseConfig configures SQLite persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures usage aggregation. An empty PrometheusURL leaves
// the per-run usage endpoint unconfigured; metric export is always on.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// ProviderConfig selects and configures one LLM provider.
type ProviderConfig struct {
	Kind      string  `yaml:"kind"` // anthropic | openai | gemini | ollama
	Model     string  `yaml:"model"`
	APIKeyEnv string  `yaml:"api_key_env"` // env var / secret name holding the key
	BaseURL   string  `yaml:"base_url"`    // used by ollama
	MaxTokens int     `yaml:"max_tokens"`
	Temp      float32 `yaml:"temperature"`
}

// SupervisorConfig configures pipeline execution behavior.
//
// LockGranularity is deliberately explicit: "global" serializes all runs on
// one supervisor instance, "per-run" serializes only runs sharing a run_id
// and lets distinct runs proceed in parallel.
type SupervisorConfig struct {
	LockGranularity    string `yaml:"lock_granularity"`
	AbortOnStepFailure bool   `yaml:"abort_on_step_failure"`
	StreamUpdates      bool   `yaml:"stream_updates"`
}

// Config is the root configuration object.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Redis       RedisConfig               `yaml:"redis"`
	Database    DatabaseConfig            `yaml:"database"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Provider    ProviderConfig            `yaml:"provider"`
	Supervisor  SupervisorConfig          `yaml:"supervisor"`
	Reliability reliability.ManagerConfig `yaml:"reliability"`
	Debug       bool                      `yaml:"debug"`
	DebugScopes []string                  `yaml:"debug_scopes"`
}

// envPattern matches ${VAR_NAME} placeholders in the raw config.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} placeholders with environment values.
// Unset variables become empty strings, matching shell semantics.
func substituteEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Default returns a config with sensible development defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "optiq.db",
		},
		Provider: ProviderConfig{
			Kind:      ProviderAnthropic,
			Model:     DefaultAnthropicModel,
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
			Temp:      0.3,
		},
		Supervisor: SupervisorConfig{
			LockGranularity: LockGlobal,
			StreamUpdates:   true,
		},
		Reliability: reliability.DefaultManagerConfig,
		Redis: RedisConfig{
			TTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file, applies env substitution, merges it over
// defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(substituteEnv(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch c.Provider.Kind {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider model cannot be empty")
	}
	if c.Provider.MaxTokens <= 0 {
		return fmt.Errorf("provider max_tokens must be positive")
	}

	switch c.Supervisor.LockGranularity {
	case LockGlobal, LockPerRun:
	default:
		return fmt.Errorf("lock_granularity must be %q or %q, got %q",
			LockGlobal, LockPerRun, c.Supervisor.LockGranularity)
	}

	if c.Reliability.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reliability retry max_attempts must be positive")
	}
	if c.Reliability.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("reliability circuit failure_threshold must be positive")
	}

	return nil
}
