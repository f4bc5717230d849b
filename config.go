package agentloop

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "AGENTLOOP_"

// Config is the file and environment form of the engine and registry options.
type Config struct {
	SystemPrompt   string      `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	MaxIterations  int         `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	Strict         bool        `yaml:"strict" env:"STRICT"`
	RelayBuffer    int         `yaml:"relay_buffer" env:"RELAY_BUFFER"`
	OutputToolName string      `yaml:"output_tool_name" env:"OUTPUT_TOOL_NAME"`
	Retry          RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
	Tools          ToolsConfig `yaml:"tools" envPrefix:"TOOLS_"`
}

// RetryConfig mirrors RetryPolicy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	Backoff    time.Duration `yaml:"backoff" env:"BACKOFF"`
}

// ToolsConfig holds registry settings.
type ToolsConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxConcurrency int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	RecoverPanics  bool          `yaml:"recover_panics" env:"RECOVER_PANICS"`
}

// DefaultConfig returns the configuration matching the option defaults.
func DefaultConfig() Config {
	retry := DefaultRetryPolicy()
	return Config{
		MaxIterations:  DefaultMaxIterations,
		RelayBuffer:    DefaultRelayBuffer,
		OutputToolName: DefaultOutputToolName,
		Retry:          RetryConfig{MaxRetries: retry.MaxRetries, Backoff: retry.Backoff},
		Tools:          ToolsConfig{MaxConcurrency: 10, RecoverPanics: true},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path (skipped when path
// is empty) and then AGENTLOOP_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative limits.
func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations < 0 {
		errs = append(errs, errors.New("max_iterations must not be negative"))
	}
	if c.RelayBuffer < 0 {
		errs = append(errs, errors.New("relay_buffer must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Backoff < 0 {
		errs = append(errs, errors.New("retry.backoff must not be negative"))
	}
	if c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("tools.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Options converts the configuration to engine options.
func (c Config) Options() []Option {
	return []Option{
		WithSystemPrompt(c.SystemPrompt),
		WithMaxIterations(c.MaxIterations),
		WithStrictErrors(c.Strict),
		WithRelayBuffer(c.RelayBuffer),
		WithOutputToolName(c.OutputToolName),
		WithRetryPolicy(RetryPolicy{MaxRetries: c.Retry.MaxRetries, Backoff: c.Retry.Backoff}),
	}
}

// RegistryOptions converts the tool settings to registry options.
func (c Config) RegistryOptions() []RegistryOption {
	return []RegistryOption{
		WithDefaultTimeout(c.Tools.Timeout),
		WithMaxConcurrency(c.Tools.MaxConcurrency),
		WithRecoverPanics(c.Tools.RecoverPanics),
	}
}
