// Package config loads worker configuration from an optional YAML file with
// environment overrides, and owns the model alias table that maps short names
// to provider model identifiers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the worker process configuration.
type Config struct {
	// RedisAddr is the host:port of the shared store.
	RedisAddr string `yaml:"redis_addr"`

	// Provider selects the model backend: "bedrock" or "anthropic".
	Provider string `yaml:"provider"`

	// AWSRegion configures the Bedrock runtime client.
	AWSRegion string `yaml:"aws_region"`

	// AnthropicAPIKey authenticates the Anthropic backend. Usually supplied
	// via ANTHROPIC_API_KEY rather than the file.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// DefaultModel is the alias used when a task or tool names no model.
	DefaultModel string `yaml:"default_model"`

	// SummarizerModel optionally overrides the task model for turn summaries.
	SummarizerModel string `yaml:"summarizer_model"`

	// WorkerCommand is the argv prefix used to spawn task workers; the task
	// id is appended as the final argument.
	WorkerCommand []string `yaml:"worker_command"`

	// MaxIterations bounds iterations per worker process lifetime.
	MaxIterations int `yaml:"max_iterations"`

	// Models maps aliases to provider model identifiers.
	Models map[string]string `yaml:"models"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RedisAddr:     "localhost:6379",
		Provider:      "bedrock",
		AWSRegion:     "us-east-1",
		DefaultModel:  "sonnet45",
		WorkerCommand: []string{"microcore", "-task"},
		MaxIterations: 250,
		Models: map[string]string{
			"haiku35":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
			"haiku45":  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
			"sonnet35": "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
			"sonnet45": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
			"opus4":    "us.anthropic.claude-opus-4-20250514-v1:0",
			"opus41":   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when it
// exists, then environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file; defaults plus env apply.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MICROCORE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("MICROCORE_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.AWSRegion = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("MICROCORE_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("MICROCORE_SUMMARIZER_MODEL"); v != "" {
		c.SummarizerModel = v
	}
	if v := os.Getenv("MICROCORE_WORKER_COMMAND"); v != "" {
		c.WorkerCommand = strings.Fields(v)
	}
	if v := os.Getenv("MICROCORE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxIterations = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case "bedrock", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("config: worker_command is required")
	}
	if _, err := c.ResolveModel(c.DefaultModel); err != nil {
		return fmt.Errorf("config: default model: %w", err)
	}
	return nil
}

// ResolveModel maps a model alias to its provider identifier. Already-concrete
// identifiers (ARNs, inference profiles, full Claude model ids) pass through;
// an empty alias resolves to the default model.
func (c *Config) ResolveModel(alias string) (string, error) {
	if alias == "" {
		alias = c.DefaultModel
	}
	if strings.HasPrefix(alias, "arn:") ||
		strings.HasPrefix(alias, "us.") ||
		strings.HasPrefix(alias, "eu.") ||
		strings.HasPrefix(alias, "claude-") {
		return alias, nil
	}
	id, ok := c.Models[alias]
	if !ok {
		return "", fmt.Errorf("unknown model alias %q", alias)
	}
	return id, nil
}
