// Package config loads the chatstream configuration from a YAML file with
// environment-variable overrides for credentials and ports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Providers    ProvidersConfig `yaml:"providers"`
	Models       []ModelConfig   `yaml:"models"`
	DefaultModel string          `yaml:"default_model"`
	Store        StoreConfig     `yaml:"store"`
	Client       ClientConfig    `yaml:"client"`
}

// ServerConfig holds HTTP server options.
type ServerConfig struct {
	Port                int      `yaml:"port"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	MaxRequestBodyBytes int64    `yaml:"max_request_body_bytes"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
}

// ProvidersConfig holds per-vendor credentials and tuning.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig configures one upstream vendor.
type ProviderConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

// ModelConfig binds a public model id to a provider and its upstream model name.
type ModelConfig struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	UpstreamModel string `yaml:"upstream_model"`
}

// StoreConfig selects and configures the conversation store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "memory" (default) or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Namespace string `yaml:"namespace"`
}

// ClientConfig holds client-side session options.
type ClientConfig struct {
	ActivityTimeout Duration `yaml:"activity_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			ReadTimeout:         Duration(10 * time.Second),
			MaxRequestBodyBytes: 1 << 20,
			HeartbeatInterval:   Duration(15 * time.Second),
		},
		Store:  StoreConfig{Backend: "memory"},
		Client: ClientConfig{ActivityTimeout: Duration(30 * time.Second)},
	}
}

// Load reads path (if non-empty), applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("CHATSTREAM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("CHATSTREAM_REDIS_ADDR"); v != "" {
		c.Store.Backend = "redis"
		c.Store.RedisAddr = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model must be configured")
	}
	ids := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model id must not be empty")
		}
		if ids[m.ID] {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true
		switch m.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("config: model %q has unknown provider %q", m.ID, m.Provider)
		}
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0].ID
	}
	if !ids[c.DefaultModel] {
		return fmt.Errorf("config: default model %q is not in the model list", c.DefaultModel)
	}
	switch c.Store.Backend {
	case "", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: redis backend requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}
