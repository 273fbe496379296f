// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmcore gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Cloud     CloudConfig               `koanf:"cloud"`
	Local     LocalConfig               `koanf:"local"`
	Router    RouterConfig              `koanf:"router"`
	Sync      SyncConfig                `koanf:"sync"`
	DataDir   string                    `koanf:"data_dir"`
	Redis     RedisConfig               `koanf:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single HTTP-compatible LLM
// provider (OpenAI-style REST + SSE).
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// CloudConfig points at the websocket backend spoken by internal/wire.
type CloudConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	AuthToken      string        `koanf:"auth_token"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	Models         []string      `koanf:"models"`
}

// LocalConfig configures the on-disk model registry and inference engine.
type LocalConfig struct {
	ModelsDir    string         `koanf:"models_dir"`
	DiskBudgetMB int64          `koanf:"disk_budget_mb"`
	DefaultEOSID int64          `koanf:"default_eos_id"`
	Catalog      []CatalogEntry `koanf:"catalog"`
}

// CatalogEntry describes one model that can be fetched on demand when a
// request targets it and it isn't installed yet.
type CatalogEntry struct {
	ID             string `koanf:"id"`
	Name           string `koanf:"name"`
	DownloadURL    string `koanf:"download_url"`
	Quantization   string `koanf:"quantization"`
	ParameterCount int64  `koanf:"parameter_count"`
	ContextLength  int    `koanf:"context_length"`
}

// RuleConfig is one static routing rule, matched by model-id prefix.
type RuleConfig struct {
	ModelPrefix          string `koanf:"model_prefix"`
	ProviderType         string `koanf:"provider_type"`
	FallbackProviderType string `koanf:"fallback_provider_type"`
	FallbackModelID      string `koanf:"fallback_model_id"`
}

// RouterConfig configures the provider router's strategy and static rules.
type RouterConfig struct {
	Strategy   string       `koanf:"strategy"`
	Rules      []RuleConfig `koanf:"rules"`
	ScriptPath string       `koanf:"script_path"`
}

// SyncConfig configures the collaborative vector-clock engine.
type SyncConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DrainInterval time.Duration `koanf:"drain_interval"`
}

// RedisConfig points the session cache at a redis instance.
type RedisConfig struct {
	Addr            string        `koanf:"addr"`
	SessionStateTTL time.Duration `koanf:"session_state_ttl"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMCORE_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMCORE_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMCORE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMCORE_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}
	if strings.HasPrefix(cfg.Cloud.AuthToken, "${") && strings.HasSuffix(cfg.Cloud.AuthToken, "}") {
		cfg.Cloud.AuthToken = os.Getenv(cfg.Cloud.AuthToken[2 : len(cfg.Cloud.AuthToken)-1])
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in the timeout defaults for anything the config
// file and environment left at the zero value.
func applyDefaults(cfg *Config) {
	if cfg.Cloud.ConnectTimeout == 0 {
		cfg.Cloud.ConnectTimeout = 30 * time.Second
	}
	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = "prefer_online"
	}
	if cfg.Sync.DrainInterval == 0 {
		cfg.Sync.DrainInterval = 2 * time.Second
	}
	if cfg.Redis.SessionStateTTL == 0 {
		cfg.Redis.SessionStateTTL = 24 * time.Hour
	}
	if cfg.Local.DiskBudgetMB == 0 {
		cfg.Local.DiskBudgetMB = 20_000
	}
}
