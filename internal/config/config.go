// Package config loads the shell configuration from a JSON5 file with
// environment-variable overrides. Env vars take precedence over file values;
// secrets (API keys, DSNs) normally arrive through the environment only.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Storage    StorageConfig    `json:"storage"`
	Providers  ProvidersConfig  `json:"providers"`
	Subprocess SubprocessConfig `json:"subprocess"`
	Engine     EngineConfig     `json:"engine"`
	Tracing    TracingConfig    `json:"tracing"`
}

// StorageConfig selects the conversation store backend.
type StorageConfig struct {
	// Backend: "sqlite" (default), "postgres", or "memory".
	Backend string `json:"backend"`
	// Path is the sqlite database file.
	Path string `json:"path"`
	// PostgresDSN comes from GOCONVO_POSTGRES_DSN only.
	PostgresDSN string `json:"-"`
}

// ProvidersConfig holds per-provider client settings.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig configures one provider client.
type ProviderConfig struct {
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url"`
	Model             string `json:"model"`
	MaxTokens         int64  `json:"max_tokens"`
	RequestsPerMinute int    `json:"rate_limit_rpm"`
}

// SubprocessConfig configures the stream-json child.
type SubprocessConfig struct {
	Binary string `json:"binary"`
	// ResponseFormat enables structured {full_text, tts_text, voice_tone}
	// assistant output.
	ResponseFormat bool     `json:"response_format"`
	ExtraArgs      []string `json:"extra_args"`
}

// EngineConfig tunes the conversation engine.
type EngineConfig struct {
	MaxIterations int `json:"max_iterations"`
}

// TracingConfig configures the OTLP exporter; empty endpoint disables it.
type TracingConfig struct {
	Endpoint string `json:"endpoint"`
	Insecure bool   `json:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "~/.goconvo/conversations.db",
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{
				Model:     "claude-sonnet-4-5-20250929",
				MaxTokens: 8192,
			},
			OpenAI: ProviderConfig{
				Model:     "gpt-4o",
				MaxTokens: 8192,
			},
		},
		Subprocess: SubprocessConfig{
			Binary: "claude",
		},
		Engine: EngineConfig{
			MaxIterations: 200,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envStr("GOCONVO_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GOCONVO_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.BaseURL)
	envStr("GOCONVO_ANTHROPIC_MODEL", &c.Providers.Anthropic.Model)
	envStr("GOCONVO_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GOCONVO_OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)
	envStr("GOCONVO_OPENAI_MODEL", &c.Providers.OpenAI.Model)
	envStr("GOCONVO_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("GOCONVO_STORAGE_PATH", &c.Storage.Path)
	envStr("GOCONVO_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("GOCONVO_SUBPROCESS_BINARY", &c.Subprocess.Binary)
	envStr("GOCONVO_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envInt("GOCONVO_ENGINE_MAX_ITERATIONS", &c.Engine.MaxIterations)
}

// ExpandHome resolves a leading ~ against the user home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
