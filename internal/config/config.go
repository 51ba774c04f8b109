package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const envPrefix = "NABOKOV_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (NABOKOV_*). Nested keys use a double
// underscore: NABOKOV_SERVER__PORT -> server.port.
func Load(path string) (*Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModels[cfg.LLM.Provider]
	}
	if cfg.Search.Provider != "" && cfg.Search.Model == "" {
		cfg.Search.Model = DefaultEmbeddingModels[cfg.Search.Provider]
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

var validProviders = map[ProviderType]bool{
	ProviderAnthropic: true,
	ProviderOpenAI:    true,
	ProviderOllama:    true,
	ProviderMock:      true,
}

var validFormats = map[string]bool{"json": true, "console": true}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.QuotaBytes <= 0 {
		return fmt.Errorf("storage.quota_bytes must be positive")
	}
	if c.Storage.WarnRatio <= 0 || c.Storage.WarnRatio > 1 {
		return fmt.Errorf("storage.warn_ratio must be in (0, 1]")
	}
	if c.Storage.MaxCardBytes <= 0 {
		return fmt.Errorf("storage.max_card_bytes must be positive")
	}
	if c.Storage.MaxConversation <= 0 {
		return fmt.Errorf("storage.max_conversation must be positive")
	}

	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm.provider %q: must be one of anthropic, openai, ollama, mock", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.ChunkSize <= 0 {
		return fmt.Errorf("llm.chunk_size must be positive")
	}
	if c.LLM.ChunkDelay < 0 || c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.chunk_delay and llm.requests_per_minute must be non-negative")
	}

	if c.Canvas.GeometryDebounce <= 0 || c.Canvas.ViewportDebounce <= 0 {
		return fmt.Errorf("canvas debounce delays must be positive")
	}
	if c.Chat.WindowDebounce <= 0 {
		return fmt.Errorf("chat.window_debounce must be positive")
	}
	if c.Chat.StaleAfterDays <= 0 {
		return fmt.Errorf("chat.stale_after_days must be positive")
	}

	switch c.Search.Provider {
	case "", ProviderOpenAI, ProviderOllama, ProviderMock:
	default:
		return fmt.Errorf("invalid search.provider %q: must be openai, ollama or mock", c.Search.Provider)
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format %q: must be json or console", c.Logging.Format)
	}

	return nil
}

// APIKeyEnvVar returns the conventional environment variable name for
// the API key of the given provider.
func APIKeyEnvVar(provider ProviderType) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// Addr returns the listen address of the HTTP backend.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
