package config

import "time"

// DefaultModels maps each provider to the model used when none is configured.
var DefaultModels = map[ProviderType]string{
	ProviderAnthropic: "claude-sonnet-4-20250514",
	ProviderOpenAI:    "gpt-4o",
	ProviderOllama:    "llama3",
	ProviderMock:      "mock",
}

// DefaultEmbeddingModels maps each embedding provider to its default model.
var DefaultEmbeddingModels = map[ProviderType]string{
	ProviderOpenAI: "text-embedding-3-small",
	ProviderOllama: "nomic-embed-text",
	ProviderMock:   "hashed-bow-256",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      3100,
			WatchData: true,
		},
		Storage: StorageConfig{
			Path:            ".nabokov/nabokov.db",
			QuotaBytes:      10 * 1024 * 1024,
			WarnRatio:       0.8,
			MaxCardBytes:    10 * 1024,
			MaxConversation: 100,
		},
		LLM: LLMConfig{
			Provider:     ProviderAnthropic,
			Model:        DefaultModels[ProviderAnthropic],
			MaxTokens:    4096,
			Temperature:  1.0,
			MockFallback: true,
			Breaker:      true,
			ChunkSize:    10,
			ChunkDelay:   20 * time.Millisecond,
		},
		Canvas: CanvasConfig{
			GeometryDebounce: 2 * time.Second,
			ViewportDebounce: 500 * time.Millisecond,
		},
		Chat: ChatConfig{
			WindowDebounce: 500 * time.Millisecond,
			StaleAfterDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
