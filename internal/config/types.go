package config

import "time"

// ProviderType identifies an LLM provider.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderOllama    ProviderType = "ollama"
	ProviderMock      ProviderType = "mock"
)

// Config is the top-level nabokov configuration, corresponding to .nabokov.yml.
type Config struct {
	Server  ServerConfig  `yaml:"server" koanf:"server"`
	Storage StorageConfig `yaml:"storage" koanf:"storage"`
	LLM     LLMConfig     `yaml:"llm" koanf:"llm"`
	Canvas  CanvasConfig  `yaml:"canvas" koanf:"canvas"`
	Chat    ChatConfig    `yaml:"chat" koanf:"chat"`
	Search  SearchConfig  `yaml:"search" koanf:"search"`
	Logging LoggingConfig `yaml:"logging" koanf:"logging"`
}

// ServerConfig controls the local HTTP backend.
type ServerConfig struct {
	Host            string `yaml:"host" koanf:"host"`
	Port            int    `yaml:"port" koanf:"port"`
	AllowAllOrigins bool   `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	WatchData       bool   `yaml:"watch_data" koanf:"watch_data"`
}

// StorageConfig controls the durable key-value store.
type StorageConfig struct {
	Path            string  `yaml:"path" koanf:"path"`
	QuotaBytes      int64   `yaml:"quota_bytes" koanf:"quota_bytes"`
	WarnRatio       float64 `yaml:"warn_ratio" koanf:"warn_ratio"`
	MaxCardBytes    int     `yaml:"max_card_bytes" koanf:"max_card_bytes"`
	MaxConversation int     `yaml:"max_conversation" koanf:"max_conversation"`
}

// LLMConfig selects and tunes the model backend.
type LLMConfig struct {
	Provider          ProviderType  `yaml:"provider" koanf:"provider"`
	Model             string        `yaml:"model" koanf:"model"`
	BaseURL           string        `yaml:"base_url" koanf:"base_url"`
	MaxTokens         int           `yaml:"max_tokens" koanf:"max_tokens"`
	Temperature       float64       `yaml:"temperature" koanf:"temperature"`
	MockFallback      bool          `yaml:"mock_fallback" koanf:"mock_fallback"`
	RequestsPerMinute int           `yaml:"requests_per_minute" koanf:"requests_per_minute"`
	Breaker           bool          `yaml:"breaker" koanf:"breaker"`
	ChunkSize         int           `yaml:"chunk_size" koanf:"chunk_size"`
	ChunkDelay        time.Duration `yaml:"chunk_delay" koanf:"chunk_delay"`
}

// CanvasConfig holds the write-back delays of the canvas synchronizer.
type CanvasConfig struct {
	GeometryDebounce time.Duration `yaml:"geometry_debounce" koanf:"geometry_debounce"`
	ViewportDebounce time.Duration `yaml:"viewport_debounce" koanf:"viewport_debounce"`
}

// ChatConfig holds chat window settings.
type ChatConfig struct {
	WindowDebounce time.Duration `yaml:"window_debounce" koanf:"window_debounce"`
	StaleAfterDays int           `yaml:"stale_after_days" koanf:"stale_after_days"`
}

// SearchConfig controls the semantic card index. Disabled when Provider is empty.
type SearchConfig struct {
	Provider ProviderType `yaml:"provider" koanf:"provider"`
	Model    string       `yaml:"model" koanf:"model"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}
