package llm

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/config"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// KeyReader is the part of the durable store holding the API key.
type KeyReader interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
}

// StoredKey resolves the key saved in the store first and envVar second.
func StoredKey(store KeyReader, envVar string) KeyFunc {
	return func(ctx context.Context) string {
		if store != nil {
			var key string
			if found, err := store.Get(ctx, storage.KeyAPIKey, &key); err == nil && found && key != "" {
				return key
			}
		}
		if envVar == "" {
			return ""
		}
		return os.Getenv(envVar)
	}
}

// NewProvider creates the provider selected by cfg. Keyed providers resolve
// their key through keys on every call; a missing key is not an error.
func NewProvider(cfg config.LLMConfig, keys KeyFunc) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg.BaseURL, keys, cfg.Model), nil

	case config.ProviderOpenAI:
		return NewOpenAIProvider(keys, cfg.BaseURL, cfg.Model), nil

	case config.ProviderOllama:
		host := cfg.BaseURL
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		if host == "" {
			host = "http://localhost:11434"
		}
		return NewOllamaProvider(host, cfg.Model), nil

	case config.ProviderMock:
		return NewMockGenerator(), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider)
	}
}

// IsKeyed reports whether provider p authenticates with an API key.
func IsKeyed(p config.ProviderType) bool {
	return p == config.ProviderAnthropic || p == config.ProviderOpenAI
}

// NewGatewayFromConfig assembles provider, rate limiter, breaker and gateway.
func NewGatewayFromConfig(cfg config.LLMConfig, keys KeyFunc, logger *zap.Logger, observer CallObserver) (*Gateway, error) {
	provider, err := NewProvider(cfg, keys)
	if err != nil {
		return nil, err
	}
	provider = NewRateLimitedProvider(provider, cfg.RequestsPerMinute)
	if cfg.Breaker && cfg.Provider != config.ProviderMock {
		provider = NewBreakerProvider(provider, DefaultBreakerSettings(), logger)
	}

	opts := []GatewayOption{
		WithFallback(cfg.MockFallback),
		WithDefaults(cfg.Model, cfg.MaxTokens, cfg.Temperature),
		WithChunking(cfg.ChunkSize, cfg.ChunkDelay),
		WithLogger(logger),
	}
	if IsKeyed(cfg.Provider) {
		opts = append(opts, WithKeys(keys))
	}
	if observer != nil {
		opts = append(opts, WithObserver(observer))
	}
	return NewGateway(provider, opts...), nil
}
