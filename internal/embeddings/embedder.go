// Package embeddings turns card text into vectors for the semantic index.
package embeddings

import (
	"context"
	"fmt"

	"github.com/ziadkadry99/nabokov/internal/config"
)

// Embedder generates text embeddings.
type Embedder interface {
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// New builds the embedder configured in cfg. apiKey is used by keyed
// providers only.
func New(cfg config.SearchConfig, apiKey, baseURL string) (Embedder, error) {
	model := cfg.Model
	if model == "" {
		model = config.DefaultEmbeddingModels[cfg.Provider]
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("openai embeddings need an API key (set %s)", config.APIKeyEnvVar(config.ProviderOpenAI))
		}
		return NewOpenAIEmbedder(apiKey, OpenAIModel(model), baseURL), nil
	case config.ProviderOllama:
		return NewOllamaEmbedder(model, 768, baseURL), nil
	case config.ProviderMock:
		return NewHashedEmbedder(256), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}
