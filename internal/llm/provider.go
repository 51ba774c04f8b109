package llm

import "context"

// Provider is one LLM backend. The Gateway adds defaults, fallback and
// chunked streaming on top, so providers only answer a single request.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name is the provider type, e.g. "anthropic", used in logs and metrics.
	Name() string
}

// KeyFunc resolves the API key at call time, so a key saved through the
// settings endpoint applies to the next request. An empty key is allowed.
type KeyFunc func(ctx context.Context) string

// StaticKey returns a KeyFunc that always yields key.
func StaticKey(key string) KeyFunc {
	return func(context.Context) string { return key }
}
