package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options tunes one gateway call. Zero values and a nil Temperature use the
// gateway defaults.
type Options struct {
	Model       string   `json:"model,omitempty"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty" validate:"omitempty,min=1,max=64000"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	JSONMode    bool     `json:"jsonMode,omitempty"`
}

// Temperature returns t as an Options.Temperature.
func Temperature(t float64) *float64 { return &t }

// Reply is the outcome of a gateway call.
type Reply struct {
	Text         string `json:"content"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Fallback     bool   `json:"fallback"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// CallObserver receives per-call measurements.
type CallObserver interface {
	ObserveLLMCall(provider, outcome string, d time.Duration)
	ObserveLLMFallback(reason string)
	ObserveLLMTokens(provider string, input, output int, costUSD float64)
}

// Gateway fronts a Provider with defaults, chunked streaming and the mock
// fallback. Failed calls are reported once; there are no retries.
type Gateway struct {
	provider    Provider
	mock        *MockGenerator
	keys        KeyFunc
	fallback    bool
	model       string
	maxTokens   int
	temperature float64
	chunkSize   int
	chunkDelay  time.Duration
	logger      *zap.Logger
	observer    CallObserver
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithKeys marks the provider as keyed. Calls made while keys yields ""
// go to the mock generator when the fallback is enabled.
func WithKeys(keys KeyFunc) GatewayOption {
	return func(g *Gateway) { g.keys = keys }
}

// WithFallback toggles the mock fallback.
func WithFallback(on bool) GatewayOption {
	return func(g *Gateway) { g.fallback = on }
}

// WithMock replaces the fallback generator.
func WithMock(m *MockGenerator) GatewayOption {
	return func(g *Gateway) { g.mock = m }
}

// WithDefaults sets the model, max tokens and temperature used when a call
// leaves them unset.
func WithDefaults(model string, maxTokens int, temperature float64) GatewayOption {
	return func(g *Gateway) {
		if model != "" {
			g.model = model
		}
		if maxTokens > 0 {
			g.maxTokens = maxTokens
		}
		if temperature > 0 {
			g.temperature = temperature
		}
	}
}

// WithChunking sets how Stream slices a completed response.
func WithChunking(size int, delay time.Duration) GatewayOption {
	return func(g *Gateway) {
		if size > 0 {
			g.chunkSize = size
		}
		if delay >= 0 {
			g.chunkDelay = delay
		}
	}
}

// WithLogger sets the gateway logger. A nil logger keeps the no-op default.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver attaches a metrics sink.
func WithObserver(o CallObserver) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// NewGateway wraps provider.
func NewGateway(provider Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    provider,
		mock:        NewMockGenerator(),
		fallback:    true,
		maxTokens:   defaultMaxTokens,
		temperature: 1.0,
		chunkSize:   10,
		chunkDelay:  20 * time.Millisecond,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ProviderName reports the configured provider.
func (g *Gateway) ProviderName() string {
	return g.provider.Name()
}

// HasKey reports whether a keyed provider currently has a key. Providers
// that need none always report true.
func (g *Gateway) HasKey(ctx context.Context) bool {
	return g.keys == nil || g.keys(ctx) != ""
}

// SendMessage returns one complete response.
func (g *Gateway) SendMessage(ctx context.Context, msgs []Message, opts Options) (string, error) {
	reply, err := g.Complete(ctx, msgs, opts)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// SendWithImage sends prompt with one inline base64 PNG placed before it.
func (g *Gateway) SendWithImage(ctx context.Context, prompt, imageBase64 string, opts Options) (string, error) {
	msgs := []Message{{
		Role:    RoleUser,
		Content: prompt,
		Images:  []Image{{MediaType: "image/png", Data: imageBase64}},
	}}
	return g.SendMessage(ctx, msgs, opts)
}

// Stream requests one non-streaming completion and hands it to onChunk in
// fixed-size slices. Mock replies are emitted word by word at the mock
// generator's pace. On cancellation the text emitted so far is returned
// together with ErrCancelled.
func (g *Gateway) Stream(ctx context.Context, msgs []Message, opts Options, onChunk func(string)) (string, error) {
	reply, err := g.Complete(ctx, msgs, opts)
	if err != nil {
		return "", err
	}

	var emitted []rune
	emit := func(s string) {
		emitted = append(emitted, []rune(s)...)
		if onChunk != nil {
			onChunk(s)
		}
	}

	if reply.Fallback {
		err = g.mock.Stream(ctx, reply.Text, emit)
	} else {
		err = g.slice(ctx, reply.Text, emit)
	}
	if err != nil {
		return string(emitted), err
	}
	return reply.Text, nil
}

func (g *Gateway) slice(ctx context.Context, text string, emit func(string)) error {
	runes := []rune(text)
	for start := 0; start < len(runes); start += g.chunkSize {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		end := min(start+g.chunkSize, len(runes))
		emit(string(runes[start:end]))
		if end < len(runes) {
			if err := sleepCtx(ctx, g.chunkDelay); err != nil {
				return ErrCancelled
			}
		}
	}
	return nil
}

// Complete performs one call, falling back to the mock generator when the
// provider has no key or fails.
func (g *Gateway) Complete(ctx context.Context, msgs []Message, opts Options) (*Reply, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	req := g.request(msgs, opts)

	hasKey := g.HasKey(ctx)
	if !hasKey && g.fallback {
		return g.mockReply(ctx, req, "no_api_key")
	}

	start := time.Now()
	resp, err := g.provider.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			g.observeCall("cancelled", elapsed)
			return nil, ErrCancelled
		}
		g.observeCall("error", elapsed)
		if g.fallback {
			g.logger.Warn("llm call failed, using mock response",
				zap.String("provider", g.provider.Name()),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return g.mockReply(ctx, req, "provider_error")
		}
		if !hasKey {
			return nil, fmt.Errorf("%w: %v", ErrNoAPIKey, err)
		}
		return nil, err
	}
	g.observeCall("ok", elapsed)

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	cost := EstimateCost(model, resp.InputTokens, resp.OutputTokens)
	g.logger.Debug("llm call completed",
		zap.String("provider", g.provider.Name()),
		zap.String("model", model),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens),
		zap.Float64("cost_usd", cost),
		zap.Duration("elapsed", elapsed))
	if g.observer != nil {
		g.observer.ObserveLLMTokens(g.provider.Name(), resp.InputTokens, resp.OutputTokens, cost)
	}

	return &Reply{
		Text:         resp.Content,
		Provider:     g.provider.Name(),
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func (g *Gateway) request(msgs []Message, opts Options) CompletionRequest {
	req := CompletionRequest{
		Model:       opts.Model,
		System:      opts.System,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: g.temperature,
		JSONMode:    opts.JSONMode,
	}
	if req.Model == "" {
		req.Model = g.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.maxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	return req
}

func (g *Gateway) mockReply(ctx context.Context, req CompletionRequest, reason string) (*Reply, error) {
	if g.observer != nil {
		g.observer.ObserveLLMFallback(reason)
	}
	resp, err := g.mock.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text:         resp.Content,
		Provider:     g.mock.Name(),
		Model:        resp.Model,
		Fallback:     true,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func (g *Gateway) observeCall(outcome string, d time.Duration) {
	if g.observer != nil {
		g.observer.ObserveLLMCall(g.provider.Name(), outcome, d)
	}
}
