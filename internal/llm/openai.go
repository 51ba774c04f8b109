package llm

import (
	"context"
	"math"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider using the OpenAI Chat Completions API.
// The client is rebuilt whenever the resolved key changes.
type OpenAIProvider struct {
	keys    KeyFunc
	baseURL string
	model   string

	mu      sync.Mutex
	client  *openai.Client
	lastKey string
}

// NewOpenAIProvider creates a new OpenAI provider. A non-empty baseURL points
// the client at an OpenAI-compatible endpoint.
func NewOpenAIProvider(keys KeyFunc, baseURL, model string) *OpenAIProvider {
	if keys == nil {
		keys = StaticKey("")
	}
	return &OpenAIProvider{keys: keys, baseURL: baseURL, model: model}
}

func (p *OpenAIProvider) clientFor(ctx context.Context) *openai.Client {
	key := p.keys(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || key != p.lastKey {
		cfg := openai.DefaultConfig(key)
		if p.baseURL != "" {
			cfg.BaseURL = p.baseURL
		}
		p.client = openai.NewClientWithConfig(cfg)
		p.lastKey = key
	}
	return p.client
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func toOpenAIMessage(msg Message) openai.ChatCompletionMessage {
	if len(msg.Images) == 0 {
		return openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content}
	}
	parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: "data:" + mediaType + ";base64," + img.Data},
		})
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	return openai.ChatCompletionMessage{Role: string(msg.Role), MultiContent: parts}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessage(msg))
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	}
	// The client omits a zero temperature; this is the documented stand-in.
	if req.Temperature == 0 {
		apiReq.Temperature = math.SmallestNonzeroFloat32
	}

	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.clientFor(ctx).CreateChatCompletion(ctx, apiReq)
	if err != nil {
		if apiErr, ok := err.(*openai.APIError); ok {
			return nil, &APIError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return nil, err
	}

	var content, finishReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	return &CompletionResponse{
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
		FinishReason: finishReason,
	}, nil
}
