package llm

import (
	"errors"
	"fmt"
)

// Role represents the role of a message sender in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an inline base64 image sent alongside message text.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// Message represents a single message in a conversation.
type Message struct {
	Role    Role    `json:"role" validate:"required,oneof=system user assistant"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty" validate:"dive"`
}

// CompletionRequest contains the parameters for an LLM completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// CompletionResponse contains the result of an LLM completion request.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	FinishReason string
}

var (
	// ErrCancelled is returned when a generation is stopped through its context.
	ErrCancelled = errors.New("generation cancelled")
	// ErrNoAPIKey is returned when a keyed provider has no key and the mock
	// fallback is disabled.
	ErrNoAPIKey = errors.New("no API key configured")
)

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("LLM API error: status %d", e.Status)
	}
	return fmt.Sprintf("LLM API error: status %d - %s", e.Status, e.Message)
}
