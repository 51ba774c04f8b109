package prompts

import (
	"context"
	"errors"
	"fmt"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Button is a card action that generates a new connected card from a prompt
// template. Templates may reference {{content}}, {{title}}, {{domain}} and
// {{customContext}}.
type Button struct {
	ID             string               `json:"id" validate:"required,max=64"`
	Label          string               `json:"label" validate:"required,max=40"`
	Icon           string               `json:"icon"`
	Prompt         string               `json:"prompt" validate:"required"`
	ConnectionType cards.ConnectionType `json:"connectionType" validate:"required,oneof=generated-from references related contradicts custom"`
	Enabled        bool                 `json:"enabled"`
}

var (
	// ErrUnknownButton is returned when no button has the requested id.
	ErrUnknownButton = errors.New("unknown button")
	// ErrInvalidButton is returned when a saved button list fails validation.
	ErrInvalidButton = errors.New("invalid button")
)

// DefaultButtons returns the built-in action buttons.
func DefaultButtons() []Button {
	return []Button{
		{
			ID:    "learn-more",
			Label: "Learn More",
			Icon:  "📚",
			Prompt: `Based on this content: "{{content}}", provide more information about {{customContext || 'the main topic'}}.

Title: {{title}}

Please provide detailed information, context, and relevant insights.`,
			ConnectionType: cards.ConnReferences,
			Enabled:        true,
		},
		{
			ID:    "summarize",
			Label: "Summarize",
			Icon:  "📝",
			Prompt: `Summarize the following content, focusing on {{customContext || 'the key points'}}:

Title: {{title}}
Content: {{content}}

Provide a concise summary that captures the essential information.`,
			ConnectionType: cards.ConnGeneratedFrom,
			Enabled:        true,
		},
		{
			ID:    "critique",
			Label: "Critique",
			Icon:  "🔍",
			Prompt: `Provide a critical analysis of the following content, specifically examining {{customContext || 'its strengths and weaknesses'}}:

Title: {{title}}
Content: {{content}}

Offer constructive criticism and identify potential improvements.`,
			ConnectionType: cards.ConnRelated,
			Enabled:        true,
		},
		{
			ID:    "eli5",
			Label: "ELI5",
			Icon:  "👶",
			Prompt: `Explain the following content in simple terms that a 5-year-old would understand, focusing on {{customContext || 'the core concept'}}:

Title: {{title}}
Content: {{content}}

Use simple language, analogies, and examples.`,
			ConnectionType: cards.ConnRelated,
			Enabled:        true,
		},
		{
			ID:    "expand",
			Label: "Expand",
			Icon:  "💡",
			Prompt: `Expand on the following content with additional details, examples, and insights about {{customContext || 'the main ideas'}}:

Title: {{title}}
Content: {{content}}

Provide deeper analysis and related information.`,
			ConnectionType: cards.ConnReferences,
			Enabled:        true,
		},
	}
}

// KV is the part of the key-value store the button store needs.
type KV interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, keys ...string) error
}

// ButtonStore persists the user's button list. Until the user saves one,
// the defaults are returned.
type ButtonStore struct {
	kv KV
}

// NewButtonStore creates a button store over kv.
func NewButtonStore(kv KV) *ButtonStore {
	return &ButtonStore{kv: kv}
}

// List returns all buttons, enabled or not.
func (s *ButtonStore) List(ctx context.Context) ([]Button, error) {
	var buttons []Button
	found, err := s.kv.Get(ctx, storage.KeyButtons, &buttons)
	if err != nil {
		return nil, fmt.Errorf("loading buttons: %w", err)
	}
	if !found {
		return DefaultButtons(), nil
	}
	return buttons, nil
}

// Enabled returns the buttons shown on cards.
func (s *ButtonStore) Enabled(ctx context.Context) ([]Button, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Button
	for _, b := range all {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out, nil
}

// Get returns the button with id.
func (s *ButtonStore) Get(ctx context.Context, id string) (*Button, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownButton, id)
}

// Save validates and stores the full button list.
func (s *ButtonStore) Save(ctx context.Context, buttons []Button) error {
	seen := make(map[string]bool, len(buttons))
	for i := range buttons {
		if err := api.Validate(&buttons[i]); err != nil {
			return fmt.Errorf("%w: button %d: %v", ErrInvalidButton, i, err)
		}
		if seen[buttons[i].ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidButton, buttons[i].ID)
		}
		seen[buttons[i].ID] = true
	}
	return s.kv.Set(ctx, storage.KeyButtons, buttons)
}

// Reset restores the defaults.
func (s *ButtonStore) Reset(ctx context.Context) error {
	return s.kv.Remove(ctx, storage.KeyButtons)
}
