package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// ButtonRequest asks for a card generated by a button on a source card.
type ButtonRequest struct {
	CardID        string `json:"cardId" validate:"required"`
	ButtonID      string `json:"buttonId" validate:"required"`
	CustomContext string `json:"customContext" validate:"max=2000"`
}

// GenerateFromButton renders the button prompt against the source card,
// streams the answer through onChunk and stores the result as a new card
// connected to the source.
func (s *Service) GenerateFromButton(ctx context.Context, req ButtonRequest, onChunk func(string)) (*Result, error) {
	source, err := s.cards.Get(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	button, err := s.buttons.Get(ctx, req.ButtonID)
	if errors.Is(err, prompts.ErrUnknownButton) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, err
	}
	customContext := strings.TrimSpace(req.CustomContext)

	prompt := prompts.Render(button.Prompt, prompts.ButtonVars(source, customContext))
	started := s.nowMillis()
	text, err := s.stream(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.Options{System: prompts.CardChatSystemPrompt(source)},
		onChunk)
	if err != nil {
		return nil, err
	}

	now := s.nowMillis()
	conversation := []cards.ChatMessage{
		newMessage(llm.RoleUser, prompt, started),
		newMessage(llm.RoleAssistant, text, now),
	}
	card, err := s.cards.Save(ctx, cards.Card{
		Content:      prompts.ParagraphsHTML(text),
		CardType:     cards.CardTypeGenerated,
		ParentCardID: source.ID,
		Metadata: cards.CardMetadata{
			Title:     fmt.Sprintf("%s: %s", button.Label, source.Title()),
			Domain:    "ai-generated",
			Favicon:   button.Icon,
			Timestamp: now,
		},
		Position:     besideSource(source),
		Size:         &cards.Size{Width: generatedWidth, Height: generatedHeight},
		Tags:         []string{"ai-generated", strings.ToLower(button.Label)},
		Conversation: conversation,
		GenerationContext: &cards.GenerationContext{
			SourceMessageID: conversation[0].ID,
			ButtonID:        button.ID,
			UserPrompt:      prompt,
			ParentCardTitle: source.Title(),
			Timestamp:       now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("saving generated card: %w", err)
	}

	label := button.Label
	if customContext != "" {
		label = button.Label + ": " + customContext
	}
	conn, err := s.cards.AddConnection(ctx, cards.Connection{
		SourceCardID:   source.ID,
		TargetCardID:   card.ID,
		ConnectionType: button.ConnectionType,
		Label:          label,
		Metadata:       cards.ConnectionMetadata{CreatedBy: "user"},
	})
	if err != nil {
		if delErr := s.cards.Delete(ctx, card.ID); delErr != nil {
			s.logger.Warn("removing orphaned generated card", zap.String("card_id", card.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("connecting generated card: %w", err)
	}

	s.logger.Info("generated card from button",
		zap.String("source_id", source.ID),
		zap.String("button", button.ID),
		zap.String("card_id", card.ID),
		zap.Int("chars", len(text)))
	return &Result{Card: card, Connection: conn}, nil
}
