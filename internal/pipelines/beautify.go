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

const (
	beautifyTemperature = 0.7
	beautifyMaxTokens   = 4096
)

// BeautifyRequest asks for a card's content to be re-presented.
type BeautifyRequest struct {
	CardID string               `json:"cardId" validate:"required"`
	Mode   prompts.BeautifyMode `json:"mode"`
}

// Beautify rewrites a card's content as structured markdown and stores the
// rendered HTML next to the original. A card that is already beautified is
// reverted first. When the model cannot be reached a placeholder rendition
// is used; cancellation is never papered over.
func (s *Service) Beautify(ctx context.Context, req BeautifyRequest) (*cards.Card, error) {
	if req.Mode == "" {
		req.Mode = prompts.ModeOrganizeContent
	}
	system, ok := prompts.BeautifySystemPrompt(req.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown beautify mode %q", ErrInvalidRequest, req.Mode)
	}

	card, err := s.cards.Get(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	original := card.Content
	if card.BeautifiedContent != "" && card.OriginalHTML != "" {
		original = card.OriginalHTML
	}
	if strings.TrimSpace(original) == "" {
		return nil, fmt.Errorf("%w: card has no content to beautify", ErrInvalidRequest)
	}

	text, err := s.llm.SendMessage(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompts.BeautifyUserPrompt(original)}},
		llm.Options{System: system, Temperature: llm.Temperature(beautifyTemperature), MaxTokens: beautifyMaxTokens})
	switch {
	case errors.Is(err, llm.ErrCancelled) || ctx.Err() != nil:
		return nil, llm.ErrCancelled
	case err != nil:
		s.logger.Warn("beautify failed, using placeholder", zap.String("card_id", req.CardID), zap.Error(err))
		text = prompts.BeautifyFallback
	}

	rendered, err := s.RenderMarkdown(stripFence(text))
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	return s.cards.Update(ctx, req.CardID, func(c *cards.Card) error {
		if c.BeautifiedContent != "" && c.OriginalHTML != "" {
			c.Content = c.OriginalHTML
		}
		c.OriginalHTML = c.Content
		c.BeautifiedContent = rendered
		c.BeautificationMode = string(req.Mode)
		c.BeautifiedAt = now
		return nil
	})
}

// Revert drops a card's beautified rendition and restores its original HTML.
func (s *Service) Revert(ctx context.Context, cardID string) (*cards.Card, error) {
	return s.cards.Update(ctx, cardID, func(c *cards.Card) error {
		if c.BeautifiedContent == "" {
			return fmt.Errorf("%w: card is not beautified", ErrInvalidRequest)
		}
		if c.OriginalHTML != "" {
			c.Content = c.OriginalHTML
		}
		c.BeautifiedContent = ""
		c.OriginalHTML = ""
		c.BeautificationMode = ""
		c.BeautifiedAt = 0
		return nil
	})
}

// stripFence removes a ```markdown fence the model may wrap its answer in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
