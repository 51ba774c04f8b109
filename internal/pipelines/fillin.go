package pipelines

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// FillInRequest asks for a card's content to be synthesized from the cards
// connected to it.
type FillInRequest struct {
	CardID    string           `json:"cardId" validate:"required"`
	Strategy  prompts.Strategy `json:"strategy" validate:"omitempty,oneof=replace append merge"`
	Direction cards.Direction  `json:"direction" validate:"omitempty,oneof=incoming outgoing both"`
	Guidance  string           `json:"userGuidance" validate:"max=2000"`
}

// Readiness reports whether a fill-in has material to work with.
type Readiness struct {
	Ready          bool   `json:"ready"`
	Message        string `json:"message,omitempty"`
	ConnectedCount int    `json:"connectedCount"`
	Preview        string `json:"preview,omitempty"`
}

func (r *FillInRequest) defaults() {
	if r.Strategy == "" {
		r.Strategy = prompts.StrategyReplace
	}
	if r.Direction == "" {
		r.Direction = cards.DirectionBoth
	}
}

// sources returns the connected cards that have content to contribute.
func (s *Service) sources(ctx context.Context, cardID string, dir cards.Direction) ([]cards.Card, int, error) {
	connected, err := s.cards.ConnectedCards(ctx, cardID, dir)
	if err != nil {
		return nil, 0, err
	}
	withContent := connected[:0:0]
	for _, c := range connected {
		if strings.TrimSpace(prompts.PlainText(c.Content)) != "" {
			withContent = append(withContent, c)
		}
	}
	return withContent, len(connected), nil
}

// Readiness checks whether cardID can be filled in with strategy.
func (s *Service) Readiness(ctx context.Context, cardID string, dir cards.Direction, strategy prompts.Strategy) (*Readiness, error) {
	req := FillInRequest{CardID: cardID, Direction: dir, Strategy: strategy}
	req.defaults()
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	if _, err := s.cards.Get(ctx, cardID); err != nil {
		return nil, err
	}
	usable, total, err := s.sources(ctx, cardID, req.Direction)
	if err != nil {
		return nil, err
	}
	switch {
	case total == 0:
		return &Readiness{Message: "Connect this card to other notes first"}, nil
	case len(usable) == 0:
		return &Readiness{Message: "Connected cards have no content", ConnectedCount: total}, nil
	}
	return &Readiness{
		Ready:          true,
		ConnectedCount: len(usable),
		Preview:        prompts.FillInPreview(req.Strategy, len(usable)),
	}, nil
}

// FillIn synthesizes content for a card from its connected cards and applies
// it with the requested strategy. The replaced content is kept in the card's
// fill-in history.
func (s *Service) FillIn(ctx context.Context, req FillInRequest, onChunk func(string)) (*cards.Card, error) {
	req.defaults()
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	target, err := s.cards.Get(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	usable, total, err := s.sources(ctx, req.CardID, req.Direction)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no connected cards", ErrNotReady)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: connected cards have no content", ErrNotReady)
	}

	userPrompt := prompts.FillInUserPrompt(target, prompts.FillInContext(usable), req.Guidance)
	text, err := s.stream(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: userPrompt}},
		llm.Options{System: prompts.FillInSystemPrompt(req.Strategy)},
		onChunk)
	if err != nil {
		return nil, err
	}
	rendered, err := s.RenderMarkdown(text)
	if err != nil {
		return nil, err
	}

	sourceIDs := make([]string, len(usable))
	for i, c := range usable {
		sourceIDs[i] = c.ID
	}
	now := s.nowMillis()
	updated, err := s.cards.Update(ctx, req.CardID, func(c *cards.Card) error {
		c.FillInHistory = append(c.FillInHistory, cards.FillInEntry{
			Timestamp:       now,
			SourceCardIDs:   sourceIDs,
			Strategy:        string(req.Strategy),
			UserPrompt:      strings.TrimSpace(req.Guidance),
			PreviousContent: c.Content,
		})
		if req.Strategy == prompts.StrategyAppend && strings.TrimSpace(c.Content) != "" {
			c.Content = c.Content + "\n" + rendered
		} else {
			c.Content = rendered
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("filled in card",
		zap.String("card_id", req.CardID),
		zap.String("strategy", string(req.Strategy)),
		zap.Int("sources", len(sourceIDs)))
	return updated, nil
}
