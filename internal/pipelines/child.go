package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// ChildRequest asks for a card explaining a selection on a parent card.
type ChildRequest struct {
	ParentID  string            `json:"parentId" validate:"required"`
	Selection prompts.Selection `json:"selection"`
	Type      prompts.ChildType `json:"generationType" validate:"required,oneof=explanation definition deep-dive examples"`
}

const fallbackChildTitle = "Generated Content"

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareObject = regexp.MustCompile(`(?s)\{.*\}`)
)

type childContent struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// parseChild extracts {title, content, tags} from a fenced block or the
// outermost object. Anything unparseable becomes one paragraph.
func parseChild(raw string) childContent {
	fallback := childContent{Title: fallbackChildTitle, Content: prompts.ParagraphsHTML(raw), Tags: []string{}}

	var candidate string
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	} else if m := bareObject.FindString(raw); m != "" {
		candidate = m
	} else {
		return fallback
	}

	var parsed struct {
		Title   string          `json:"title"`
		Content string          `json:"content"`
		Tags    json.RawMessage `json:"tags"`
	}
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return fallback
	}
	out := childContent{Title: parsed.Title, Content: parsed.Content, Tags: []string{}}
	if out.Title == "" {
		out.Title = fallbackChildTitle
	}
	if out.Content == "" {
		out.Content = raw
	}
	var tags []string
	if json.Unmarshal(parsed.Tags, &tags) == nil && tags != nil {
		out.Tags = tags
	}
	return out
}

// GenerateChild explains a text selection in a new card connected to its
// parent with a generated-from edge.
func (s *Service) GenerateChild(ctx context.Context, req ChildRequest, onChunk func(string)) (*Result, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown generation type %q", ErrInvalidRequest, req.Type)
	}
	if strings.TrimSpace(req.Selection.Text) == "" {
		return nil, fmt.Errorf("%w: empty selection", ErrInvalidRequest)
	}
	parent, err := s.cards.Get(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	prompt := prompts.ChildPrompt(req.Selection, parent, req.Type)
	text, err := s.stream(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.Options{}, onChunk)
	if err != nil {
		return nil, err
	}
	parsed := parseChild(text)

	tags := append([]string{"ai-generated", string(req.Type)}, parsed.Tags...)
	now := s.nowMillis()
	card, err := s.cards.Save(ctx, cards.Card{
		Content:      parsed.Content,
		CardType:     cards.CardTypeGenerated,
		ParentCardID: parent.ID,
		Metadata: cards.CardMetadata{
			Title:     parsed.Title,
			Domain:    parent.Metadata.Domain,
			URL:       parent.Metadata.URL,
			Timestamp: now,
		},
		Position: besideSource(parent),
		Size:     &cards.Size{Width: generatedWidth, Height: generatedHeight},
		Tags:     dedupe(tags),
		GenerationContext: &cards.GenerationContext{
			GenerationType:  string(req.Type),
			UserPrompt:      prompt,
			SelectedText:    req.Selection.Text,
			ParentCardTitle: parent.Title(),
			Timestamp:       now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("saving child card: %w", err)
	}

	conn, err := s.cards.AddConnection(ctx, cards.Connection{
		SourceCardID:   parent.ID,
		TargetCardID:   card.ID,
		ConnectionType: cards.ConnGeneratedFrom,
		Label:          prompts.SuggestedTitle(req.Selection.Text, req.Type),
		Metadata:       cards.ConnectionMetadata{CreatedBy: "ai"},
	})
	if err != nil {
		if delErr := s.cards.Delete(ctx, card.ID); delErr != nil {
			s.logger.Warn("removing orphaned child card", zap.String("card_id", card.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("connecting child card: %w", err)
	}
	return &Result{Card: card, Connection: conn}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
