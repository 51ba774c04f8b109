package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/activity"
	"github.com/ziadkadry99/nabokov/internal/canvas"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/search"
)

func (s *Server) handleSearchCards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	domain := request.GetString("domain", "")

	var hits []search.Hit
	if s.index != nil {
		hits, err = s.index.Search(ctx, query, limit, search.Filter{Domain: domain})
	} else {
		hits, err = s.substringSearch(ctx, query, limit, domain)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("No cards matched."), nil
	}
	return mcp.NewToolResultText(formatHits(hits)), nil
}

func (s *Server) substringSearch(ctx context.Context, query string, limit int, domain string) ([]search.Hit, error) {
	all, err := s.cards.List(ctx)
	if err != nil {
		return nil, err
	}
	f := canvas.DefaultFilters()
	f.Query = query
	if domain != "" {
		f.Domains = []string{domain}
	}
	var hits []search.Hit
	for _, c := range canvas.Apply(all, f, time.Now()) {
		if c.Stashed {
			continue
		}
		hits = append(hits, search.Hit{
			CardID:   c.ID,
			Title:    c.Title(),
			Domain:   c.Metadata.Domain,
			CardType: c.CardType,
			Snippet:  snippet(c.Content),
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (s *Server) handleGetCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: card_id"), nil
	}
	c, err := s.cards.Get(ctx, id)
	if errors.Is(err, cards.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("No card with id %q.", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read card: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCard(c)), nil
}

func (s *Server) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: card_id"), nil
	}
	if _, err := s.cards.Get(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("No card with id %q.", id)), nil
	}
	dir := cards.Direction(request.GetString("direction", string(cards.DirectionBoth)))

	conns, err := s.cards.ConnectionsFor(ctx, id, dir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list connections: %v", err)), nil
	}
	if len(conns) == 0 {
		return mcp.NewToolResultText("This card has no connections."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d connection(s):\n", len(conns))
	for _, conn := range conns {
		other, arrow := conn.TargetCardID, "->"
		if conn.TargetCardID == id {
			other, arrow = conn.SourceCardID, "<-"
		}
		title := "(missing card)"
		if oc, err := s.cards.Get(ctx, other); err == nil {
			title = oc.Title()
		}
		fmt.Fprintf(&sb, "\n%s %s [%s] %s (%s)", arrow, conn.ConnectionType, other, title, conn.Metadata.CreatedBy)
		if conn.Label != "" {
			fmt.Fprintf(&sb, " %q", conn.Label)
		}
	}
	sb.WriteString("\n")
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleCreateNote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil || strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	related := request.GetString("related_card_id", "")
	if related != "" {
		if _, err := s.cards.Get(ctx, related); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("No card with id %q.", related)), nil
		}
	}

	ctx = cards.WithOrigin(ctx, activity.AgentOrigin)
	note, err := s.cards.Save(ctx, cards.Card{
		Content:  content,
		CardType: cards.CardTypeNote,
		Tags:     request.GetStringSlice("tags", nil),
		Metadata: cards.CardMetadata{
			Title:     request.GetString("title", ""),
			Timestamp: time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save note: %v", err)), nil
	}
	s.logger.Info("mcp: note created", zap.String("card", note.ID))

	msg := fmt.Sprintf("Created note %s.", note.ID)
	if related != "" {
		_, err := s.cards.AddConnection(ctx, cards.Connection{
			SourceCardID:   note.ID,
			TargetCardID:   related,
			ConnectionType: cards.ConnReferences,
			Metadata:       cards.ConnectionMetadata{CreatedBy: CreatedBy},
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("note %s saved but connecting it failed: %v", note.ID, err)), nil
		}
		msg += fmt.Sprintf(" Connected to %s.", related)
	}
	return mcp.NewToolResultText(msg), nil
}

// formatHits renders search results for agent consumption.
func formatHits(hits []search.Hit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d card(s):\n", len(hits))
	for i, h := range hits {
		fmt.Fprintf(&sb, "\n--- Result %d ---\n", i+1)
		fmt.Fprintf(&sb, "ID: %s\nTitle: %s\n", h.CardID, h.Title)
		if h.Domain != "" {
			fmt.Fprintf(&sb, "Domain: %s\n", h.Domain)
		}
		if h.Similarity > 0 {
			fmt.Fprintf(&sb, "Similarity: %.1f%%\n", h.Similarity*100)
		}
		sb.WriteString("\n")
		sb.WriteString(h.Snippet)
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatCard(c *cards.Card) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", c.Title())
	fmt.Fprintf(&sb, "ID: %s\nType: %s\n", c.ID, c.CardType)
	if c.Metadata.URL != "" {
		fmt.Fprintf(&sb, "Source: %s\n", c.Metadata.URL)
	}
	if len(c.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(c.Tags, ", "))
	}
	if c.Starred {
		sb.WriteString("Starred: yes\n")
	}
	if c.Stashed {
		sb.WriteString("Stashed: yes\n")
	}
	body := c.Content
	if c.BeautifiedContent != "" {
		body = c.BeautifiedContent
	}
	sb.WriteString("\n")
	sb.WriteString(body)
	sb.WriteString("\n")
	return sb.String()
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if rs := []rune(s); len(rs) > 160 {
		return string(rs[:160]) + "..."
	}
	return s
}
