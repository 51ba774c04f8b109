package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/embeddings"
	"github.com/ziadkadry99/nabokov/internal/search"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

func setupStore(t *testing.T) *cards.Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return cards.NewStore(storage.NewStore(database, storage.AreaLocal), nil)
}

func seed(t *testing.T, store *cards.Store) (octo, squid *cards.Card) {
	t.Helper()
	ctx := context.Background()
	var err error
	octo, err = store.Save(ctx, cards.Card{
		Content:  "The octopus has three hearts.",
		Tags:     []string{"biology"},
		Metadata: cards.CardMetadata{Title: "Octopus", Domain: "en.wikipedia.org", URL: "https://en.wikipedia.org/wiki/Octopus"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	squid, err = store.Save(ctx, cards.Card{
		Content:  "Squid have a beak.",
		Metadata: cards.CardMetadata{Title: "Squid", Domain: "example.com"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return octo, squid
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		tool     mcp.Tool
		wantName string
	}{
		{searchCardsTool, "search_cards"},
		{getCardTool, "get_card"},
		{listConnectionsTool, "list_connections"},
		{createNoteTool, "create_note"},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			if tt.tool.Name != tt.wantName {
				t.Errorf("tool name = %q, want %q", tt.tool.Name, tt.wantName)
			}
			if tt.tool.Description == "" {
				t.Error("tool description should not be empty")
			}
		})
	}
}

func TestHandleSearchCards(t *testing.T) {
	store := setupStore(t)
	octo, _ := seed(t, store)
	ctx := context.Background()

	t.Run("substring fallback", func(t *testing.T) {
		srv := NewServer(store, nil, nil)
		res, err := srv.handleSearchCards(ctx, call(map[string]any{"query": "hearts"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected tool error: %v", res.Content)
		}
		out := text(t, res)
		if !strings.Contains(out, octo.ID) || strings.Contains(out, "Squid") {
			t.Errorf("unexpected results:\n%s", out)
		}
	})

	t.Run("semantic index", func(t *testing.T) {
		ix, err := search.NewIndex(store, embeddings.NewHashedEmbedder(256), nil)
		if err != nil {
			t.Fatalf("NewIndex: %v", err)
		}
		if _, err := ix.Rebuild(ctx); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
		srv := NewServer(store, ix, nil)
		res, _ := srv.handleSearchCards(ctx, call(map[string]any{"query": "octopus hearts", "limit": float64(1)}))
		out := text(t, res)
		if !strings.Contains(out, "Found 1 card(s)") || !strings.Contains(out, octo.ID) {
			t.Errorf("unexpected results:\n%s", out)
		}
	})

	t.Run("domain filter", func(t *testing.T) {
		srv := NewServer(store, nil, nil)
		res, _ := srv.handleSearchCards(ctx, call(map[string]any{"query": "a", "domain": "example.com"}))
		out := text(t, res)
		if strings.Contains(out, octo.ID) || !strings.Contains(out, "Squid") {
			t.Errorf("unexpected results:\n%s", out)
		}
	})

	t.Run("missing query", func(t *testing.T) {
		srv := NewServer(store, nil, nil)
		res, _ := srv.handleSearchCards(ctx, call(map[string]any{}))
		if !res.IsError {
			t.Error("expected error for missing query")
		}
	})

	t.Run("no match", func(t *testing.T) {
		srv := NewServer(store, nil, nil)
		res, _ := srv.handleSearchCards(ctx, call(map[string]any{"query": "zebra"}))
		if res.IsError {
			t.Error("empty results should not be an error")
		}
	})
}

func TestHandleGetCard(t *testing.T) {
	store := setupStore(t)
	octo, _ := seed(t, store)
	srv := NewServer(store, nil, nil)
	ctx := context.Background()

	res, _ := srv.handleGetCard(ctx, call(map[string]any{"card_id": octo.ID}))
	out := text(t, res)
	for _, want := range []string{"# Octopus", "Source: https://en.wikipedia.org/wiki/Octopus", "Tags: biology", "three hearts"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	res, _ = srv.handleGetCard(ctx, call(map[string]any{"card_id": "nope"}))
	if !res.IsError {
		t.Error("expected error for unknown card")
	}
}

func TestCreateNoteAndConnections(t *testing.T) {
	store := setupStore(t)
	octo, _ := seed(t, store)
	srv := NewServer(store, nil, nil)
	ctx := context.Background()

	res, err := srv.handleCreateNote(ctx, call(map[string]any{
		"content":         "Compare with cuttlefish.",
		"title":           "Follow-up",
		"tags":            []any{"todo"},
		"related_card_id": octo.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", text(t, res))
	}

	conns, err := store.ConnectionsFor(ctx, octo.ID, cards.DirectionIncoming)
	if err != nil {
		t.Fatalf("ConnectionsFor: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].ConnectionType != cards.ConnReferences || conns[0].Metadata.CreatedBy != CreatedBy {
		t.Errorf("unexpected connection: %+v", conns[0])
	}

	note, err := store.Get(ctx, conns[0].SourceCardID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if note.CardType != cards.CardTypeNote || note.Metadata.Title != "Follow-up" || len(note.Tags) != 1 {
		t.Errorf("unexpected note: %+v", note)
	}

	res, _ = srv.handleListConnections(ctx, call(map[string]any{"card_id": octo.ID}))
	out := text(t, res)
	if !strings.Contains(out, "<- references") || !strings.Contains(out, "Follow-up") {
		t.Errorf("unexpected connections:\n%s", out)
	}

	res, _ = srv.handleListConnections(ctx, call(map[string]any{"card_id": octo.ID, "direction": "outgoing"}))
	if out := text(t, res); !strings.Contains(out, "no connections") {
		t.Errorf("expected no outgoing connections, got:\n%s", out)
	}
}

func TestCreateNoteStripsScripts(t *testing.T) {
	store := setupStore(t)
	srv := NewServer(store, nil, nil)
	ctx := context.Background()

	res, err := srv.handleCreateNote(ctx, call(map[string]any{
		"content": `<p onclick="steal()">Ink sacs</p><script>alert(1)</script>`,
	}))
	if err != nil || res.IsError {
		t.Fatalf("create_note failed: %v", err)
	}
	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 card, got %d", len(all))
	}
	if all[0].Content != "<p>Ink sacs</p>" {
		t.Errorf("content not sanitized: %q", all[0].Content)
	}
}

func TestCreateNoteErrors(t *testing.T) {
	store := setupStore(t)
	srv := NewServer(store, nil, nil)
	ctx := context.Background()

	res, _ := srv.handleCreateNote(ctx, call(map[string]any{"content": "  "}))
	if !res.IsError {
		t.Error("expected error for blank content")
	}
	res, _ = srv.handleCreateNote(ctx, call(map[string]any{"content": "x", "related_card_id": "nope"}))
	if !res.IsError {
		t.Error("expected error for unknown related card")
	}
	all, _ := store.List(ctx)
	if len(all) != 0 {
		t.Errorf("expected no cards saved, got %d", len(all))
	}
}
