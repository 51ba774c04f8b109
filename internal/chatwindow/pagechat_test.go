package chatwindow

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

func setupPageChats(t *testing.T, gw Gateway) (*PageChats, *cards.Store, chi.Router) {
	t.Helper()
	store := cards.NewStore(setupKV(t), nil)
	chats := NewPageChats(store, gw, nil)
	t.Cleanup(func() { chats.Shutdown(context.Background()) })
	r := chi.NewRouter()
	RegisterPageChatRoutes(r, chats)
	return chats, store, r
}

func TestPageChatGroundedInPage(t *testing.T) {
	gw := &fakeGateway{}
	chats, _, r := setupPageChats(t, gw)

	w := do(t, r, "POST", "/api/page-chats/", `{"url":"https://example.com/tides","title":"Tides","content":"Tides rise twice a day.","headings":["Moon"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v PageChatView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.NotEmpty(t, v.ID)
	assert.Equal(t, "Tides", v.Page.Title)

	w = do(t, r, "POST", "/api/page-chats/"+v.ID+"/messages", `{"text":"how often?"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	win, err := chats.Window(v.ID)
	require.NoError(t, err)
	waitIdle(t, win)

	gw.mu.Lock()
	assert.Contains(t, gw.system, "Tides rise twice a day.")
	assert.Contains(t, gw.system, "- Moon")
	gw.mu.Unlock()

	// Opening the same page again keeps the transcript and refreshes the context.
	again := chats.Open(prompts.PageContext{URL: "https://example.com/tides", Title: "Tides", Content: "Neap tides are weaker."})
	assert.Equal(t, v.ID, again.ID)
	assert.Len(t, again.Window.Messages, 2)

	_, err = win.Send(context.Background(), "and neap tides?")
	require.NoError(t, err)
	waitIdle(t, win)
	gw.mu.Lock()
	assert.Contains(t, gw.system, "Neap tides are weaker.")
	gw.mu.Unlock()

	other := chats.Open(prompts.PageContext{URL: "https://example.com/waves", Title: "Waves"})
	assert.NotEqual(t, v.ID, other.ID)
	assert.Empty(t, other.Window.Messages)
}

func TestPageChatSavedToCanvas(t *testing.T) {
	chats, store, r := setupPageChats(t, &fakeGateway{})
	ctx := context.Background()
	v := chats.Open(prompts.PageContext{URL: "https://example.com/tides", Title: "Tides"})

	w := do(t, r, "POST", "/api/page-chats/"+v.ID+"/save", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	win, err := chats.Window(v.ID)
	require.NoError(t, err)
	_, err = win.Send(ctx, "why <two> tides?")
	require.NoError(t, err)
	waitIdle(t, win)

	w = do(t, r, "POST", "/api/page-chats/"+v.ID+"/save", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var card cards.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))

	saved, err := store.Get(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, cards.CardTypeNote, saved.CardType)
	assert.Equal(t, "Chat: Tides", saved.Metadata.Title)
	assert.Equal(t, "example.com", saved.Metadata.Domain)
	assert.Equal(t, []string{"chat", "conversation"}, saved.Tags)
	assert.Contains(t, saved.Content, "<strong>You:</strong><p>why &lt;two&gt; tides?</p>")
	assert.Contains(t, saved.Content, "<strong>Assistant:</strong><p>re: why &lt;two&gt; tides?</p>")
}

func TestPageChatRoutes(t *testing.T) {
	_, _, r := setupPageChats(t, &fakeGateway{})

	w := do(t, r, "POST", "/api/page-chats/", `{"url":"not a url","title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, "GET", "/api/page-chats/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, "POST", "/api/page-chats/", `{"url":"https://example.com","title":"Home"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var v PageChatView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))

	w = do(t, r, "POST", "/api/page-chats/"+v.ID+"/collapse", `{"collapsed":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Collapsed)

	w = do(t, r, "POST", "/api/page-chats/"+v.ID+"/close", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, "GET", "/api/page-chats/"+v.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, "POST", "/api/page-chats/"+v.ID+"/close", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
