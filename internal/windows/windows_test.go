package windows

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

type writeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *writeCounter) StorageChanged(_ storage.Area, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if k == storage.KeyWindows {
			c.n++
		}
	}
}

func (c *writeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fixture struct {
	kv     *storage.Store
	cards  *cards.Store
	m      *Manager
	writes *writeCounter
	ids    []string
}

func setup(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{writes: &writeCounter{}}
	f.kv = storage.NewStore(database, storage.AreaLocal, storage.WithNotifier(f.writes))
	f.cards = cards.NewStore(f.kv, nil)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		c, err := f.cards.Save(ctx, cards.Card{
			Content:      "<p>" + title + "</p>",
			Metadata:     cards.CardMetadata{Title: title},
			Conversation: []cards.ChatMessage{{ID: "m-" + title, Role: "user", Content: "hi " + title}},
		})
		require.NoError(t, err)
		f.ids = append(f.ids, c.ID)
	}
	f.m = NewManager(f.kv, f.cards, delay)
	return f
}

func TestOpenCascades(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()

	var opened []State
	for _, id := range f.ids {
		s, err := f.m.Open(ctx, id)
		require.NoError(t, err)
		opened = append(opened, s)
	}

	for i, s := range opened {
		off := float64(100 + 30*i)
		assert.Equal(t, Position{X: off, Y: off}, s.Position)
		assert.Equal(t, BaseZIndex+1+i, s.ZIndex)
		assert.Equal(t, Size{Width: DefaultWidth, Height: DefaultHeight}, s.Size)
		assert.Regexp(t, `^window-\d+-[0-9a-z]{7}$`, s.ID)
	}
	assert.Equal(t, "hi one", opened[0].ConversationMessages[0].Content)

	// Reopening a card focuses its window rather than adding one.
	again, err := f.m.Open(ctx, f.ids[0])
	require.NoError(t, err)
	assert.Equal(t, opened[0].ID, again.ID)
	assert.Equal(t, BaseZIndex+4, again.ZIndex)
	assert.Len(t, f.m.List(), 3)

	_, err = f.m.Open(ctx, "missing")
	assert.ErrorIs(t, err, cards.ErrNotFound)
}

func TestFocus(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	a, _ := f.m.Open(ctx, f.ids[0])
	b, _ := f.m.Open(ctx, f.ids[1])

	top, err := f.m.Focus(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ZIndex, top.ZIndex, "already on top")

	raised, err := f.m.Focus(a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ZIndex+1, raised.ZIndex)

	list := f.m.List()
	assert.Equal(t, []string{b.ID, a.ID}, []string{list[0].ID, list[1].ID})

	_, err = f.m.Focus("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMinimizeAndCloseAllMinimized(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	a, _ := f.m.Open(ctx, f.ids[0])
	b, _ := f.m.Open(ctx, f.ids[1])

	s, err := f.m.Minimize(a.ID)
	require.NoError(t, err)
	assert.True(t, s.IsMinimized)
	s, err = f.m.ToggleMinimized(b.ID)
	require.NoError(t, err)
	assert.True(t, s.IsMinimized)
	s, err = f.m.Maximize(b.ID)
	require.NoError(t, err)
	assert.False(t, s.IsMinimized)

	assert.Equal(t, 1, f.m.CloseAllMinimized())
	list := f.m.List()
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, 0, f.m.CloseAllMinimized())
}

func TestUpdate(t *testing.T) {
	f := setup(t, time.Hour)
	a, err := f.m.Open(context.Background(), f.ids[0])
	require.NoError(t, err)

	input := "draft"
	scroll := 120.0
	s, err := f.m.Update(a.ID, Patch{
		Position:       &Position{X: 5, Y: 6},
		ChatInput:      &input,
		ScrollPosition: &scroll,
		FormData:       map[string]string{"q": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 5, Y: 6}, s.Position)
	assert.Equal(t, "draft", s.ChatInput)
	assert.Equal(t, 120.0, s.ScrollPosition)
	assert.Equal(t, "x", s.FormData["q"])
	assert.Equal(t, Size{Width: DefaultWidth, Height: DefaultHeight}, s.Size)
}

func TestSavesCoalesceAndLoad(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	ctx := context.Background()
	a, err := f.m.Open(ctx, f.ids[0])
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := f.m.Update(a.ID, Patch{Position: &Position{X: float64(i), Y: float64(i)}})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return f.writes.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.writes.count())

	reloaded := NewManager(f.kv, f.cards, time.Hour)
	require.NoError(t, reloaded.Load(ctx))
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, Position{X: 9, Y: 9}, list[0].Position)

	// New windows stack above the loaded ones.
	b, err := reloaded.Open(ctx, f.ids[1])
	require.NoError(t, err)
	assert.Greater(t, b.ZIndex, list[0].ZIndex)
	assert.Equal(t, Position{X: 130, Y: 130}, b.Position)
}

func TestObserversAndCardDeletion(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	bus := events.NewBus()
	bus.Subscribe(f.m)

	var mu sync.Mutex
	var seen []int
	unsub := f.m.Subscribe(func(all []State) {
		mu.Lock()
		seen = append(seen, len(all))
		mu.Unlock()
	})
	defer unsub()

	_, err := f.m.Open(ctx, f.ids[0])
	require.NoError(t, err)
	assert.True(t, f.m.HasWindowForCard(f.ids[0]))

	bus.Publish(events.Event{Type: events.CardDeleted, CardID: f.ids[0]})
	assert.False(t, f.m.HasWindowForCard(f.ids[0]))

	mu.Lock()
	assert.Equal(t, []int{1, 0}, seen)
	mu.Unlock()
}

func TestRemoteDeleteNeedsCardGone(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	bus := events.NewBus()
	bus.Subscribe(f.m)

	_, err := f.m.Open(ctx, f.ids[1])
	require.NoError(t, err)

	bus.Publish(events.Event{Type: events.CardDeleted, CardID: f.ids[1], Source: events.SourceRemote})
	assert.True(t, f.m.HasWindowForCard(f.ids[1]), "card is still stored")

	require.NoError(t, f.cards.Delete(ctx, f.ids[1]))
	bus.Publish(events.Event{Type: events.CardDeleted, CardID: f.ids[1], Source: events.SourceRemote})
	assert.False(t, f.m.HasWindowForCard(f.ids[1]))
}

func TestShutdownFlushes(t *testing.T) {
	f := setup(t, time.Hour)
	_, err := f.m.Open(context.Background(), f.ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, f.writes.count())

	require.NoError(t, f.m.Shutdown(context.Background()))
	assert.Equal(t, 1, f.writes.count())
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	f := setup(t, time.Hour)
	r := chi.NewRouter()
	RegisterRoutes(r, f.m)

	w := do(r, "POST", "/api/windows/", `{"cardId":"`+f.ids[0]+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var s State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))

	w = do(r, "PATCH", "/api/windows/"+s.ID, `{"size":{"width":300,"height":200}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, Size{Width: 300, Height: 200}, s.Size)

	w = do(r, "PATCH", "/api/windows/"+s.ID, `{"size":{"width":0,"height":200}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/api/windows/"+s.ID+"/minimize", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/api/windows/", "")
	var list []State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].IsMinimized)

	w = do(r, "DELETE", "/api/windows/minimized", "")
	assert.JSONEq(t, `{"closed":1}`, w.Body.String())

	w = do(r, "GET", "/api/windows/"+s.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, "POST", "/api/windows/", `{"cardId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, "POST", "/api/windows/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
