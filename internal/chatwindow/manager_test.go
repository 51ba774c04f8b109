package chatwindow

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

	"github.com/ziadkadry99/nabokov/internal/events"
)

const page = "https://example.com/article"

func openReq(chatID string) OpenRequest {
	return OpenRequest{
		PageURL:   page,
		PageTitle: "Article",
		Descriptor: Descriptor{
			ChatID:      chatID,
			TagName:     "p",
			ID:          "intro",
			CSSSelector: "#intro",
			TextPreview: "Hello world",
			Rect:        Rect{Top: 100, Left: 40, Width: 200, Height: 30},
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func setupManager(t *testing.T, gw Gateway) (*Manager, *SessionStore, *recorder) {
	t.Helper()
	store := NewSessionStore(setupKV(t))
	rec := &recorder{}
	m := NewManager(store, gw, WithSaveDelay(time.Hour), WithPublisher(rec))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, store, rec
}

func TestManagerOpenPlacesBesideElement(t *testing.T) {
	m, _, _ := setupManager(t, &fakeGateway{})
	v, err := m.Open(context.Background(), openReq("el-1"))
	require.NoError(t, err)

	assert.Equal(t, "el-1", v.Session.ElementID)
	assert.Equal(t, Point{X: 256, Y: 100}, v.Placement.Position)
	assert.Equal(t, Size{Width: DefaultWidth, Height: DefaultHeight}, v.Session.Window.Size)
	assert.Equal(t, []string{v.Session.ChatID}, m.OpenIDs())

	again, err := m.Open(context.Background(), openReq("el-1"))
	require.NoError(t, err)
	assert.Equal(t, v.Session.ChatID, again.Session.ChatID)
}

func TestManagerPersistsConversation(t *testing.T) {
	gw := &fakeGateway{}
	m, store, rec := setupManager(t, gw)
	ctx := context.Background()

	v, err := m.Open(ctx, openReq("el-1"))
	require.NoError(t, err)
	id := v.Session.ChatID

	_, err = m.Send(ctx, id, "what is this?")
	require.NoError(t, err)
	w, err := m.Window(id)
	require.NoError(t, err)
	waitIdle(t, w)
	gw.mu.Lock()
	assert.Contains(t, gw.system, "Hello world")
	gw.mu.Unlock()
	require.NoError(t, m.Flush(ctx))

	saved, err := store.Load(ctx, page, "el-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, id, saved.ChatID)
	assert.Equal(t, []string{"user:what is this?", "assistant:re: what is this?"}, contents(saved.Messages))
	assert.Positive(t, rec.count())

	// Closing and reopening resumes the same chat.
	require.NoError(t, m.Close(ctx, id))
	assert.Empty(t, m.OpenIDs())
	v, err = m.Open(ctx, openReq("el-1"))
	require.NoError(t, err)
	assert.Equal(t, id, v.Session.ChatID)
	assert.Len(t, v.Window.Messages, 2)
}

func TestManagerGeometry(t *testing.T) {
	m, store, _ := setupManager(t, &fakeGateway{})
	ctx := context.Background()
	v, err := m.Open(ctx, openReq("el-1"))
	require.NoError(t, err)
	id := v.Session.ChatID

	p, err := m.Tick(id, Layout{{ChatID: "el-1", Rect: Rect{Top: 20, Left: 40}}})
	require.NoError(t, err)
	assert.Equal(t, Point{X: 256, Y: 20}, p.Position)

	_, err = m.BeginDrag(id)
	require.NoError(t, err)
	p, err = m.EndDrag(id, Point{X: 500, Y: 60})
	require.NoError(t, err)
	assert.Equal(t, Point{X: 460, Y: 40}, p.Offset)
	require.NoError(t, m.Resize(id, Size{Width: 300, Height: 200}))

	p, err = m.Tick(id, Layout{})
	require.NoError(t, err)
	assert.True(t, p.AnchorMissing)

	require.NoError(t, m.Flush(ctx))
	saved, err := store.Load(ctx, page, "el-1")
	require.NoError(t, err)
	assert.Equal(t, Point{X: 500, Y: 60}, saved.Window.Position)
	assert.Equal(t, Point{X: 460, Y: 40}, *saved.Window.AnchorOffset)
	assert.Equal(t, Size{Width: 300, Height: 200}, saved.Window.Size)

	_, err = m.Tick("nope", Layout{})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestManagerDelete(t *testing.T) {
	m, store, _ := setupManager(t, &fakeGateway{})
	ctx := context.Background()
	_, err := m.Open(ctx, openReq("el-1"))
	require.NoError(t, err)

	ok, err := m.Delete(ctx, page, "el-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, m.OpenIDs())

	saved, err := store.Load(ctx, page, "el-1")
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func newRouter(m *Manager) chi.Router {
	r := chi.NewRouter()
	RegisterRoutes(r, m, 30*24*time.Hour)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
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
	m, _, _ := setupManager(t, &fakeGateway{})
	r := newRouter(m)

	body, err := json.Marshal(openReq("el-1"))
	require.NoError(t, err)
	w := do(t, r, "POST", "/api/chats/", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var v View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	id := v.Session.ChatID

	w = do(t, r, "POST", "/api/chats/"+id+"/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	win, err := m.Window(id)
	require.NoError(t, err)
	waitIdle(t, win)

	w = do(t, r, "GET", "/api/chats/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Len(t, v.Window.Messages, 2)

	w = do(t, r, "POST", "/api/chats/"+id+"/collapse", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Collapsed)

	w = do(t, r, "GET", "/api/chats/?page="+page, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Window.Collapsed)

	w = do(t, r, "POST", "/api/chats/"+id+"/reposition", `{"elements":[],"position":{"x":1,"y":2}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var p Placement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.AnchorMissing)

	w = do(t, r, "POST", "/api/chats/"+id+"/close", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, "GET", "/api/chats/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutesValidation(t *testing.T) {
	m, _, _ := setupManager(t, &fakeGateway{})
	r := newRouter(m)

	w := do(t, r, "POST", "/api/chats/", `{"pageUrl":"not a url","elementDescriptor":{"chatId":"c","tagName":"p"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, "POST", "/api/chats/", `{"pageUrl":"https://example.com","elementDescriptor":{"tagName":"p"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, "GET", "/api/chats/", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ := json.Marshal(openReq("el-1"))
	w = do(t, r, "POST", "/api/chats/", string(body))
	require.Equal(t, http.StatusCreated, w.Code)
	var v View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))

	w = do(t, r, "POST", "/api/chats/"+v.Session.ChatID+"/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, "POST", "/api/chats/clean", `{"olderThanDays":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":0}`, w.Body.String())
}
