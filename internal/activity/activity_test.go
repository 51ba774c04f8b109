package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupDB(t))
}

func TestLogAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	entry := Entry{
		ID:     "a-1",
		At:     at,
		Action: string(events.CardUpdated),
		CardID: "card-1",
		Actor:  ActorExternal,
		Origin: "view-42",
		Keys:   []string{"cards"},
	}
	if err := store.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	got, err := store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.At.Equal(at) {
		t.Errorf("At = %v, want %v", got.At, at)
	}
	if got.Action != "card.updated" || got.CardID != "card-1" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.Actor != ActorExternal || got.Origin != "view-42" {
		t.Errorf("Actor/Origin = %q/%q", got.Actor, got.Origin)
	}
	if len(got.Keys) != 1 || got.Keys[0] != "cards" {
		t.Errorf("Keys = %v, want [cards]", got.Keys)
	}
}

func TestLogGeneratesIDAndTime(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Log(ctx, Entry{Action: "card.created", Actor: ActorLocal}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	entries, err := store.Query(ctx, QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" {
		t.Error("expected generated ID")
	}
	if time.Since(entries[0].At) > time.Minute {
		t.Errorf("expected At near now, got %v", entries[0].At)
	}
}

func TestGetNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func seed(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i, e := range []Entry{
		{Action: "card.created", CardID: "c1", Actor: ActorLocal},
		{Action: "card.updated", CardID: "c1", Actor: ActorExternal},
		{Action: "card.created", CardID: "c2", Actor: ActorAgent, Origin: AgentOrigin},
		{Action: "connections.updated", Actor: ActorLocal},
	} {
		e.At = base.Add(time.Duration(i) * time.Minute)
		if err := store.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	store := setupStore(t)
	seed(t, store)
	since := time.UnixMilli(1_700_000_000_000).Add(90 * time.Second)

	tests := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 4},
		{"by card", QueryFilter{CardID: "c1"}, 2},
		{"by action", QueryFilter{Action: "card.created"}, 2},
		{"by actor", QueryFilter{Actor: ActorAgent}, 1},
		{"since", QueryFilter{Since: &since}, 2},
		{"limit", QueryFilter{Limit: 3}, 3},
		{"offset only", QueryFilter{Offset: 3}, 1},
		{"limit and offset", QueryFilter{Limit: 2, Offset: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQueryNewestFirst(t *testing.T) {
	store := setupStore(t)
	seed(t, store)

	got, err := store.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0].Action != "connections.updated" || got[3].Action != "card.created" {
		t.Errorf("unexpected order: %s ... %s", got[0].Action, got[3].Action)
	}
}

func TestPrune(t *testing.T) {
	store := setupStore(t)
	seed(t, store)
	ctx := context.Background()

	n, err := store.Prune(ctx, time.UnixMilli(1_700_000_000_000).Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, _ := store.Query(ctx, QueryFilter{})
	if len(left) != 2 {
		t.Errorf("expected 2 entries left, got %d", len(left))
	}
}

func TestRecorderFollowsCardStore(t *testing.T) {
	database := setupDB(t)
	store := NewStore(database)
	bus := events.NewBus()
	rec := NewRecorder(store, nil)
	bus.Subscribe(rec)
	rec.Start(context.Background())

	cardStore := cards.NewStore(storage.NewStore(database, storage.AreaLocal), bus)
	ctx := context.Background()

	saved, err := cardStore.Save(ctx, cards.Card{Content: "<p>Lexical scope</p>"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	agentCtx := cards.WithOrigin(ctx, AgentOrigin)
	if _, err := cardStore.Save(agentCtx, cards.Card{Content: "<p>Agent note</p>", CardType: cards.CardTypeNote}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cardStore.Delete(ctx, saved.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	bus.Publish(events.Event{Type: events.CardsUpdated, Source: events.SourceExternal})
	// Announced by a view over the websocket; not a write to this store.
	bus.Publish(events.Event{Type: events.CardDeleted, CardID: saved.ID, Source: events.SourceRemote})
	bus.Publish(events.Event{Type: events.WindowsUpdated})

	rec.Close()
	rec.Notify(events.Event{Type: events.CardCreated, CardID: "after-close"})

	history, err := store.Query(ctx, QueryFilter{CardID: saved.ID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected created+deleted for %s, got %+v", saved.ID, history)
	}
	if history[0].Action != string(events.CardDeleted) {
		t.Errorf("expected newest entry to be the delete, got %s", history[0].Action)
	}

	agent, _ := store.Query(ctx, QueryFilter{Actor: ActorAgent})
	if len(agent) != 1 || agent[0].Action != string(events.CardCreated) {
		t.Errorf("expected one agent creation, got %+v", agent)
	}
	external, _ := store.Query(ctx, QueryFilter{Actor: ActorExternal})
	if len(external) != 1 {
		t.Errorf("expected one external entry, got %d", len(external))
	}
	umbrella, _ := store.Query(ctx, QueryFilter{Action: string(events.CardsUpdated), Actor: ActorLocal})
	if len(umbrella) != 0 {
		t.Errorf("local umbrella invalidations should not be journaled, got %d", len(umbrella))
	}
	late, _ := store.Query(ctx, QueryFilter{CardID: "after-close"})
	if len(late) != 0 {
		t.Error("events after Close should be ignored")
	}
}

func setupRouter(t *testing.T) (chi.Router, *Store) {
	t.Helper()
	store := setupStore(t)
	r := chi.NewRouter()
	RegisterRoutes(r, store)
	return r, store
}

func TestHTTPQuery(t *testing.T) {
	r, store := setupRouter(t)
	seed(t, store)

	req := httptest.NewRequest("GET", "/api/activity/?card=c1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestHTTPQueryRejectsBadParams(t *testing.T) {
	r, _ := setupRouter(t)

	for _, q := range []string{"since=yesterday", "until=2024-13-01", "limit=0", "limit=x", "offset=-1"} {
		req := httptest.NewRequest("GET", "/api/activity/?"+q, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHTTPQueryEmpty(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest("GET", "/api/activity/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("expected empty array, got %q", got)
	}
}

func TestHTTPGet(t *testing.T) {
	r, store := setupRouter(t)
	if err := store.Log(context.Background(), Entry{ID: "e-1", Action: "card.stashed", CardID: "c9", Actor: ActorLocal}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/activity/e-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/activity/nope", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
