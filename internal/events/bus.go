// Package events ties otherwise independent views together: an in-process
// bus for local invalidation, a websocket hub for other contexts, and a
// file watcher for other processes sharing the same database.
package events

import (
	"sync"
	"time"

	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Type names an event.
type Type string

const (
	// CardsUpdated is the umbrella invalidation: every card view reloads.
	CardsUpdated Type = "cards-updated"

	CardCreated        Type = "card.created"
	CardUpdated        Type = "card.updated"
	CardStashed        Type = "card.stashed"
	CardRestored       Type = "card.restored"
	CardDeleted        Type = "card.deleted"
	StashUpdated       Type = "stash.updated"
	ConnectionsUpdated Type = "connections.updated"
	WindowsUpdated     Type = "windows.updated"
	ChatsUpdated       Type = "chats.updated"
	StorageChanged     Type = "storage.changed"
)

// Event sources. Local events carry an empty source.
const (
	SourceRemote   = "remote"
	SourceExternal = "external"
)

// Event is one notification on the bus.
type Event struct {
	Type   Type     `json:"type"`
	CardID string   `json:"cardId,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	Source string   `json:"source,omitempty"`
	// Origin identifies the view that made the change, so it can skip
	// reloading its own writes.
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// Invalidates reports whether e should make card views reload.
func (e Event) Invalidates() bool {
	switch e.Type {
	case CardsUpdated, CardCreated, CardUpdated, CardStashed, CardRestored,
		CardDeleted, StashUpdated, ConnectionsUpdated:
		return true
	}
	return false
}

// Observer receives events. Notify must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Bus fans events out to subscribed observers, synchronously and in
// subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Observer
	ids  []int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Observer)}
}

// Subscribe registers o and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = o
	b.ids = append(b.ids, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.ids {
				if v == id {
					b.ids = append(b.ids[:i], b.ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every observer. A zero At is set to now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.ids))
	for _, id := range b.ids {
		observers = append(observers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.Notify(e)
	}
}

// StorageChanged implements storage.ChangeNotifier.
func (b *Bus) StorageChanged(area storage.Area, keys []string) {
	if area != storage.AreaLocal {
		return
	}
	b.Publish(Event{Type: StorageChanged, Keys: keys})
}
