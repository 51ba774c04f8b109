// Package windows owns the floating card windows open on the canvas:
// their placement, stacking order and saved chat state.
package windows

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/coalesce"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Placement defaults for new windows.
const (
	DefaultWidth  = 500
	DefaultHeight = 600
	BaseZIndex    = 1000
	cascadeOrigin = 100
	cascadeStep   = 30
)

// DefaultSaveDelay is how long the window set must be quiet before it is
// saved.
const DefaultSaveDelay = 500 * time.Millisecond

// ErrNotFound is returned for an unknown window id.
var ErrNotFound = errors.New("window not found")

// Position is a window's top-left corner.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a window's width and height.
type Size struct {
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
}

// State is one floating window.
type State struct {
	ID                   string              `json:"id"`
	CardID               string              `json:"cardId"`
	Position             Position            `json:"position"`
	Size                 Size                `json:"size"`
	IsMinimized          bool                `json:"isMinimized"`
	ZIndex               int                 `json:"zIndex"`
	ChatInput            string              `json:"chatInput"`
	ConversationMessages []cards.ChatMessage `json:"conversationMessages"`
	ScrollPosition       float64             `json:"scrollPosition"`
	IsStreaming          bool                `json:"isStreaming"`
	FormData             map[string]string   `json:"formData,omitempty"`
	CreatedAt            int64               `json:"createdAt"`
	LastInteractedAt     int64               `json:"lastInteractedAt"`
}

func (s State) clone() State {
	s.ConversationMessages = append([]cards.ChatMessage{}, s.ConversationMessages...)
	if s.FormData != nil {
		fd := make(map[string]string, len(s.FormData))
		for k, v := range s.FormData {
			fd[k] = v
		}
		s.FormData = fd
	}
	return s
}

// Patch is a partial window update. Nil fields are left alone.
type Patch struct {
	Position             *Position           `json:"position,omitempty"`
	Size                 *Size               `json:"size,omitempty"`
	ChatInput            *string             `json:"chatInput,omitempty" validate:"omitempty,max=20000"`
	ConversationMessages []cards.ChatMessage `json:"conversationMessages,omitempty"`
	ScrollPosition       *float64            `json:"scrollPosition,omitempty" validate:"omitempty,min=0"`
	IsStreaming          *bool               `json:"isStreaming,omitempty"`
	FormData             map[string]string   `json:"formData,omitempty"`
}

// KV is the slice of storage the manager needs.
type KV interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// CardReader looks up the card a window shows.
type CardReader interface {
	Get(ctx context.Context, id string) (*cards.Card, error)
}

// Publisher receives change notifications.
type Publisher interface {
	Publish(events.Event)
}

// Manager is the explicit owner of the open windows. Views subscribe to it
// instead of sharing a global.
type Manager struct {
	kv     KV
	cards  CardReader
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
	hook   func(size int, err error)
	queue  *coalesce.Queue[string, struct{}]

	mu        sync.Mutex
	windows   map[string]*State
	maxZ      int
	observers map[int]func([]State)
	nextObs   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPublisher announces window changes on p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFlushHook observes every save.
func WithFlushHook(fn func(size int, err error)) Option {
	return func(m *Manager) { m.hook = fn }
}

// NewManager creates a Manager that saves after delay of quiet.
func NewManager(kv KV, cr CardReader, delay time.Duration, opts ...Option) *Manager {
	m := &Manager{
		kv:        kv,
		cards:     cr,
		logger:    zap.NewNop(),
		now:       time.Now,
		windows:   make(map[string]*State),
		maxZ:      BaseZIndex,
		observers: make(map[int]func([]State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	qopts := []coalesce.Option[string, struct{}]{coalesce.WithLogger[string, struct{}](m.logger)}
	if m.hook != nil {
		qopts = append(qopts, coalesce.WithFlushHook[string, struct{}](m.hook))
	}
	m.queue = coalesce.New[string, struct{}](delay, m.flush, qopts...)
	return m
}

func (m *Manager) flush(ctx context.Context, _ map[string]struct{}) error {
	all := m.List()
	if err := m.kv.Set(ctx, storage.KeyWindows, all); err != nil {
		return fmt.Errorf("saving windows: %w", err)
	}
	m.logger.Debug("windows saved", zap.Int("count", len(all)))
	return nil
}

// Load replaces the open windows with the saved set.
func (m *Manager) Load(ctx context.Context) error {
	var saved []State
	if _, err := m.kv.Get(ctx, storage.KeyWindows, &saved); err != nil {
		return fmt.Errorf("loading windows: %w", err)
	}
	m.mu.Lock()
	m.windows = make(map[string]*State, len(saved))
	for i := range saved {
		s := saved[i]
		m.windows[s.ID] = &s
		m.maxZ = max(m.maxZ, s.ZIndex)
	}
	m.mu.Unlock()
	m.changed(false)
	return nil
}

func newWindowID(now time.Time) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 7)
	for i := range b {
		b[i] = digits[rand.IntN(len(digits))]
	}
	return fmt.Sprintf("window-%d-%s", now.UnixMilli(), b)
}

// Open shows a card in a new window, cascaded from the ones already open.
// A card that already has a window is brought to the front instead.
func (m *Manager) Open(ctx context.Context, cardID string) (State, error) {
	card, err := m.cards.Get(ctx, cardID)
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	for _, w := range m.windows {
		if w.CardID == cardID {
			m.raiseLocked(w)
			out := w.clone()
			m.mu.Unlock()
			m.changed(false)
			return out, nil
		}
	}
	now := m.now()
	offset := float64(len(m.windows) * cascadeStep)
	m.maxZ++
	w := &State{
		ID:                   newWindowID(now),
		CardID:               cardID,
		Position:             Position{X: cascadeOrigin + offset, Y: cascadeOrigin + offset},
		Size:                 Size{Width: DefaultWidth, Height: DefaultHeight},
		ZIndex:               m.maxZ,
		ConversationMessages: append([]cards.ChatMessage{}, card.Conversation...),
		FormData:             map[string]string{},
		CreatedAt:            now.UnixMilli(),
		LastInteractedAt:     now.UnixMilli(),
	}
	m.windows[w.ID] = w
	out := w.clone()
	m.mu.Unlock()

	m.changed(true)
	return out, nil
}

func (m *Manager) raiseLocked(w *State) bool {
	if w.ZIndex < m.maxZ {
		m.maxZ++
		w.ZIndex = m.maxZ
		return true
	}
	return false
}

func (m *Manager) edit(id string, save bool, fn func(*State) bool) (State, error) {
	m.mu.Lock()
	w, ok := m.windows[id]
	if !ok {
		m.mu.Unlock()
		return State{}, fmt.Errorf("window %s: %w", id, ErrNotFound)
	}
	changed := fn(w)
	out := w.clone()
	m.mu.Unlock()
	if changed {
		m.changed(save)
	}
	return out, nil
}

// Focus brings a window to the front. A window already on top is left
// alone.
func (m *Manager) Focus(id string) (State, error) {
	return m.edit(id, false, func(w *State) bool {
		return m.raiseLocked(w)
	})
}

// Minimize collapses a window to its title bar.
func (m *Manager) Minimize(id string) (State, error) {
	return m.setMinimized(id, true)
}

// Maximize expands a minimized window.
func (m *Manager) Maximize(id string) (State, error) {
	return m.setMinimized(id, false)
}

// ToggleMinimized flips a window between minimized and expanded.
func (m *Manager) ToggleMinimized(id string) (State, error) {
	return m.edit(id, true, func(w *State) bool {
		w.IsMinimized = !w.IsMinimized
		w.LastInteractedAt = m.now().UnixMilli()
		return true
	})
}

func (m *Manager) setMinimized(id string, on bool) (State, error) {
	return m.edit(id, true, func(w *State) bool {
		w.IsMinimized = on
		w.LastInteractedAt = m.now().UnixMilli()
		return true
	})
}

// Update applies p to a window.
func (m *Manager) Update(id string, p Patch) (State, error) {
	return m.edit(id, true, func(w *State) bool {
		if p.Position != nil {
			w.Position = *p.Position
		}
		if p.Size != nil {
			w.Size = *p.Size
		}
		if p.ChatInput != nil {
			w.ChatInput = *p.ChatInput
		}
		if p.ConversationMessages != nil {
			w.ConversationMessages = append([]cards.ChatMessage{}, p.ConversationMessages...)
		}
		if p.ScrollPosition != nil {
			w.ScrollPosition = *p.ScrollPosition
		}
		if p.IsStreaming != nil {
			w.IsStreaming = *p.IsStreaming
		}
		if p.FormData != nil {
			if w.FormData == nil {
				w.FormData = make(map[string]string, len(p.FormData))
			}
			for k, v := range p.FormData {
				w.FormData[k] = v
			}
		}
		w.LastInteractedAt = m.now().UnixMilli()
		return true
	})
}

// Close removes a window.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	_, ok := m.windows[id]
	delete(m.windows, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("window %s: %w", id, ErrNotFound)
	}
	m.changed(true)
	return nil
}

// CloseForCard removes the windows showing a card, as when it is deleted.
func (m *Manager) CloseForCard(cardID string) int {
	m.mu.Lock()
	n := 0
	for id, w := range m.windows {
		if w.CardID == cardID {
			delete(m.windows, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.changed(true)
	}
	return n
}

// CloseAllMinimized removes every minimized window and returns how many
// there were.
func (m *Manager) CloseAllMinimized() int {
	m.mu.Lock()
	n := 0
	for id, w := range m.windows {
		if w.IsMinimized {
			delete(m.windows, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.changed(true)
	}
	return n
}

// Get returns one window.
func (m *Manager) Get(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return State{}, fmt.Errorf("window %s: %w", id, ErrNotFound)
	}
	return w.clone(), nil
}

// List returns every window, lowest z-index first.
func (m *Manager) List() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []State {
	out := make([]State, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// HasWindowForCard reports whether a card is open in a window.
func (m *Manager) HasWindowForCard(cardID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.CardID == cardID {
			return true
		}
	}
	return false
}

// Subscribe registers fn for every change to the window set. fn must not
// call back into the manager synchronously.
func (m *Manager) Subscribe(fn func([]State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// changed notifies observers and, when save is set, schedules a save.
func (m *Manager) changed(save bool) {
	m.mu.Lock()
	all := m.listLocked()
	fns := make([]func([]State), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(all)
	}
	if m.pub != nil {
		m.pub.Publish(events.Event{Type: events.WindowsUpdated})
	}
	if save {
		m.queue.Put(storage.KeyWindows, struct{}{})
	}
}

// Flush saves pending changes now.
func (m *Manager) Flush(ctx context.Context) error {
	return m.queue.Flush(ctx)
}

// Shutdown saves pending changes and stops saving.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.queue.Close(ctx)
}

// Notify implements events.Observer: windows of deleted cards close.
// Deletions announced by other views only count once the card is gone
// from the store; local deletions arrive while the store is locked and are
// trusted as is.
func (m *Manager) Notify(e events.Event) {
	if e.Type != events.CardDeleted || e.CardID == "" {
		return
	}
	if e.Source != "" && m.cards != nil {
		_, err := m.cards.Get(context.Background(), e.CardID)
		if !errors.Is(err, cards.ErrNotFound) {
			m.logger.Debug("windows: ignoring delete of stored card",
				zap.String("card", e.CardID), zap.String("source", e.Source))
			return
		}
	}
	m.CloseForCard(e.CardID)
}
