package chatwindow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Default window geometry for a new element chat.
const (
	DefaultWidth  = 400
	DefaultHeight = 500
)

// WindowState is the saved geometry and preferences of an element chat.
type WindowState struct {
	Position               Point  `json:"position"`
	Size                   Size   `json:"size"`
	Collapsed              bool   `json:"collapsed"`
	AnchorOffset           *Point `json:"anchorOffset,omitempty"`
	QueueExpanded          bool   `json:"queueExpanded,omitempty"`
	ClearPreviousAssistant bool   `json:"clearPreviousAssistant,omitempty"`
	ActiveAnchorChatID     string `json:"activeAnchorChatId,omitempty"`
}

// Size is a window's width and height.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Session is the persisted chat attached to one page element.
type Session struct {
	ChatID     string     `json:"chatId"`
	ElementID  string     `json:"elementId"`
	PageURL    string     `json:"pageUrl"`
	Descriptor Descriptor `json:"elementDescriptor"`
	// Extra anchors when one chat is attached to several elements.
	Descriptors []Descriptor        `json:"elementDescriptors,omitempty"`
	ElementIDs  []string            `json:"elementIds,omitempty"`
	Messages    []cards.ChatMessage `json:"messages"`
	Window      *WindowState        `json:"windowState,omitempty"`
	CreatedAt   int64               `json:"createdAt"`
	LastActive  int64               `json:"lastActive"`
}

// pageRecord is the stored value for one page: element id to session.
type pageRecord struct {
	PageURL     string              `json:"pageUrl"`
	Sessions    map[string]*Session `json:"sessions"`
	LastUpdated int64               `json:"lastUpdated"`
}

// KV is the slice of storage the session store needs.
type KV interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StorageKey returns the record key for a page. The hash matches the one
// the browser side computes, so both agree on where a page's chats live.
func StorageKey(pageURL string) string {
	var h int32
	for _, u := range utf16.Encode([]rune(pageURL)) {
		h = (h << 5) - h + int32(u)
	}
	n := int64(h)
	if n < 0 {
		n = -n
	}
	return storage.ElementChatsKeyPrefix + strconv.FormatInt(n, 36)
}

// NewChatID returns an id of the form chat-<unix ms>-<7 base36 chars>.
func NewChatID(now time.Time) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 7)
	for i := range b {
		b[i] = digits[rand.IntN(len(digits))]
	}
	return fmt.Sprintf("chat-%d-%s", now.UnixMilli(), b)
}

// SessionStore persists element chat sessions, one record per page.
type SessionStore struct {
	kv  KV
	now func() time.Time

	// mu serializes read-modify-write of page records.
	mu sync.Mutex
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithSessionClock overrides the clock used for timestamps and ids.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(kv KV, opts ...SessionOption) *SessionStore {
	s := &SessionStore{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSession builds an unsaved session for an element.
func (s *SessionStore) NewSession(pageURL string, d Descriptor) *Session {
	now := s.now()
	return &Session{
		ChatID:     NewChatID(now),
		ElementID:  d.ChatID,
		PageURL:    pageURL,
		Descriptor: d,
		Messages:   []cards.ChatMessage{},
		CreatedAt:  now.UnixMilli(),
		LastActive: now.UnixMilli(),
	}
}

func (s *SessionStore) load(ctx context.Context, key, pageURL string) (*pageRecord, error) {
	rec := &pageRecord{}
	ok, err := s.kv.Get(ctx, key, rec)
	if err != nil {
		return nil, fmt.Errorf("loading chats for %s: %w", pageURL, err)
	}
	if !ok {
		rec.PageURL = pageURL
	}
	if rec.Sessions == nil {
		rec.Sessions = make(map[string]*Session)
	}
	return rec, nil
}

func (s *SessionStore) save(ctx context.Context, key string, rec *pageRecord) error {
	rec.LastUpdated = s.now().UnixMilli()
	if err := s.kv.Set(ctx, key, rec); err != nil {
		return fmt.Errorf("saving chats for %s: %w", rec.PageURL, err)
	}
	return nil
}

// Load returns the session for an element, or nil when there is none.
func (s *SessionStore) Load(ctx context.Context, pageURL, elementID string) (*Session, error) {
	rec, err := s.load(ctx, StorageKey(pageURL), pageURL)
	if err != nil {
		return nil, err
	}
	return rec.Sessions[elementID], nil
}

// List returns a page's sessions, most recently active first.
func (s *SessionStore) List(ctx context.Context, pageURL string) ([]Session, error) {
	rec, err := s.load(ctx, StorageKey(pageURL), pageURL)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(rec.Sessions))
	for _, sess := range rec.Sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive > out[j].LastActive })
	return out, nil
}

// Save writes sessions, grouped by page, and stamps their LastActive.
func (s *SessionStore) Save(ctx context.Context, sessions ...*Session) error {
	byPage := make(map[string][]*Session)
	for _, sess := range sessions {
		byPage[sess.PageURL] = append(byPage[sess.PageURL], sess)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UnixMilli()
	for page, group := range byPage {
		key := StorageKey(page)
		rec, err := s.load(ctx, key, page)
		if err != nil {
			return err
		}
		for _, sess := range group {
			sess.LastActive = now
			rec.Sessions[sess.ElementID] = sess
		}
		if err := s.save(ctx, key, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an element's session. It reports whether one existed.
func (s *SessionStore) Delete(ctx context.Context, pageURL, elementID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := StorageKey(pageURL)
	rec, err := s.load(ctx, key, pageURL)
	if err != nil {
		return false, err
	}
	if _, ok := rec.Sessions[elementID]; !ok {
		return false, nil
	}
	delete(rec.Sessions, elementID)
	if len(rec.Sessions) == 0 {
		return true, s.kv.Remove(ctx, key)
	}
	return true, s.save(ctx, key, rec)
}

// ClearOld deletes sessions idle for longer than olderThan across every
// page and returns how many were removed. Pages left empty are removed.
func (s *SessionStore) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(ctx, storage.ElementChatsKeyPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan).UnixMilli()
	removed := 0
	for _, key := range keys {
		rec, err := s.load(ctx, key, "")
		if err != nil {
			return removed, err
		}
		n := 0
		for id, sess := range rec.Sessions {
			if sess.LastActive < cutoff {
				delete(rec.Sessions, id)
				n++
			}
		}
		if n == 0 {
			continue
		}
		removed += n
		if len(rec.Sessions) == 0 {
			err = s.kv.Remove(ctx, key)
		} else {
			err = s.save(ctx, key, rec)
		}
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}
