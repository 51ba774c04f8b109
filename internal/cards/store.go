package cards

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Publisher receives change notifications.
type Publisher interface {
	Publish(events.Event)
}

type originKey struct{}

// WithOrigin tags every event caused by writes made with ctx, so the
// originating view can recognize its own changes.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originFrom(ctx context.Context) string {
	o, _ := ctx.Value(originKey{}).(string)
	return o
}

// Store owns the durable card collection and connection list. Each is a
// single record that is fully read and fully rewritten by every mutation.
// Writers in this process are serialized; writers in other processes can
// still overwrite each other.
type Store struct {
	kv              *storage.Store
	pub             Publisher
	now             func() time.Time
	maxCardBytes    int
	maxConversation int

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLimits bounds card content size and conversation length.
func WithLimits(maxCardBytes, maxConversation int) Option {
	return func(s *Store) {
		s.maxCardBytes = maxCardBytes
		s.maxConversation = maxConversation
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a card store over kv. pub may be nil.
func NewStore(kv *storage.Store, pub Publisher, opts ...Option) *Store {
	s := &Store{
		kv:              kv,
		pub:             pub,
		now:             time.Now,
		maxCardBytes:    10 * 1024,
		maxConversation: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

// List returns every card, stashed ones included.
func (s *Store) List(ctx context.Context) ([]Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCards(ctx)
}

// Get returns the card with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards, err := s.loadCards(ctx)
	if err != nil {
		return nil, err
	}
	if i := indexOf(cards, id); i >= 0 {
		c := cards[i]
		return &c, nil
	}
	return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
}

// Save inserts or replaces a card. A missing id is assigned; createdAt is
// kept from the stored card when the caller leaves it zero.
func (s *Store) Save(ctx context.Context, card Card) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return nil, err
	}

	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	i := indexOf(cards, card.ID)

	var prevUpdated int64
	if i >= 0 {
		prevUpdated = cards[i].UpdatedAt
		if card.CreatedAt == 0 {
			card.CreatedAt = cards[i].CreatedAt
		}
	}
	if card.CreatedAt == 0 {
		card.CreatedAt = s.nowMillis()
	}
	if card.CardType == "" {
		card.CardType = CardTypeClipped
	}
	card.UpdatedAt = s.nextUpdatedAt(prevUpdated)
	s.normalize(&card)
	if err := s.validate(&card); err != nil {
		return nil, err
	}

	evType := events.CardCreated
	if i >= 0 {
		cards[i] = card
		evType = events.CardUpdated
	} else {
		cards = append(cards, card)
	}

	if err := s.saveCards(ctx, cards); err != nil {
		return nil, err
	}
	s.publish(ctx, card.ID, evType)
	return &card, nil
}

// Update applies fn to the stored card and saves the result.
func (s *Store) Update(ctx context.Context, id string, fn func(*Card) error) (*Card, error) {
	return s.mutate(ctx, id, fn, events.CardUpdated)
}

// UpdateMany applies each function to its card and saves once. Ids that no
// longer exist are skipped. It returns how many cards were changed.
func (s *Store) UpdateMany(ctx context.Context, fns map[string]func(*Card)) (int, error) {
	if len(fns) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range cards {
		fn, ok := fns[cards[i].ID]
		if !ok {
			continue
		}
		fn(&cards[i])
		cards[i].UpdatedAt = s.nextUpdatedAt(cards[i].UpdatedAt)
		changed++
	}
	if changed == 0 {
		return 0, nil
	}

	if err := s.saveCards(ctx, cards); err != nil {
		return 0, err
	}
	s.publish(ctx, "", events.CardUpdated)
	return changed, nil
}

// Stash hides a card from the canvas without deleting it.
func (s *Store) Stash(ctx context.Context, id string) (*Card, error) {
	return s.mutate(ctx, id, func(c *Card) error {
		c.Stashed = true
		return nil
	}, events.CardStashed, events.StashUpdated)
}

// Restore returns a stashed card to the canvas.
func (s *Store) Restore(ctx context.Context, id string) (*Card, error) {
	return s.mutate(ctx, id, func(c *Card) error {
		c.Stashed = false
		return nil
	}, events.CardRestored, events.StashUpdated)
}

// ToggleStar flips the starred flag.
func (s *Store) ToggleStar(ctx context.Context, id string) (*Card, error) {
	return s.Update(ctx, id, func(c *Card) error {
		c.Starred = !c.Starred
		return nil
	})
}

// Delete removes a card and every connection touching it.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return err
	}
	i := indexOf(cards, id)
	if i < 0 {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	wasStashed := cards[i].Stashed
	cards = append(cards[:i], cards[i+1:]...)
	if err := s.saveCards(ctx, cards); err != nil {
		return err
	}

	types := []events.Type{events.CardDeleted}
	if wasStashed {
		types = append(types, events.StashUpdated)
	}
	// The card is gone even when its connections could not be cleaned up.
	removed, err := s.removeConnectionsLocked(ctx, id)
	if err != nil {
		s.publish(ctx, id, types...)
		return fmt.Errorf("removing connections of deleted card %s: %w", id, err)
	}
	if removed > 0 {
		types = append(types, events.ConnectionsUpdated)
	}
	s.publish(ctx, id, types...)
	return nil
}

// Duplicate copies a card under a new id, offset by 20 on both axes.
func (s *Store) Duplicate(ctx context.Context, id string) (*Card, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	dup := src.Clone()
	dup.ID = ""
	dup.CreatedAt = 0
	dup.Stashed = false
	if dup.Position != nil {
		dup.Position.X += 20
		dup.Position.Y += 20
	}
	return s.Save(ctx, dup)
}

// Stashed returns stashed cards, most recently changed first.
func (s *Store) Stashed(ctx context.Context) ([]Card, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Card
	for _, c := range all {
		if c.Stashed {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Stats summarizes the collection.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := s.loadConnections(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Total:       len(cards),
		Connections: len(conns),
		Domains:     make(map[string]int),
		Tags:        make(map[string]int),
	}
	for _, c := range cards {
		if c.Stashed {
			st.Stashed++
		} else {
			st.Visible++
		}
		if c.Starred {
			st.Starred++
		}
		if c.CardType == CardTypeGenerated {
			st.Generated++
		}
		if c.Metadata.Domain != "" {
			st.Domains[c.Metadata.Domain]++
		}
		for _, t := range c.Tags {
			st.Tags[t]++
		}
	}
	return st, nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*Card) error, types ...events.Type) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return nil, err
	}
	i := indexOf(cards, id)
	if i < 0 {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}

	c := cards[i].Clone()
	if err := fn(&c); err != nil {
		return nil, err
	}
	c.ID = id
	c.UpdatedAt = s.nextUpdatedAt(cards[i].UpdatedAt)
	s.normalize(&c)
	if err := s.validate(&c); err != nil {
		return nil, err
	}
	cards[i] = c

	if err := s.saveCards(ctx, cards); err != nil {
		return nil, err
	}
	s.publish(ctx, id, types...)
	return &c, nil
}

// nextUpdatedAt returns now, or prev+1 when the clock has not advanced.
func (s *Store) nextUpdatedAt(prev int64) int64 {
	now := s.nowMillis()
	if now <= prev {
		return prev + 1
	}
	return now
}

func (s *Store) normalize(c *Card) {
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.CardType != CardTypeImage {
		c.Content = SanitizeHTML(c.Content)
		c.BeautifiedContent = SanitizeHTML(c.BeautifiedContent)
	}
	if s.maxConversation > 0 && len(c.Conversation) > s.maxConversation {
		c.Conversation = append([]ChatMessage(nil), c.Conversation[len(c.Conversation)-s.maxConversation:]...)
	}
}

func (s *Store) validate(c *Card) error {
	if c.CardType != CardTypeImage && s.maxCardBytes > 0 && len(c.Content) > s.maxCardBytes {
		return fmt.Errorf("%w: content of %s is %d bytes, limit %d", ErrInvalidCard, c.ID, len(c.Content), s.maxCardBytes)
	}
	if c.BeautifiedContent != "" && c.OriginalHTML == "" {
		return fmt.Errorf("%w: beautified card %s has no original HTML", ErrInvalidCard, c.ID)
	}
	return nil
}

func (s *Store) loadCards(ctx context.Context) ([]Card, error) {
	raw, ok, err := s.kv.GetRaw(ctx, storage.KeyCards)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Card{}, nil
	}
	cards, version, err := decodeCards(raw)
	if err != nil {
		return nil, err
	}
	if version < SchemaVersion {
		cards = MigrateCards(cards, version, s.nowMillis())
		if err := s.saveCards(ctx, cards); err != nil {
			return nil, fmt.Errorf("persisting migrated cards: %w", err)
		}
	}
	if cards == nil {
		cards = []Card{}
	}
	return cards, nil
}

func (s *Store) saveCards(ctx context.Context, cards []Card) error {
	return s.kv.Set(ctx, storage.KeyCards, cardRecord{Version: SchemaVersion, Cards: cards})
}

func (s *Store) publish(ctx context.Context, cardID string, types ...events.Type) {
	if s.pub == nil {
		return
	}
	origin := originFrom(ctx)
	for _, t := range types {
		s.pub.Publish(events.Event{Type: t, CardID: cardID, Origin: origin})
	}
	s.pub.Publish(events.Event{Type: events.CardsUpdated, CardID: cardID, Origin: origin})
}

func indexOf(cards []Card, id string) int {
	for i := range cards {
		if cards[i].ID == id {
			return i
		}
	}
	return -1
}
