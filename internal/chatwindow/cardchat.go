package chatwindow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/coalesce"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// CardChatOrigin tags card writes made by card chats.
const CardChatOrigin = "card-chat"

// CardChats runs the inline chat attached to a card. The transcript is the
// card's conversation and is written back to the card after each change.
type CardChats struct {
	cards  *cards.Store
	gw     Gateway
	logger *zap.Logger
	queue  *coalesce.Queue[string, []cards.ChatMessage]

	mu   sync.Mutex
	open map[string]*cardChat
}

type cardChat struct {
	window *Window
	unsub  func()
}

// NewCardChats creates CardChats saving after delay of quiet.
func NewCardChats(store *cards.Store, gw Gateway, delay time.Duration, logger *zap.Logger) *CardChats {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CardChats{cards: store, gw: gw, logger: logger, open: make(map[string]*cardChat)}
	c.queue = coalesce.New[string, []cards.ChatMessage](delay, c.flush,
		coalesce.WithLogger[string, []cards.ChatMessage](logger))
	return c
}

func (c *CardChats) flush(ctx context.Context, batch map[string][]cards.ChatMessage) error {
	fns := make(map[string]func(*cards.Card), len(batch))
	for id, msgs := range batch {
		fns[id] = func(card *cards.Card) { card.Conversation = msgs }
	}
	_, err := c.cards.UpdateMany(cards.WithOrigin(ctx, CardChatOrigin), fns)
	return err
}

// Open returns the chat window for a card, creating it from the card's
// saved conversation.
func (c *CardChats) Open(ctx context.Context, cardID string) (*Window, error) {
	c.mu.Lock()
	if cc, ok := c.open[cardID]; ok {
		c.mu.Unlock()
		return cc.window, nil
	}
	c.mu.Unlock()

	card, err := c.cards.Get(ctx, cardID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.open[cardID]; ok {
		return cc.window, nil
	}
	w := NewWindow(cardID, c.gw,
		WithHistory(card.Conversation),
		WithSystemPrompt(prompts.CardChatSystemPrompt(card)),
		WithWindowLogger(c.logger),
	)
	unsub := w.Subscribe(func(s Snapshot) {
		if s.Partial == "" {
			c.queue.Put(cardID, s.Messages)
		}
	})
	c.open[cardID] = &cardChat{window: w, unsub: unsub}
	return w, nil
}

// Window returns an open card chat.
func (c *CardChats) Window(cardID string) (*Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.open[cardID]
	if !ok {
		return nil, ErrNotOpen
	}
	return cc.window, nil
}

// Close stops a card chat and writes its transcript.
func (c *CardChats) Close(ctx context.Context, cardID string) error {
	c.mu.Lock()
	cc, ok := c.open[cardID]
	delete(c.open, cardID)
	c.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	werr := cc.window.Close(ctx)
	cc.unsub()
	c.queue.Put(cardID, cc.window.Snapshot().Messages)
	return errors.Join(werr, c.queue.Flush(ctx))
}

// Flush writes pending transcripts now.
func (c *CardChats) Flush(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// Shutdown closes every card chat and flushes.
func (c *CardChats) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	open := c.open
	c.open = make(map[string]*cardChat)
	c.mu.Unlock()

	var errs []error
	for id, cc := range open {
		if err := cc.window.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cc.unsub()
		c.queue.Put(id, cc.window.Snapshot().Messages)
	}
	errs = append(errs, c.queue.Close(ctx))
	return errors.Join(errs...)
}
