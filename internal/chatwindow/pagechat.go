package chatwindow

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// PageChatOrigin tags cards saved from page chats.
const PageChatOrigin = "page-chat"

// ErrEmptyChat is returned when saving a chat with no messages.
var ErrEmptyChat = errors.New("chat has no messages")

// PageChats runs the floating chats about whole pages, one per page URL.
// Transcripts live only as long as the window unless saved to the canvas.
type PageChats struct {
	cards  *cards.Store
	gw     Gateway
	logger *zap.Logger

	mu    sync.Mutex
	open  map[string]*pageChat
	byURL map[string]string
}

type pageChat struct {
	window *Window
	page   prompts.PageContext
}

// PageChatView is an open page chat.
type PageChatView struct {
	ID     string              `json:"id"`
	Page   prompts.PageContext `json:"page"`
	Window Snapshot            `json:"window"`
}

// NewPageChats creates PageChats. store receives chats saved to the canvas.
func NewPageChats(store *cards.Store, gw Gateway, logger *zap.Logger) *PageChats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageChats{
		cards:  store,
		gw:     gw,
		logger: logger,
		open:   make(map[string]*pageChat),
		byURL:  make(map[string]string),
	}
}

// Open returns the chat for pc.URL, creating it when none is open. An
// already open chat keeps its transcript and takes pc as its new context.
func (p *PageChats) Open(pc prompts.PageContext) *PageChatView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byURL[pc.URL]; ok {
		c := p.open[id]
		c.page = pc
		c.window.SetSystemPrompt(prompts.PageChatSystemPrompt(pc))
		return p.viewLocked(id, c)
	}

	id := NewChatID(time.Now())
	w := NewWindow(id, p.gw,
		WithSystemPrompt(prompts.PageChatSystemPrompt(pc)),
		WithWindowLogger(p.logger),
	)
	c := &pageChat{window: w, page: pc}
	p.open[id] = c
	p.byURL[pc.URL] = id
	p.logger.Debug("page chat opened", zap.String("chat", id), zap.String("page", pc.URL))
	return p.viewLocked(id, c)
}

func (p *PageChats) viewLocked(id string, c *pageChat) *PageChatView {
	return &PageChatView{ID: id, Page: c.page, Window: c.window.Snapshot()}
}

func (p *PageChats) chat(id string) (*pageChat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.open[id]
	if !ok {
		return nil, ErrNotOpen
	}
	return c, nil
}

// View returns an open page chat.
func (p *PageChats) View(id string) (*PageChatView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.open[id]
	if !ok {
		return nil, ErrNotOpen
	}
	return p.viewLocked(id, c), nil
}

// Window returns an open page chat's window.
func (p *PageChats) Window(id string) (*Window, error) {
	c, err := p.chat(id)
	if err != nil {
		return nil, err
	}
	return c.window, nil
}

// SaveToCanvas stores the transcript of an open page chat as a note card.
func (p *PageChats) SaveToCanvas(ctx context.Context, id string) (*cards.Card, error) {
	c, err := p.chat(id)
	if err != nil {
		return nil, err
	}
	msgs := c.window.Snapshot().Messages
	if len(msgs) == 0 {
		return nil, ErrEmptyChat
	}
	p.mu.Lock()
	page := c.page
	p.mu.Unlock()

	var domain string
	if u, err := url.Parse(page.URL); err == nil {
		domain = u.Hostname()
	}
	card, err := p.cards.Save(cards.WithOrigin(ctx, PageChatOrigin), cards.Card{
		Content:  transcriptHTML(page, msgs),
		CardType: cards.CardTypeNote,
		Tags:     []string{"chat", "conversation"},
		Metadata: cards.CardMetadata{
			URL:       page.URL,
			Title:     "Chat: " + page.Title,
			Domain:    domain,
			Timestamp: time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("saving page chat %s: %w", id, err)
	}
	return card, nil
}

func transcriptHTML(page prompts.PageContext, msgs []cards.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<div><h3>Chat with %s</h3>", html.EscapeString(page.Title))
	fmt.Fprintf(&b, "<p><strong>URL:</strong> %s</p>", html.EscapeString(page.URL))
	for _, m := range msgs {
		who := "Assistant"
		if m.Role == string(llm.RoleUser) {
			who = "You"
		}
		fmt.Fprintf(&b, "<div><strong>%s:</strong><p>%s</p></div>", who, html.EscapeString(m.Content))
	}
	b.WriteString("</div>")
	return b.String()
}

// Close stops a page chat and discards its transcript.
func (p *PageChats) Close(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.open[id]
	if ok {
		delete(p.open, id)
		delete(p.byURL, c.page.URL)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	return c.window.Close(ctx)
}

// Shutdown closes every page chat.
func (p *PageChats) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	open := p.open
	p.open = make(map[string]*pageChat)
	p.byURL = make(map[string]string)
	p.mu.Unlock()

	var errs []error
	for _, c := range open {
		errs = append(errs, c.window.Close(ctx))
	}
	return errors.Join(errs...)
}
