package chatwindow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/coalesce"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// DefaultSaveDelay is how long a chat must be quiet before it is saved.
const DefaultSaveDelay = 500 * time.Millisecond

// ErrNotOpen is returned for a chat id with no open window.
var ErrNotOpen = errors.New("chat not open")

// Publisher receives change notifications.
type Publisher interface {
	Publish(events.Event)
}

// OpenRequest opens the chat for one element, resuming a saved session
// when the element already has one.
type OpenRequest struct {
	PageURL    string     `json:"pageUrl" validate:"required,url"`
	PageTitle  string     `json:"pageTitle" validate:"max=500"`
	Descriptor Descriptor `json:"elementDescriptor"`
}

// View is the combined state of one open chat.
type View struct {
	Session   Session   `json:"session"`
	Window    Snapshot  `json:"window"`
	Placement Placement `json:"placement"`
}

type entry struct {
	session *Session
	window  *Window
	tracker *Tracker
	unsub   func()
}

// Manager owns the open element chats of a process. Every change to a
// chat's transcript or geometry is saved through one debounced queue.
type Manager struct {
	store    *SessionStore
	gw       Gateway
	pub      Publisher
	resolver *Resolver
	logger   *zap.Logger
	queue    *coalesce.Queue[string, Session]

	mu   sync.Mutex
	open map[string]*entry
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	delay    time.Duration
	pub      Publisher
	logger   *zap.Logger
	resolver *Resolver
	hook     func(size int, err error)
}

// WithSaveDelay overrides DefaultSaveDelay.
func WithSaveDelay(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.delay = d }
}

// WithPublisher announces saved chats on p.
func WithPublisher(p Publisher) ManagerOption {
	return func(c *managerConfig) { c.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithResolver sets the anchor resolution strategies.
func WithResolver(r *Resolver) ManagerOption {
	return func(c *managerConfig) { c.resolver = r }
}

// WithFlushHook observes every save batch.
func WithFlushHook(fn func(size int, err error)) ManagerOption {
	return func(c *managerConfig) { c.hook = fn }
}

// NewManager creates a Manager.
func NewManager(store *SessionStore, gw Gateway, opts ...ManagerOption) *Manager {
	cfg := managerConfig{delay: DefaultSaveDelay, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.resolver == nil {
		cfg.resolver = NewResolver()
	}

	m := &Manager{
		store:    store,
		gw:       gw,
		pub:      cfg.pub,
		resolver: cfg.resolver,
		logger:   cfg.logger,
		open:     make(map[string]*entry),
	}
	qopts := []coalesce.Option[string, Session]{coalesce.WithLogger[string, Session](cfg.logger)}
	if cfg.hook != nil {
		qopts = append(qopts, coalesce.WithFlushHook[string, Session](cfg.hook))
	}
	m.queue = coalesce.New[string, Session](cfg.delay, m.flush, qopts...)
	return m
}

func (m *Manager) flush(ctx context.Context, batch map[string]Session) error {
	sessions := make([]*Session, 0, len(batch))
	for _, s := range batch {
		sessions = append(sessions, &s)
	}
	if err := m.store.Save(ctx, sessions...); err != nil {
		return err
	}
	if m.pub != nil {
		for _, s := range sessions {
			m.pub.Publish(events.Event{Type: events.ChatsUpdated, Keys: []string{StorageKey(s.PageURL)}})
		}
	}
	return nil
}

// Open opens, or returns the already open, chat for an element.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*View, error) {
	d := req.Descriptor
	m.mu.Lock()
	if e := m.findLocked(req.PageURL, d.ChatID); e != nil {
		m.mu.Unlock()
		return m.view(e), nil
	}
	m.mu.Unlock()

	sess, err := m.store.Load(ctx, req.PageURL, d.ChatID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e := m.findLocked(req.PageURL, d.ChatID); e != nil {
		m.mu.Unlock()
		return m.view(e), nil
	}
	fresh := sess == nil
	if fresh {
		sess = m.store.NewSession(req.PageURL, d)
	} else {
		sess.Descriptor = d
	}
	if sess.Window == nil {
		sess.Window = &WindowState{
			Position:     Point{X: d.Rect.Left + d.Rect.Width + 16, Y: d.Rect.Top},
			Size:         Size{Width: DefaultWidth, Height: DefaultHeight},
			AnchorOffset: &Point{X: d.Rect.Width + 16, Y: 0},
		}
	}
	offset := Point{}
	if sess.Window.AnchorOffset != nil {
		offset = *sess.Window.AnchorOffset
	}

	w := NewWindow(sess.ChatID, m.gw,
		WithHistory(sess.Messages),
		WithSystemPrompt(prompts.ElementChatSystemPrompt(req.PageURL, req.PageTitle, d.TagName, d.TextPreview)),
		WithReplacePreviousAssistant(sess.Window.ClearPreviousAssistant),
		WithCollapsed(sess.Window.Collapsed),
		WithWindowLogger(m.logger),
	)
	chatID := sess.ChatID
	e := &entry{session: sess, window: w, tracker: NewTracker(d, offset, m.resolver)}
	e.unsub = w.Subscribe(func(s Snapshot) { m.windowChanged(chatID, s) })
	m.open[chatID] = e
	m.mu.Unlock()

	if fresh {
		m.persist(e)
	}
	m.logger.Debug("element chat opened",
		zap.String("chat", sess.ChatID), zap.String("page", req.PageURL), zap.Bool("resumed", !fresh))
	return m.view(e), nil
}

func (m *Manager) windowChanged(chatID string, s Snapshot) {
	// Partial chunks are not persisted; the finished reply is.
	if s.Partial != "" {
		return
	}
	m.mu.Lock()
	e, ok := m.open[chatID]
	if ok {
		e.session.Messages = s.Messages
		e.session.Window.Collapsed = s.Collapsed
		e.session.Window.ClearPreviousAssistant = s.ReplacePreviousAssistant
	}
	m.mu.Unlock()
	if ok {
		m.persist(e)
	}
}

func (m *Manager) persist(e *entry) {
	m.mu.Lock()
	s := *e.session
	w := *s.Window
	s.Window = &w
	m.mu.Unlock()
	m.queue.Put(s.PageURL+"\x00"+s.ElementID, s)
}

func (m *Manager) findLocked(pageURL, elementID string) *entry {
	for _, e := range m.open {
		if e.session.PageURL == pageURL && e.session.ElementID == elementID {
			return e
		}
	}
	return nil
}

func (m *Manager) entry(chatID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.open[chatID]
	if !ok {
		return nil, ErrNotOpen
	}
	return e, nil
}

func (m *Manager) view(e *entry) *View {
	snap := e.window.Snapshot()
	p := e.tracker.Placement()
	m.mu.Lock()
	s := *e.session
	m.mu.Unlock()
	return &View{Session: s, Window: snap, Placement: p}
}

// View returns an open chat.
func (m *Manager) View(chatID string) (*View, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return nil, err
	}
	return m.view(e), nil
}

// Window returns an open chat's window.
func (m *Manager) Window(chatID string) (*Window, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return nil, err
	}
	return e.window, nil
}

// OpenIDs returns the ids of the open chats, sorted.
func (m *Manager) OpenIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send adds a user message to an open chat.
func (m *Manager) Send(ctx context.Context, chatID, text string) (bool, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return false, err
	}
	return e.window.Send(ctx, text)
}

// Tick re-anchors a chat against the page's current layout.
func (m *Manager) Tick(chatID string, layout Layout) (Placement, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return Placement{}, err
	}
	before := e.tracker.Placement()
	p := e.tracker.Tick(layout)
	if p.Position != before.Position || p.AnchorMissing != before.AnchorMissing {
		m.place(e, p)
	}
	return p, nil
}

// BeginDrag detaches a chat from its anchor while the user drags it.
func (m *Manager) BeginDrag(chatID string) (Placement, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return Placement{}, err
	}
	return e.tracker.BeginDrag(), nil
}

// EndDrag drops a dragged chat at pos.
func (m *Manager) EndDrag(chatID string, pos Point) (Placement, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return Placement{}, err
	}
	p := e.tracker.EndDrag(pos)
	m.place(e, p)
	return p, nil
}

// Reposition re-attaches a chat whose anchor went missing.
func (m *Manager) Reposition(chatID string, layout Layout, pos Point) (Placement, error) {
	e, err := m.entry(chatID)
	if err != nil {
		return Placement{}, err
	}
	p, err := e.tracker.Reposition(layout, pos)
	m.place(e, p)
	return p, err
}

// Resize sets a chat window's size.
func (m *Manager) Resize(chatID string, size Size) error {
	e, err := m.entry(chatID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	e.session.Window.Size = size
	m.mu.Unlock()
	m.persist(e)
	return nil
}

func (m *Manager) place(e *entry, p Placement) {
	d := e.tracker.Descriptor()
	m.mu.Lock()
	e.session.Window.Position = p.Position
	off := p.Offset
	e.session.Window.AnchorOffset = &off
	e.session.Descriptor = d
	m.mu.Unlock()
	m.persist(e)
}

// Close stops a chat, saves it and forgets the window. The saved session
// is kept.
func (m *Manager) Close(ctx context.Context, chatID string) error {
	m.mu.Lock()
	e, ok := m.open[chatID]
	delete(m.open, chatID)
	m.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}

	werr := e.window.Close(ctx)
	e.unsub()
	m.persistFinal(e)
	return errors.Join(werr, m.queue.Flush(ctx))
}

func (m *Manager) persistFinal(e *entry) {
	snap := e.window.Snapshot()
	m.mu.Lock()
	e.session.Messages = snap.Messages
	e.session.Window.Collapsed = snap.Collapsed
	m.mu.Unlock()
	m.persist(e)
}

// Delete closes a chat if open and removes its saved session.
func (m *Manager) Delete(ctx context.Context, pageURL, elementID string) (bool, error) {
	m.mu.Lock()
	open := m.findLocked(pageURL, elementID)
	if open != nil {
		delete(m.open, open.session.ChatID)
	}
	m.mu.Unlock()

	if open != nil {
		if err := open.window.Close(ctx); err != nil {
			m.logger.Warn("closing chat before delete", zap.Error(err))
		}
		open.unsub()
	}
	// A pending save would resurrect the session.
	if err := m.queue.Flush(ctx); err != nil {
		return false, err
	}
	ok, err := m.store.Delete(ctx, pageURL, elementID)
	if err == nil && ok && m.pub != nil {
		m.pub.Publish(events.Event{Type: events.ChatsUpdated, Keys: []string{StorageKey(pageURL)}})
	}
	return ok, err
}

// List returns a page's saved sessions.
func (m *Manager) List(ctx context.Context, pageURL string) ([]Session, error) {
	if err := m.queue.Flush(ctx); err != nil {
		return nil, err
	}
	return m.store.List(ctx, pageURL)
}

// ClearOld removes sessions idle for longer than olderThan.
func (m *Manager) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := m.queue.Flush(ctx); err != nil {
		return 0, err
	}
	return m.store.ClearOld(ctx, olderThan)
}

// Flush writes pending saves now.
func (m *Manager) Flush(ctx context.Context) error {
	return m.queue.Flush(ctx)
}

// Shutdown closes every open chat and flushes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.open))
	for _, e := range m.open {
		entries = append(entries, e)
	}
	m.open = make(map[string]*entry)
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.window.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		e.unsub()
		m.persistFinal(e)
	}
	errs = append(errs, m.queue.Close(ctx))
	return errors.Join(errs...)
}
