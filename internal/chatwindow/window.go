// Package chatwindow implements floating chat windows anchored to page
// elements: the send/stream state machine, anchor tracking and per-page
// session persistence.
package chatwindow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
)

// State is a window's streaming state.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// Markers appended to the transcript when a turn does not finish normally.
const (
	StoppedMarker = "[Response stopped by user]"
	ErrorMarker   = "[Error generating response]"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("chat window closed")
)

// Gateway streams one assistant reply.
type Gateway interface {
	Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onChunk func(string)) (string, error)
}

var _ Gateway = (*llm.Gateway)(nil)

// Snapshot is a point-in-time copy of a window's state.
type Snapshot struct {
	ID                       string              `json:"id"`
	State                    State               `json:"state"`
	Collapsed                bool                `json:"collapsed"`
	ReplacePreviousAssistant bool                `json:"clearPreviousAssistant"`
	Messages                 []cards.ChatMessage `json:"messages"`
	Queue                    []string            `json:"queue"`
	// Partial is the reply streamed so far in the current turn.
	Partial string `json:"partial,omitempty"`
}

// Window is one chat. Sends made while a reply is streaming wait in a FIFO
// queue and are answered one at a time. It is safe for concurrent use.
type Window struct {
	id     string
	gw     Gateway
	system string
	opts   llm.Options
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	collapsed bool
	replace   bool
	messages  []cards.ChatMessage
	queue     []string
	partial   strings.Builder
	cancel    context.CancelFunc
	stopped   bool
	idle      chan struct{}
	closed    bool
	observers map[int]func(Snapshot)
	nextObs   int
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithSystemPrompt sets the system prompt sent with every turn.
func WithSystemPrompt(p string) WindowOption {
	return func(w *Window) { w.system = p }
}

// WithOptions sets the per-call gateway options.
func WithOptions(o llm.Options) WindowOption {
	return func(w *Window) { w.opts = o }
}

// WithHistory seeds the transcript.
func WithHistory(msgs []cards.ChatMessage) WindowOption {
	return func(w *Window) { w.messages = append([]cards.ChatMessage(nil), msgs...) }
}

// WithReplacePreviousAssistant sets the initial replace preference.
func WithReplacePreviousAssistant(on bool) WindowOption {
	return func(w *Window) { w.replace = on }
}

// WithCollapsed sets the initial collapsed flag.
func WithCollapsed(on bool) WindowOption {
	return func(w *Window) { w.collapsed = on }
}

// WithWindowLogger sets the logger.
func WithWindowLogger(l *zap.Logger) WindowOption {
	return func(w *Window) { w.logger = l }
}

// WithWindowClock overrides the clock used for message timestamps.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// NewWindow creates an idle window.
func NewWindow(id string, gw Gateway, opts ...WindowOption) *Window {
	idle := make(chan struct{})
	close(idle)
	w := &Window{
		id:        id,
		gw:        gw,
		logger:    zap.NewNop(),
		now:       time.Now,
		state:     StateIdle,
		idle:      idle,
		observers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the window id.
func (w *Window) ID() string { return w.id }

// Send adds a user message. When a reply is already streaming the text is
// queued and queued is true. The turn outlives ctx; use Stop to end it.
func (w *Window) Send(ctx context.Context, text string) (queued bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ErrEmptyMessage
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false, ErrClosed
	}
	if w.state == StateStreaming {
		w.queue = append(w.queue, text)
		snap := w.snapshotLocked()
		w.mu.Unlock()
		w.logger.Debug("chat message queued", zap.String("chat", w.id), zap.Int("queue", len(snap.Queue)))
		w.notify(snap)
		return true, nil
	}

	w.state = StateStreaming
	w.idle = make(chan struct{})
	w.mu.Unlock()

	go w.drain(context.WithoutCancel(ctx), text)
	return false, nil
}

// drain answers text, then every queued message in order, then goes idle.
func (w *Window) drain(ctx context.Context, text string) {
	for {
		w.turn(ctx, text)

		w.mu.Lock()
		if w.closed || len(w.queue) == 0 {
			w.state = StateIdle
			close(w.idle)
			snap := w.snapshotLocked()
			w.mu.Unlock()
			w.notify(snap)
			return
		}
		text = w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
	}
}

func (w *Window) turn(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.replace {
		w.dropLastAssistantLocked()
	}
	w.messages = append(w.messages, w.message(llm.RoleUser, text))
	w.partial.Reset()
	w.cancel = cancel
	w.stopped = w.closed
	if w.closed {
		cancel()
	}
	msgs := toLLM(w.messages)
	system := w.system
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(snap)

	opts := w.opts
	if system != "" {
		opts.System = system
	}
	reply, err := w.gw.Stream(turnCtx, msgs, opts, func(chunk string) {
		w.mu.Lock()
		w.partial.WriteString(chunk)
		snap := w.snapshotLocked()
		w.mu.Unlock()
		w.notify(snap)
	})

	w.mu.Lock()
	stopped := w.stopped
	partial := w.partial.String()
	w.cancel = nil
	w.partial.Reset()
	switch {
	case stopped || errors.Is(err, llm.ErrCancelled):
		content := StoppedMarker
		if partial != "" {
			content = partial + "\n\n" + StoppedMarker
		}
		w.messages = append(w.messages, w.message(llm.RoleAssistant, content))
	case err != nil:
		w.logger.Warn("chat turn failed", zap.String("chat", w.id), zap.Error(err))
		w.messages = append(w.messages, w.message(llm.RoleAssistant, ErrorMarker))
	default:
		w.messages = append(w.messages, w.message(llm.RoleAssistant, reply))
	}
	snap = w.snapshotLocked()
	w.mu.Unlock()
	w.notify(snap)
}

func (w *Window) dropLastAssistantLocked() {
	if n := len(w.messages); n > 0 && w.messages[n-1].Role == string(llm.RoleAssistant) {
		w.messages = w.messages[:n-1]
	}
}

func (w *Window) message(role llm.Role, content string) cards.ChatMessage {
	return cards.ChatMessage{
		ID:        "msg-" + uuid.NewString(),
		Role:      string(role),
		Content:   content,
		Timestamp: w.now().UnixMilli(),
	}
}

func toLLM(msgs []cards.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

// Stop ends the reply in flight. Queued messages are still answered; use
// ClearQueue to drop them. It reports whether a reply was streaming.
func (w *Window) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return false
	}
	w.stopped = true
	w.cancel()
	return true
}

// ClearQueue drops queued messages and returns how many there were.
func (w *Window) ClearQueue() int {
	w.mu.Lock()
	n := len(w.queue)
	w.queue = nil
	snap := w.snapshotLocked()
	w.mu.Unlock()
	if n > 0 {
		w.notify(snap)
	}
	return n
}

// SetCollapsed collapses or expands the window. Streaming is unaffected.
func (w *Window) SetCollapsed(on bool) {
	w.mu.Lock()
	if w.collapsed == on {
		w.mu.Unlock()
		return
	}
	w.collapsed = on
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(snap)
}

// ToggleCollapsed flips the collapsed flag and returns the new value.
func (w *Window) ToggleCollapsed() bool {
	w.mu.Lock()
	w.collapsed = !w.collapsed
	on := w.collapsed
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(snap)
	return on
}

// SetReplacePreviousAssistant sets whether each new turn first removes the
// previous assistant reply.
func (w *Window) SetReplacePreviousAssistant(on bool) {
	w.mu.Lock()
	w.replace = on
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(snap)
}

// SetSystemPrompt replaces the system prompt for the turns that follow.
func (w *Window) SetSystemPrompt(p string) {
	w.mu.Lock()
	w.system = p
	w.mu.Unlock()
}

// Snapshot returns the current state.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Window) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                       w.id,
		State:                    w.state,
		Collapsed:                w.collapsed,
		ReplacePreviousAssistant: w.replace,
		Messages:                 append([]cards.ChatMessage{}, w.messages...),
		Queue:                    append([]string{}, w.queue...),
		Partial:                  w.partial.String(),
	}
}

// Subscribe registers fn for every state change. fn runs on the goroutine
// that made the change and must not call back into the window's mutating
// methods synchronously.
func (w *Window) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextObs
	w.nextObs++
	w.observers[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.observers, id)
			w.mu.Unlock()
		})
	}
}

func (w *Window) notify(s Snapshot) {
	w.mu.Lock()
	fns := make([]func(Snapshot), 0, len(w.observers))
	for _, fn := range w.observers {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// WaitIdle blocks until no reply is streaming and the queue is empty.
func (w *Window) WaitIdle(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for chat %s: %w", w.id, ctx.Err())
	}
}

// Close stops any reply in flight, drops the queue and refuses further
// sends. It waits for the turn to wind down.
func (w *Window) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	if w.cancel != nil {
		w.stopped = true
		w.cancel()
	}
	w.mu.Unlock()
	return w.WaitIdle(ctx)
}
