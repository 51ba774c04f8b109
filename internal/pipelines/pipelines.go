// Package pipelines turns cards into prompts, runs them through the LLM
// gateway and writes the results back as new or updated cards.
package pipelines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// Gateway is the part of the LLM gateway the pipelines use.
type Gateway interface {
	SendMessage(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error)
	Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onChunk func(string)) (string, error)
}

// Buttons resolves button definitions.
type Buttons interface {
	Get(ctx context.Context, id string) (*prompts.Button, error)
}

// ErrNotReady is returned when a fill-in has nothing to synthesize from.
var ErrNotReady = errors.New("card not ready for fill-in")

// ErrInvalidRequest is returned for unknown types, strategies or modes.
var ErrInvalidRequest = errors.New("invalid generation request")

const (
	generatedWidth  = 400
	generatedHeight = 300
	generatedGap    = 60
	defaultWidth    = 320
)

// Result is a generated card and the connection linking it to its source.
type Result struct {
	Card       *cards.Card       `json:"card"`
	Connection *cards.Connection `json:"connection"`
}

// Service runs the generation pipelines.
type Service struct {
	cards   *cards.Store
	buttons Buttons
	llm     Gateway
	md      goldmark.Markdown
	logger  *zap.Logger
	now     func() time.Time
	observe func(pipeline string, err error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver reports the outcome of every pipeline run.
func WithObserver(fn func(pipeline string, err error)) Option {
	return func(s *Service) { s.observe = fn }
}

// New creates a pipeline service.
func New(store *cards.Store, buttons Buttons, gw Gateway, opts ...Option) *Service {
	s := &Service{
		cards:   store,
		buttons: buttons,
		llm:     gw,
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
				),
			),
		),
		logger:  zap.NewNop(),
		now:     time.Now,
		observe: func(string, error) {},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RenderMarkdown converts model markdown into HTML. Raw HTML in the input is
// not passed through.
func (s *Service) RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) nowMillis() int64 { return s.now().UnixMilli() }

// stream runs one completion, streamed when onChunk is set, and maps
// cancellation.
func (s *Service) stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onChunk func(string)) (string, error) {
	var (
		text string
		err  error
	)
	if onChunk != nil {
		text, err = s.llm.Stream(ctx, msgs, opts, onChunk)
	} else {
		text, err = s.llm.SendMessage(ctx, msgs, opts)
	}
	if err != nil {
		if errors.Is(err, llm.ErrCancelled) || ctx.Err() != nil {
			return "", llm.ErrCancelled
		}
		return "", fmt.Errorf("generating: %w", err)
	}
	// Nothing is written once the caller has gone away.
	if ctx.Err() != nil {
		return "", llm.ErrCancelled
	}
	return text, nil
}

// besideSource places a generated card to the right of its source.
func besideSource(src *cards.Card) *cards.Position {
	var x, y float64
	width := float64(defaultWidth)
	if src.Position != nil {
		x, y = src.Position.X, src.Position.Y
	}
	if src.Size != nil && src.Size.Width > 0 {
		width = src.Size.Width
	}
	return &cards.Position{X: x + width + generatedGap, Y: y}
}

func newMessage(role llm.Role, content string, at int64) cards.ChatMessage {
	return cards.ChatMessage{ID: uuid.NewString(), Role: string(role), Content: content, Timestamp: at}
}
