package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/coalesce"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

var (
	// ErrUnknownNode is returned when an edit names a card not on the canvas.
	ErrUnknownNode = errors.New("node not on canvas")
	// ErrInvalidGeometry is returned for non-positive sizes or zoom.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrInvalidFilter is returned when filter state fails validation.
	ErrInvalidFilter = errors.New("invalid filter")
)

const (
	DefaultGeometryDelay = 2 * time.Second
	DefaultViewportDelay = 500 * time.Millisecond

	viewportKey   = "viewport"
	reloadTimeout = 10 * time.Second
)

// Viewport is the canvas pan and zoom.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// DefaultViewport is used until a viewport has been saved.
func DefaultViewport() Viewport { return Viewport{Zoom: 1} }

// Synchronizer owns one view of the canvas. Edits are applied to the
// in-memory graph at once and written back in coalesced batches. It is an
// events.Observer: invalidating events from other views trigger a reload.
type Synchronizer struct {
	cards  *cards.Store
	kv     *storage.Store
	logger *zap.Logger
	origin string

	geometryDelay time.Duration
	viewportDelay time.Duration
	flushHook     func(queue string, size int, err error)

	geometry *coalesce.Queue[string, Geometry]
	viewport *coalesce.Queue[string, Viewport]

	mu      sync.RWMutex
	graph   *Graph
	version uint64

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func(*Graph)

	started  atomic.Bool
	stopOnce sync.Once
	reload   chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithDelays overrides the idle delays of the geometry and viewport queues.
func WithDelays(geometry, viewport time.Duration) Option {
	return func(s *Synchronizer) {
		s.geometryDelay = geometry
		s.viewportDelay = viewport
	}
}

// WithFlushHook observes every non-empty flush of either queue.
func WithFlushHook(fn func(queue string, size int, err error)) Option {
	return func(s *Synchronizer) { s.flushHook = fn }
}

// NewSynchronizer creates a synchronizer over the card store. kv holds the
// viewport record.
func NewSynchronizer(store *cards.Store, kv *storage.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cards:         store,
		kv:            kv,
		logger:        zap.NewNop(),
		origin:        "canvas-" + uuid.NewString(),
		geometryDelay: DefaultGeometryDelay,
		viewportDelay: DefaultViewportDelay,
		graph:         &Graph{Nodes: []Node{}, Edges: []Edge{}, Empty: true},
		observers:     make(map[int]func(*Graph)),
		reload:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.geometry = coalesce.New[string, Geometry](s.geometryDelay, s.flushGeometry,
		coalesce.WithMerge[string, Geometry](mergeGeometry),
		coalesce.WithLogger[string, Geometry](s.logger),
		coalesce.WithFlushHook[string, Geometry](s.hook("geometry")))
	s.viewport = coalesce.New[string, Viewport](s.viewportDelay, s.flushViewport,
		coalesce.WithLogger[string, Viewport](s.logger),
		coalesce.WithFlushHook[string, Viewport](s.hook("viewport")))
	return s
}

func (s *Synchronizer) hook(queue string) func(int, error) {
	return func(size int, err error) {
		if s.flushHook != nil {
			s.flushHook(queue, size, err)
		}
	}
}

// Origin identifies writes made by this synchronizer.
func (s *Synchronizer) Origin() string { return s.origin }

// Start runs the background reload loop until Close.
func (s *Synchronizer) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.reloadLoop()
	}
}

func (s *Synchronizer) reloadLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.reload:
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			if _, err := s.Load(ctx); err != nil {
				s.logger.Warn("canvas reload failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Notify implements events.Observer. It never blocks; reloads requested
// while one is queued collapse into it.
func (s *Synchronizer) Notify(e events.Event) {
	if !e.Invalidates() || (e.Origin != "" && e.Origin == s.origin) {
		return
	}
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Load reads cards and connections and replaces the graph. Pending
// geometry edits are laid over the fresh data.
func (s *Synchronizer) Load(ctx context.Context) (*Graph, error) {
	before := s.geometry.Snapshot()

	var (
		all   []cards.Card
		conns []cards.Connection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = s.cards.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		conns, err = s.cards.ListConnections(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading canvas: %w", err)
	}

	s.mu.Lock()
	// Edits made while loading are not in before.
	for id, p := range s.geometry.Snapshot() {
		before[id] = mergeGeometry(before[id], p)
	}
	graph := Build(all, conns, before)
	s.version++
	graph.Version = s.version
	s.graph = graph
	out := graph.clone()
	s.mu.Unlock()

	s.logger.Debug("canvas loaded",
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)),
		zap.Int("pending", len(before)))
	s.notifyObservers(out)
	return out, nil
}

// Graph returns a copy of the current graph.
func (s *Synchronizer) Graph() *Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.clone()
}

// Subscribe registers fn to receive the graph after every load.
func (s *Synchronizer) Subscribe(fn func(*Graph)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Synchronizer) notifyObservers(g *Graph) {
	s.obsMu.Lock()
	fns := make([]func(*Graph), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(g)
	}
}

// MoveNode moves a node now and schedules the write.
func (s *Synchronizer) MoveNode(id string, pos cards.Position) (*Node, error) {
	return s.edit(id, Geometry{Position: &pos})
}

// ResizeNode resizes a node now and schedules the write.
func (s *Synchronizer) ResizeNode(id string, size cards.Size) (*Node, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: size %gx%g", ErrInvalidGeometry, size.Width, size.Height)
	}
	return s.edit(id, Geometry{Size: &size})
}

// Edit applies a combined geometry change.
func (s *Synchronizer) Edit(id string, p Geometry) (*Node, error) {
	if p.Size != nil && (p.Size.Width <= 0 || p.Size.Height <= 0) {
		return nil, fmt.Errorf("%w: size %gx%g", ErrInvalidGeometry, p.Size.Width, p.Size.Height)
	}
	return s.edit(id, p)
}

func (s *Synchronizer) edit(id string, p Geometry) (*Node, error) {
	s.mu.Lock()
	n := s.graph.node(id)
	if n == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.apply(p)
	out := *n
	out.Card = n.Card.Clone()
	s.geometry.Put(id, p)
	s.mu.Unlock()
	return &out, nil
}

func (s *Synchronizer) flushGeometry(ctx context.Context, batch map[string]Geometry) error {
	fns := make(map[string]func(*cards.Card), len(batch))
	for id, p := range batch {
		fns[id] = func(c *cards.Card) {
			if p.Position != nil {
				pos := *p.Position
				c.Position = &pos
			}
			if p.Size != nil {
				size := *p.Size
				c.Size = &size
			}
		}
	}
	n, err := s.cards.UpdateMany(cards.WithOrigin(ctx, s.origin), fns)
	if err != nil {
		return fmt.Errorf("saving canvas geometry: %w", err)
	}
	s.logger.Debug("canvas geometry saved", zap.Int("cards", n))
	return nil
}

// Pending returns how many nodes have unsaved geometry.
func (s *Synchronizer) Pending() int { return s.geometry.Pending() }

// Saved returns a channel that yields once the current geometry edits have
// been written.
func (s *Synchronizer) Saved() <-chan error { return s.geometry.Wait() }

// SetViewport records the pan and zoom; the write is coalesced.
func (s *Synchronizer) SetViewport(v Viewport) error {
	if v.Zoom <= 0 {
		return fmt.Errorf("%w: zoom %g", ErrInvalidGeometry, v.Zoom)
	}
	s.viewport.Put(viewportKey, v)
	return nil
}

// Viewport returns the unsaved viewport, the stored one, or the default.
func (s *Synchronizer) Viewport(ctx context.Context) (Viewport, error) {
	if v, ok := s.viewport.Get(viewportKey); ok {
		return v, nil
	}
	v := DefaultViewport()
	if _, err := s.kv.Get(ctx, storage.KeyViewport, &v); err != nil {
		return DefaultViewport(), err
	}
	return v, nil
}

func (s *Synchronizer) flushViewport(ctx context.Context, batch map[string]Viewport) error {
	v, ok := batch[viewportKey]
	if !ok {
		return nil
	}
	return s.kv.Set(ctx, storage.KeyViewport, v)
}

// Flush writes pending geometry and viewport now.
func (s *Synchronizer) Flush(ctx context.Context) error {
	return errors.Join(s.geometry.Flush(ctx), s.viewport.Flush(ctx))
}

// Close stops the reload loop and writes everything still pending.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return errors.Join(s.geometry.Close(ctx), s.viewport.Close(ctx))
}
