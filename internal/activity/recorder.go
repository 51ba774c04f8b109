package activity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/events"
)

// AgentOrigin is the origin the MCP server tags its writes with.
const AgentOrigin = "mcp"

const queueSize = 256

// Recorder writes bus events to the journal. Stores publish while holding
// their lock, so Notify only queues; a worker started with Start does the
// writing.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, queue: make(chan events.Event, queueSize)}
}

// Notify implements events.Observer.
func (r *Recorder) Notify(e events.Event) {
	if !recorded(e) {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("activity: queue full, dropping", zap.String("type", string(e.Type)))
	}
}

// recorded drops bookkeeping events, the umbrella invalidation that
// accompanies every local card event, and events announced by views over
// the websocket. A view's own writes go through the HTTP API and are
// journaled there.
func recorded(e events.Event) bool {
	if e.Source == events.SourceRemote {
		return false
	}
	switch e.Type {
	case events.CardCreated, events.CardUpdated, events.CardStashed,
		events.CardRestored, events.CardDeleted, events.ConnectionsUpdated:
		return true
	case events.CardsUpdated:
		return e.Source != ""
	}
	return false
}

// Start runs the worker until Close. Queued events are still written after
// ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for e := range r.queue {
			if err := r.store.Log(ctx, entryFor(e)); err != nil {
				r.logger.Warn("activity: logging event failed",
					zap.String("type", string(e.Type)),
					zap.String("card", e.CardID),
					zap.Error(err))
			}
		}
	}()
}

// Close stops accepting events and waits until the queued ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func entryFor(e events.Event) Entry {
	actor := ActorLocal
	switch {
	case e.Source == events.SourceExternal:
		actor = ActorExternal
	case e.Origin == AgentOrigin:
		actor = ActorAgent
	}
	return Entry{
		At:     e.At,
		Action: string(e.Type),
		CardID: e.CardID,
		Actor:  actor,
		Origin: e.Origin,
		Keys:   e.Keys,
	}
}
