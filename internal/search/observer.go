package search

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/events"
)

// Notify implements events.Observer. The card store publishes while it
// holds its lock, so events are queued and applied by the worker started
// with Start. When the queue is full the event is dropped and the next
// Rebuild catches up.
func (ix *Index) Notify(e events.Event) {
	switch e.Type {
	case events.CardCreated, events.CardUpdated, events.CardStashed, events.CardRestored, events.CardDeleted:
	case events.CardsUpdated:
		if e.Source == "" {
			return
		}
	default:
		return
	}
	select {
	case ix.events <- e:
	default:
		ix.logger.Warn("search: event queue full, dropping", zap.String("type", string(e.Type)))
	}
}

// Start runs the worker that applies queued events until ctx ends or
// Close is called.
func (ix *Index) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ix.done:
				return
			case e := <-ix.events:
				ix.apply(ctx, e)
			}
		}
	}()
}

// Close stops the worker.
func (ix *Index) Close() {
	ix.once.Do(func() { close(ix.done) })
}

func (ix *Index) apply(ctx context.Context, e events.Event) {
	var err error
	switch {
	case e.Type == events.CardsUpdated:
		// Another view or process changed the store wholesale.
		_, err = ix.Rebuild(ctx)
	case e.Type == events.CardDeleted && e.Source == "":
		err = ix.Remove(ctx, e.CardID)
	default:
		var c *cards.Card
		c, err = ix.source.Get(ctx, e.CardID)
		switch {
		case errors.Is(err, cards.ErrNotFound):
			err = ix.Remove(ctx, e.CardID)
		case err == nil:
			err = ix.Index(ctx, *c)
		}
	}
	if err != nil {
		ix.logger.Warn("search: applying event failed",
			zap.String("type", string(e.Type)),
			zap.String("card", e.CardID),
			zap.Error(err),
		)
		return
	}
	if ix.OnIndexed != nil {
		ix.OnIndexed(ix.Count())
	}
}
