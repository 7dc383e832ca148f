// Package eventbus fans out session-scoped events to persistence and live
// subscribers with backpressure: events are never dropped. Publish delivers
// to subscribers one after another, so a subscriber whose queue is full
// blocks the publish call, and with it delivery to the subscribers after it.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sessionkit/orchestrator/internal/errs"
	"github.com/sessionkit/orchestrator/internal/store"
)

// Event is a published, store-persisted unit of activity for one session.
type Event struct {
	SessionID string
	Type      store.StreamEventType
	DataJSON  string
}

// queueDepth bounds how far a subscriber may lag before Publish blocks on
// it specifically; it never drops the subscriber's events to catch up.
const queueDepth = 256

type subscriber struct {
	id string
	ch chan Event
}

// Bus publishes events to the store (for durable replay), an optional
// append-only NDJSON sink (for offline audit/benchmark replay), and any
// live subscribers, honoring per-subscriber backpressure.
type Bus struct {
	db   *store.DB
	sink *NDJSONSink

	mu   sync.Mutex
	subs map[string][]*subscriber // keyed by sessionID, "" for all-sessions subscribers
	seq  int
}

// New constructs a Bus backed by db for durable persistence.
func New(db *store.DB) *Bus {
	return &Bus{db: db, subs: make(map[string][]*subscriber)}
}

// WithNDJSONSink attaches an append-only audit sink; every published event
// is also appended there. A nil sink disables this (the default).
func (b *Bus) WithNDJSONSink(sink *NDJSONSink) *Bus {
	b.sink = sink
	return b
}

// Publish persists e to the store and delivers it to subscribers of e.SessionID
// and to all-sessions subscribers. Publish blocks until every subscriber's
// queue has room, providing backpressure instead of best-effort delivery.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.SessionID == "" {
		return fmt.Errorf("publish event: %w", errs.ErrBadInput)
	}
	if _, err := b.db.AppendStreamEvent(ctx, store.StreamEvent{
		SessionID: e.SessionID, EventType: e.Type, Timestamp: time.Now(), DataJSON: e.DataJSON,
	}); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if b.sink != nil {
		if err := b.sink.Write(e); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}

	b.mu.Lock()
	targets := append(append([]*subscriber{}, b.subs[e.SessionID]...), b.subs[""]...)
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscription is a live handle returned by Subscribe; call Close when done.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	sessionID string
	id        string
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.sessionID]
	for i, sub := range list {
		if sub.id == s.id {
			s.bus.subs[s.sessionID] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			break
		}
	}
}

// Subscribe registers a live listener for sessionID ("" subscribes to every
// session's events, used by batch-run progress aggregation).
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscriber{id: fmt.Sprintf("sub-%d", b.seq), ch: make(chan Event, queueDepth)}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return &Subscription{Events: sub.ch, bus: b, sessionID: sessionID, id: sub.id}
}

// Replay returns the persisted events for sessionID whose id is greater than
// afterID, in order, for a subscriber that reconnects after missing live
// delivery.
func (b *Bus) Replay(ctx context.Context, sessionID string, afterID int64) ([]store.StreamEvent, error) {
	return b.db.ListStreamEvents(ctx, sessionID, afterID, 0)
}
