package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/coralane/drover/internal/eventlog"
	"github.com/coralane/drover/internal/log"
)

// DefaultDispatchBuffer bounds the dispatch queue. A full queue blocks
// Append; this is the only backpressure point in the system.
const DefaultDispatchBuffer = 256

// Bus assigns monotonic event IDs, persists every event to the ledger, and
// fans events out asynchronously to subscribers. The ID counter and the
// ledger are the only shared mutable state; both are guarded by one
// append-time mutex that is never held during delivery.
type Bus struct {
	ledger *eventlog.Log
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	closed bool

	dispatch chan Event

	submu sync.RWMutex
	subs  []*Subscription

	met  *metrics
	done chan struct{}
}

// BusOptions tune a Bus.
type BusOptions struct {
	// DispatchBuffer bounds the async dispatch queue. Default 256.
	DispatchBuffer int
	// Registry receives bus metrics when non-nil.
	Registry prometheus.Registerer
}

// New creates a bus over the given ledger, resuming ID assignment from the
// persisted high-water mark.
func New(ctx context.Context, ledger *eventlog.Log, opts BusOptions) (*Bus, error) {
	next, err := ledger.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover next event id: %w", err)
	}
	buffer := opts.DispatchBuffer
	if buffer <= 0 {
		buffer = DefaultDispatchBuffer
	}
	b := &Bus{
		ledger:   ledger,
		logger:   log.WithComponent("eventbus"),
		nextID:   next,
		dispatch: make(chan Event, buffer),
		met:      newMetrics(opts.Registry),
		done:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b, nil
}

// NextID returns the ID the next appended event will receive.
func (b *Bus) NextID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// Append assigns the next ID and timestamp, persists the event, then hands
// it to the dispatch queue. A persisted event is always dispatched: the
// enqueue happens under the append mutex, so it cannot be skipped by
// cancellation or reordered against later appends. It blocks only while
// the queue is full, which the dispatch loop is always draining.
func (b *Bus) Append(ctx context.Context, draft Draft) (Event, error) {
	kind, err := draft.Kind()
	if err != nil {
		return Event{}, err
	}
	if !validSource(draft.Source) {
		return Event{}, fmt.Errorf("invalid event source %q", draft.Source)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, fmt.Errorf("bus is closed")
	}
	event := Event{
		ID:          b.nextID,
		Timestamp:   time.Now().UTC(),
		Source:      draft.Source,
		Kind:        kind,
		CausedBy:    draft.CausedBy,
		Action:      draft.Action,
		Observation: draft.Observation,
		StateChange: draft.StateChange,
		Error:       draft.Error,
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.mu.Unlock()
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	if err := b.ledger.Append(ctx, event.ID, data); err != nil {
		b.mu.Unlock()
		return Event{}, err
	}
	b.nextID++
	b.dispatch <- event
	b.mu.Unlock()

	b.met.appended.Inc()
	b.met.queueDepth.Set(float64(len(b.dispatch)))
	return event, nil
}

// ReadRange decodes the persisted events with from <= id <= to.
func (b *Bus) ReadRange(ctx context.Context, from, to uint64) ([]Event, error) {
	records, err := b.ledger.ReadRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(records))
	for _, rec := range records {
		var evt Event
		if err := json.Unmarshal(rec.Data, &evt); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", rec.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// Subscribe registers a callback under the given name. Each subscription
// gets its own worker so a slow or panicking subscriber never delays the
// others; delivery to one subscriber is strictly in event-ID order.
func (b *Bus) Subscribe(name string, fn func(Event)) *Subscription {
	sub := newSubscription(name, fn, b)
	b.submu.Lock()
	b.subs = append(b.subs, sub)
	b.submu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and stops its worker after the
// already-queued events are delivered.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.submu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.submu.Unlock()
	sub.close()
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.submu.RLock()
	defer b.submu.RUnlock()
	return len(b.subs)
}

// Close stops accepting appends, drains the dispatch queue, and waits for
// every subscriber worker to finish its queued deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.dispatch)
	<-b.done

	b.submu.Lock()
	subs := b.subs
	b.subs = nil
	b.submu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for event := range b.dispatch {
		b.met.queueDepth.Set(float64(len(b.dispatch)))
		b.submu.RLock()
		subs := make([]*Subscription, len(b.subs))
		copy(subs, b.subs)
		b.submu.RUnlock()
		// Registration order; per-subscriber queues keep one slow
		// consumer from holding up the rest.
		for _, sub := range subs {
			sub.enqueue(event)
		}
	}
}
