package eventbus

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Subscription is one registered consumer. A dedicated worker goroutine
// drains its private queue, so callbacks may block or panic without
// affecting the bus or any other subscriber. The queue is unbounded on
// purpose: backpressure lives at the bus dispatch channel, and bounding
// here would let a slow subscriber stall the dispatch loop.
type Subscription struct {
	ID   string
	Name string

	fn     func(Event)
	bus    *Bus
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	done chan struct{}
}

func newSubscription(name string, fn func(Event), bus *Bus) *Subscription {
	sub := &Subscription{
		ID:     ulid.Make().String(),
		Name:   name,
		fn:     fn,
		bus:    bus,
		logger: bus.logger.With().Str("subscriber", name).Logger(),
		done:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.worker()
	return sub
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

// Done is closed once the worker has delivered its final event.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(event)
	}
}

func (s *Subscription) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.met.panics.Inc()
			s.logger.Error().
				Uint64("event_id", event.ID).
				Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()
	s.fn(event)
	s.bus.met.delivered.WithLabelValues(s.Name).Inc()
}
