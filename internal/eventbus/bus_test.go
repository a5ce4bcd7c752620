package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coralane/drover/internal/eventlog"
	"github.com/coralane/drover/internal/testutil"
)

func openTestBus(t *testing.T, opts BusOptions) *Bus {
	t.Helper()
	ledger, cleanup := testutil.OpenTestLedger(t, eventlog.Options{})
	t.Cleanup(cleanup)
	bus, err := New(context.Background(), ledger, opts)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func observationDraft(content string) Draft {
	return Draft{Source: SourceExternal, Observation: &Observation{Content: content}}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	bus := openTestBus(t, BusOptions{})
	ctx := context.Background()

	const workers = 8
	const perWorker = 25

	var mu sync.Mutex
	seen := map[uint64]struct{}{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				evt, err := bus.Append(ctx, observationDraft(fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				if _, dup := seen[evt.ID]; dup {
					t.Errorf("duplicate event id %d", evt.ID)
				}
				seen[evt.ID] = struct{}{}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
	events, err := bus.ReadRange(ctx, 1, uint64(workers*perWorker))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(events) != workers*perWorker {
		t.Fatalf("expected %d persisted events, got %d", workers*perWorker, len(events))
	}
	for i, evt := range events {
		if evt.ID != uint64(i+1) {
			t.Fatalf("gap in ids at position %d: %d", i, evt.ID)
		}
	}
}

func TestSubscriberReceivesInIDOrder(t *testing.T) {
	bus := openTestBus(t, BusOptions{})
	ctx := context.Background()

	const n = 60
	received := make(chan uint64, n)
	bus.Subscribe("orderer", func(evt Event) {
		received <- evt.ID
	})

	for i := 0; i < n; i++ {
		if _, err := bus.Append(ctx, observationDraft(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var last uint64
	for i := 0; i < n; i++ {
		select {
		case id := <-received:
			if id <= last {
				t.Fatalf("out of order delivery: %d after %d", id, last)
			}
			last = id
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d deliveries", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := openTestBus(t, BusOptions{})
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe("slow", func(evt Event) {
		<-release
	})
	fastDone := make(chan struct{})
	const n = 10
	count := 0
	bus.Subscribe("fast", func(evt Event) {
		count++
		if count == n {
			close(fastDone)
		}
	})

	for i := 0; i < n; i++ {
		if _, err := bus.Append(ctx, observationDraft("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber starved by slow subscriber")
	}
	close(release)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	bus := openTestBus(t, BusOptions{})
	ctx := context.Background()

	bus.Subscribe("panicky", func(evt Event) {
		panic("boom")
	})
	got := make(chan uint64, 2)
	bus.Subscribe("steady", func(evt Event) {
		got <- evt.ID
	})

	for i := 0; i < 2; i++ {
		if _, err := bus.Append(ctx, observationDraft("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("steady subscriber missed delivery %d", i)
		}
	}
}

func TestSubscriptionPointForwardOnly(t *testing.T) {
	bus := openTestBus(t, BusOptions{})
	ctx := context.Background()

	if _, err := bus.Append(ctx, observationDraft("before")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// The dispatch loop must settle before subscribing, otherwise the
	// pre-subscription event could still be in flight.
	time.Sleep(50 * time.Millisecond)

	got := make(chan Event, 1)
	bus.Subscribe("late", func(evt Event) {
		got <- evt
	})
	after, err := bus.Append(ctx, observationDraft("after"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case evt := <-got:
		if evt.ID != after.ID {
			t.Fatalf("expected only post-subscription event %d, got %d", after.ID, evt.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for delivery")
	}
}

func TestEveryPersistedEventIsDispatched(t *testing.T) {
	bus := openTestBus(t, BusOptions{DispatchBuffer: 1})

	const workers = 6
	const perWorker = 20
	const total = workers * perWorker

	var mu sync.Mutex
	delivered := map[uint64]struct{}{}
	allIn := make(chan struct{})
	bus.Subscribe("counter", func(evt Event) {
		mu.Lock()
		delivered[evt.ID] = struct{}{}
		if len(delivered) == total {
			close(allIn)
		}
		mu.Unlock()
	})

	// Cancelled contexts and a tiny dispatch queue: anything that made
	// it to the ledger must still reach the subscriber.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				if i%3 == 0 {
					go cancel()
				}
				_, err := bus.Append(ctx, observationDraft(fmt.Sprintf("w%d-%d", w, i)))
				cancel()
				// A cancelled ctx may legitimately fail the persist;
				// retry so the test always lands on total events.
				for err != nil {
					_, err = bus.Append(context.Background(), observationDraft(fmt.Sprintf("w%d-%d-retry", w, i)))
				}
			}
		}(w)
	}
	wg.Wait()

	select {
	case <-allIn:
	case <-time.After(5 * time.Second):
		mu.Lock()
		got := len(delivered)
		mu.Unlock()
		t.Fatalf("only %d of %d persisted events delivered", got, total)
	}

	persisted, err := bus.ReadRange(context.Background(), 1, bus.NextID()-1)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(persisted) != total {
		t.Fatalf("expected %d persisted events, got %d", total, len(persisted))
	}
}

func TestIDRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := eventlog.Open(dir + "/bus.db")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	bus, err := New(ctx, eventlog.New(db, eventlog.Options{}), BusOptions{})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := bus.Append(ctx, observationDraft("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	bus.Close()
	_ = db.Close()

	db, err = eventlog.Open(dir + "/bus.db")
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer db.Close()
	bus, err = New(ctx, eventlog.New(db, eventlog.Options{}), BusOptions{})
	if err != nil {
		t.Fatalf("reopen bus: %v", err)
	}
	defer bus.Close()

	evt, err := bus.Append(ctx, observationDraft("resumed"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if evt.ID != 4 {
		t.Fatalf("expected id 4 after reopen, got %d", evt.ID)
	}
}
