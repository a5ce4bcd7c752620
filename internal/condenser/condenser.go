// Package condenser produces a bounded view of session history for the
// policy step, summarizing older events when the window is exceeded.
package condenser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coralane/drover/internal/eventbus"
)

// Config tunes the condenser. Zero values select defaults.
type Config struct {
	// BudgetTokens is the estimated token budget for the whole view.
	BudgetTokens int
	// KeepRecent is how many trailing events survive verbatim when the
	// budget is exceeded.
	KeepRecent int
}

const (
	DefaultBudgetTokens = 8000
	DefaultKeepRecent   = 10
)

// ActionName is the name of the system action a controller emits to obtain
// a summary out-of-process.
const ActionName = "condense"

// Summarizer synthesizes a textual summary of a run of events. When nil,
// the condenser cannot condense locally and emits a Request instead.
type Summarizer interface {
	Summarize(ctx context.Context, events []eventbus.Event) (string, error)
}

// Request asks the controller to obtain a summary out-of-process. The
// controller emits it as an action; once the result lands it is recorded
// with RecordSummary and the next Condense call succeeds locally.
type Request struct {
	// From and To bound the event span needing summarization.
	From uint64
	To   uint64
}

// Condenser holds configuration plus any summaries recorded so far.
// Summaries are keyed by the span they cover.
type Condenser struct {
	cfg        Config
	summarizer Summarizer

	mu        sync.Mutex
	summaries map[Request]string
}

func New(cfg Config, summarizer Summarizer) *Condenser {
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = DefaultBudgetTokens
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	return &Condenser{
		cfg:        cfg,
		summarizer: summarizer,
		summaries:  map[Request]string{},
	}
}

// RecordSummary stores an externally produced summary for a span.
func (c *Condenser) RecordSummary(req Request, summary string) {
	c.mu.Lock()
	c.summaries[req] = summary
	c.mu.Unlock()
}

// Condense returns a bounded view of history. Under budget the view is the
// history unchanged. Over budget, the first (task-defining) event is always
// preserved verbatim, the most recent KeepRecent events are kept, and the
// middle is replaced by a single synthetic summary event. When no summary
// can be produced locally a Request is returned instead of a view.
//
// Condense request/response events are bookkeeping, never policy input:
// they are stripped from the view, which also keeps the middle span stable
// while a request is in flight.
func (c *Condenser) Condense(ctx context.Context, history []eventbus.Event) ([]eventbus.Event, *Request, error) {
	history = dropCondenseTraffic(history)
	if estimateTokens(history) <= c.cfg.BudgetTokens {
		return history, nil, nil
	}
	if len(history) <= c.cfg.KeepRecent+1 {
		// Too short to split; the budget is simply too small for the
		// events at hand.
		return history, nil, nil
	}

	first := history[0]
	recent := history[len(history)-c.cfg.KeepRecent:]
	middle := history[1 : len(history)-c.cfg.KeepRecent]

	// A recorded summary covering a leading run of the middle is reused;
	// events past its span stay verbatim. A partial cover that still
	// busts the budget falls through to a request for the full span.
	if req, summary, ok := c.coveringSummary(middle); ok {
		view := make([]eventbus.Event, 0, len(middle)+c.cfg.KeepRecent+2)
		view = append(view, first, syntheticSummary(req, summary))
		for _, evt := range middle {
			if evt.ID > req.To {
				view = append(view, evt)
			}
		}
		view = append(view, recent...)
		if req.To == middle[len(middle)-1].ID || estimateTokens(view) <= c.cfg.BudgetTokens {
			return view, nil, nil
		}
	}

	req := Request{From: middle[0].ID, To: middle[len(middle)-1].ID}
	if c.summarizer == nil {
		return nil, &req, nil
	}
	summary, err := c.summarizer.Summarize(ctx, middle)
	if err != nil {
		return nil, nil, fmt.Errorf("summarize events %d-%d: %w", req.From, req.To, err)
	}
	c.RecordSummary(req, summary)

	view := make([]eventbus.Event, 0, c.cfg.KeepRecent+2)
	view = append(view, first, syntheticSummary(req, summary))
	view = append(view, recent...)
	return view, nil, nil
}

// coveringSummary finds the widest recorded summary that starts where the
// middle starts and does not reach past its end.
func (c *Condenser) coveringSummary(middle []eventbus.Event) (Request, string, bool) {
	from := middle[0].ID
	to := middle[len(middle)-1].ID

	c.mu.Lock()
	defer c.mu.Unlock()
	var best Request
	var bestSummary string
	found := false
	for req, summary := range c.summaries {
		if req.From != from || req.To > to {
			continue
		}
		if !found || req.To > best.To {
			best, bestSummary, found = req, summary, true
		}
	}
	return best, bestSummary, found
}

// dropCondenseTraffic removes condense request actions and their result
// events from a history slice.
func dropCondenseTraffic(history []eventbus.Event) []eventbus.Event {
	requests := map[uint64]struct{}{}
	for _, evt := range history {
		if evt.Kind == eventbus.KindAction && evt.Source == eventbus.SourceSystem &&
			evt.Action.Name == ActionName {
			requests[evt.ID] = struct{}{}
		}
	}
	if len(requests) == 0 {
		return history
	}
	out := make([]eventbus.Event, 0, len(history))
	for _, evt := range history {
		if _, ok := requests[evt.ID]; ok {
			continue
		}
		if _, ok := requests[evt.CausedBy]; ok && evt.CausedBy != 0 {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// syntheticSummary builds the stand-in event for a summarized span. It is
// never appended to the ledger; ID 0 marks it as synthetic.
func syntheticSummary(req Request, summary string) eventbus.Event {
	return eventbus.Event{
		Source: eventbus.SourceSystem,
		Kind:   eventbus.KindObservation,
		Observation: &eventbus.Observation{
			Content: summary,
			Extras: map[string]any{
				"condensed":  true,
				"spans_from": req.From,
				"spans_to":   req.To,
			},
		},
	}
}

// estimateTokens approximates the token footprint of events as serialized
// bytes over four.
func estimateTokens(events []eventbus.Event) int {
	total := 0
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			continue
		}
		total += len(data) / 4
	}
	return total
}
