// Package stuckloop inspects recent session history for degenerate
// repetition. Detection is advisory: the detector never mutates state, the
// controller decides what a positive result means.
package stuckloop

import (
	"fmt"

	"github.com/coralane/drover/internal/eventbus"
)

// Config tunes the detector. Thresholds are policy, not constants; zero
// values select defaults.
type Config struct {
	// Window is how many trailing history events are inspected.
	Window int
	// RepeatThreshold flags N identical consecutive action/observation
	// steps. The Nth repetition triggers, not the N+1th.
	RepeatThreshold int
	// CycleRepeats flags a short action sequence repeated this many
	// times in full.
	CycleRepeats int
	// MaxCycleLen bounds the cycle lengths considered.
	MaxCycleLen int
}

const (
	DefaultWindow          = 12
	DefaultRepeatThreshold = 3
	DefaultCycleRepeats    = 2
	DefaultMaxCycleLen     = 4
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = DefaultRepeatThreshold
	}
	if c.CycleRepeats <= 0 {
		c.CycleRepeats = DefaultCycleRepeats
	}
	if c.MaxCycleLen <= 0 {
		c.MaxCycleLen = DefaultMaxCycleLen
	}
	return c
}

// Result is the detector's verdict.
type Result struct {
	Stuck  bool
	Reason string
}

// step is one completed action/observation pair.
type step struct {
	action      *eventbus.Action
	observation string
}

func (s step) equal(other step) bool {
	return s.action.Equal(other.action) && s.observation == other.observation
}

// Detect is a pure function over history. It pairs policy actions with
// their results via caused_by and looks for either an identical step
// repeated RepeatThreshold times or a short cycle repeated in full.
func Detect(history []eventbus.Event, cfg Config) Result {
	cfg = cfg.withDefaults()
	if len(history) > cfg.Window {
		history = history[len(history)-cfg.Window:]
	}
	steps := pairSteps(history)

	if n := cfg.RepeatThreshold; len(steps) >= n {
		tail := steps[len(steps)-n:]
		same := true
		for i := 1; i < len(tail); i++ {
			if !tail[i].equal(tail[0]) {
				same = false
				break
			}
		}
		if same {
			return Result{
				Stuck:  true,
				Reason: fmt.Sprintf("action %q repeated %d times with unchanged results", tail[0].action.Name, n),
			}
		}
	}

	for length := 2; length <= cfg.MaxCycleLen; length++ {
		span := length * cfg.CycleRepeats
		if len(steps) < span {
			break
		}
		tail := steps[len(steps)-span:]
		cycling := true
		for i := length; i < span; i++ {
			if !tail[i].equal(tail[i-length]) {
				cycling = false
				break
			}
		}
		if cycling {
			return Result{
				Stuck:  true,
				Reason: fmt.Sprintf("sequence of %d actions repeated %d times", length, cfg.CycleRepeats),
			}
		}
	}

	return Result{}
}

func pairSteps(history []eventbus.Event) []step {
	results := map[uint64]string{}
	for _, evt := range history {
		if evt.CausedBy == 0 {
			continue
		}
		switch evt.Kind {
		case eventbus.KindObservation:
			results[evt.CausedBy] = evt.Observation.Content
		case eventbus.KindError:
			results[evt.CausedBy] = evt.Error.Message
		}
	}

	var steps []step
	for _, evt := range history {
		if evt.Kind != eventbus.KindAction || evt.Source != eventbus.SourcePolicy {
			continue
		}
		if evt.Action.AwaitingConfirmation || evt.Action.Terminal {
			continue
		}
		obs, done := results[evt.ID]
		if !done {
			continue
		}
		steps = append(steps, step{action: evt.Action, observation: obs})
	}
	return steps
}
