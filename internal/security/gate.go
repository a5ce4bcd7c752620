// Package security classifies proposed actions by risk before they reach
// an execution backend.
package security

import (
	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/log"
	"github.com/rs/zerolog"
)

// RiskLevel is the gate's verdict for one action.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// RequiresConfirmation reports whether the level forces a confirmation
// handshake. Unknown is treated exactly like High: absence of a risk
// signal is never treated as safety.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHigh || r == RiskUnknown
}

// Analyzer is the optional external risk classifier.
type Analyzer interface {
	Classify(action *eventbus.Action) (RiskLevel, error)
}

// Gate wraps an Analyzer with the conservative default: no analyzer, or a
// failing one, yields Unknown.
type Gate struct {
	analyzer Analyzer
	logger   zerolog.Logger
}

func NewGate(analyzer Analyzer) *Gate {
	return &Gate{analyzer: analyzer, logger: log.WithComponent("security")}
}

// Classify returns the risk level for the action. Terminal actions carry
// no work and are always Low.
func (g *Gate) Classify(action *eventbus.Action) RiskLevel {
	if action == nil {
		return RiskUnknown
	}
	if action.Terminal {
		return RiskLow
	}
	if g == nil || g.analyzer == nil {
		return RiskUnknown
	}
	level, err := g.analyzer.Classify(action)
	if err != nil {
		g.logger.Warn().Err(err).Str("action", action.Name).Msg("analyzer failed, defaulting to unknown")
		return RiskUnknown
	}
	switch level {
	case RiskLow, RiskMedium, RiskHigh, RiskUnknown:
		return level
	default:
		return RiskUnknown
	}
}
