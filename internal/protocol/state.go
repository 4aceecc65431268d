package protocol

import (
	"time"

	"github.com/aristath/warden/internal/domain"
)

// State is the per-position escalation state. The engine owns one State per
// tracked open position; removal of the position cancels the state.
type State struct {
	PositionID    string
	Symbol        string
	Level         domain.ProtocolLevel
	PendingAction domain.PendingAction

	// Last known market inputs and when they were refreshed.
	LastSpot      float64
	SpotAt        time.Time
	LastATR       float64
	ATRConfidence float64
	ATRAt         time.Time

	// belowSince tracks how long the breach has been below the current
	// level's threshold; de-escalation requires one full interval at the
	// target cadence.
	belowSince   time.Time
	belowTarget  domain.ProtocolLevel
	EnteredLevel time.Time
}

// BreachMagnitude returns how far the spot has moved through the strike:
// max(0, K-S) for puts, max(0, S-K) for calls. Strategies without a short
// strike have no breach.
func BreachMagnitude(strategy domain.Strategy, spot, strike float64) float64 {
	var b float64
	switch strategy {
	case domain.StrategyCSP, domain.StrategyLeapPut:
		b = strike - spot
	case domain.StrategyCC, domain.StrategyLeapCall:
		b = spot - strike
	default:
		return 0
	}
	if b < 0 {
		return 0
	}
	return b
}

// BreachMultiple returns the breach magnitude in ATR units, 0 when the ATR
// is not positive.
func BreachMultiple(strategy domain.Strategy, spot, strike, atr float64) float64 {
	if atr <= 0 {
		return 0
	}
	return BreachMagnitude(strategy, spot, strike) / atr
}

// levelThresholds maps breach multiples to levels. Boundaries belong to the
// higher level: a multiple of exactly 1.0 is L1.
type levelThresholds struct {
	l1, l2, l3 float64
}

func (t levelThresholds) levelFor(multiple float64) domain.ProtocolLevel {
	switch {
	case multiple >= t.l3:
		return domain.LevelL3
	case multiple >= t.l2:
		return domain.LevelL2
	case multiple >= t.l1:
		return domain.LevelL1
	default:
		return domain.LevelL0
	}
}

// actionForLevel returns the pending action an escalation to the level
// queues: L2 prepares a roll, L3 demands an exit.
func actionForLevel(level domain.ProtocolLevel) domain.PendingAction {
	switch level {
	case domain.LevelL2:
		return domain.ActionPrepareRoll
	case domain.LevelL3:
		return domain.ActionExit
	default:
		return domain.ActionNone
	}
}
