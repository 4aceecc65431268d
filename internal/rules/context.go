package rules

import (
	"time"

	"github.com/aristath/warden/internal/domain"
)

// Action identifies what is being proposed to the rules engine.
type Action string

const (
	ActionOpenPosition    Action = "open_position"
	ActionClosePosition   Action = "close_position"
	ActionRollPosition    Action = "roll_position"
	ActionForkAccount     Action = "fork_account"
	ActionDeployHedge     Action = "deploy_hedge"
	ActionDeployLadder    Action = "deploy_ladder"
	ActionStateTransition Action = "state_transition"
)

// LiquiditySnapshot carries the market liquidity figures for the pre-trade
// guards. The Market Data Manager fills this from its latest quotes.
type LiquiditySnapshot struct {
	OpenInterest       int64
	DailyVolume        int64
	SpreadPct          float64
	AverageDailyVolume int64
}

// OpenContext describes a proposed position open.
type OpenContext struct {
	AccountID     string
	ClientOrderID string
	Sleeve        domain.Sleeve
	Symbol        string
	Strategy      domain.Strategy
	Delta         float64
	DTE           int
	Quantity      int
	Strike        float64
	When          time.Time
	Liquidity     LiquiditySnapshot

	// Capital figures for utilization and exposure checks, in account
	// currency. DeployedCapital includes reservations.
	AccountValue    float64
	DeployedCapital float64
	SymbolExposure  float64
}

// Notional returns the capital the open would commit.
func (c OpenContext) Notional() float64 {
	qty := float64(c.Quantity)
	if qty < 0 {
		qty = -qty
	}
	return qty * 100 * c.Strike
}

func (c OpenContext) subjects() []string {
	subjects := []string{c.AccountID, c.Symbol}
	if c.ClientOrderID != "" {
		subjects = append(subjects, c.ClientOrderID)
	}
	return subjects
}

// CloseContext describes a proposed position close. ClientOrderID is the
// exit order's id, minted before evaluation so the approval names the order
// it covers.
type CloseContext struct {
	AccountID     string
	PositionID    string
	ClientOrderID string
	Symbol        string
	Reason        string
}

func (c CloseContext) subjects() []string {
	subjects := []string{c.AccountID, c.PositionID}
	if c.ClientOrderID != "" {
		subjects = append(subjects, c.ClientOrderID)
	}
	return subjects
}

// RollContext describes a proposed roll of an open position.
type RollContext struct {
	PositionID      string
	Sleeve          domain.Sleeve
	RollCost        float64
	RemainingCredit float64
	NewDelta        float64
	NewDTE          int
}

func (c RollContext) subjects() []string { return []string{c.PositionID} }

// ForkContext describes a proposed account fork.
type ForkContext struct {
	AccountID      string
	Sleeve         domain.Sleeve
	State          domain.AccountState
	CurrentValue   float64
	ForkInProgress bool
	ForkCount      int
}

func (c ForkContext) subjects() []string { return []string{c.AccountID} }

// HedgeContext describes a proposed tail-hedge deployment. ClientOrderID is
// minted before evaluation so the approval names the hedge order.
type HedgeContext struct {
	AccountID      string
	ClientOrderID  string
	InstrumentKind string
	VIX            float64
	DTE            int

	// Budget figures: hedge spend so far, the proposed premium, and the
	// portfolio value the budget band is measured against.
	PortfolioValue float64
	HedgeSpend     float64
	ProposedCost   float64
}

func (c HedgeContext) subjects() []string {
	subjects := []string{c.AccountID, c.InstrumentKind}
	if c.ClientOrderID != "" {
		subjects = append(subjects, c.ClientOrderID)
	}
	return subjects
}

// LadderContext describes one proposed LEAP ladder rung.
type LadderContext struct {
	AccountID     string
	ClientOrderID string
	Symbol        string
	Strategy      domain.Strategy
	Months        int
	Delta         float64
	Budget        float64
}

func (c LadderContext) subjects() []string {
	subjects := []string{c.AccountID, c.Symbol}
	if c.ClientOrderID != "" {
		subjects = append(subjects, c.ClientOrderID)
	}
	return subjects
}

// TransitionContext describes a proposed account state transition.
type TransitionContext struct {
	AccountID string
	From      domain.AccountState
	To        domain.AccountState
}

func (c TransitionContext) subjects() []string { return []string{c.AccountID} }
