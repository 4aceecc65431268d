// Package domain contains the core entities and contracts shared by all
// Warden components. The domain layer is pure: no infrastructure imports,
// no suspension points, no logging.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sleeve identifies one of the three account categories. Each sleeve carries
// its own permitted instruments, delta/DTE bands and weekly schedule in the
// Constitution.
type Sleeve string

const (
	SleeveGen Sleeve = "GEN"
	SleeveRev Sleeve = "REV"
	SleeveCom Sleeve = "COM"
)

// Valid reports whether the sleeve is one of the three known categories.
func (s Sleeve) Valid() bool {
	switch s {
	case SleeveGen, SleeveRev, SleeveCom:
		return true
	}
	return false
}

// AccountState is the lifecycle state of an account.
type AccountState string

const (
	AccountSafe      AccountState = "SAFE"
	AccountActive    AccountState = "ACTIVE"
	AccountForking   AccountState = "FORKING"
	AccountMerging   AccountState = "MERGING"
	AccountSuspended AccountState = "SUSPENDED"
)

// Strategy identifies the option strategy of a position.
type Strategy string

const (
	StrategyCSP      Strategy = "CSP"
	StrategyCC       Strategy = "CC"
	StrategyLeapCall Strategy = "LEAP_CALL"
	StrategyLeapPut  Strategy = "LEAP_PUT"
	StrategyStock    Strategy = "STOCK"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen     PositionStatus = "OPEN"
	PositionClosed   PositionStatus = "CLOSED"
	PositionAssigned PositionStatus = "ASSIGNED"
	PositionExpired  PositionStatus = "EXPIRED"
	PositionRolled   PositionStatus = "ROLLED"
)

// ProtocolLevel is the defensive escalation level of an open position.
// Higher levels mean tighter monitoring and a closer-to-exit posture.
type ProtocolLevel int

const (
	LevelL0 ProtocolLevel = iota
	LevelL1
	LevelL2
	LevelL3
)

// String returns the canonical level name.
func (l ProtocolLevel) String() string {
	switch l {
	case LevelL0:
		return "L0"
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	default:
		return "Unknown"
	}
}

// PendingAction is the defensive action queued for a position by the
// Protocol Engine.
type PendingAction string

const (
	ActionNone        PendingAction = "NONE"
	ActionPrepareRoll PendingAction = "PREPARE_ROLL"
	ActionExecuteRoll PendingAction = "EXECUTE_ROLL"
	ActionExit        PendingAction = "EXIT"
)

// Account is a capital sleeve instance. Accounts form a tree via ParentID;
// the tree is addressed by stable ids, never by pointers.
//
// Invariants (enforced by the account manager):
//   - ReservedCapital <= CurrentValue
//   - AvailableCapital() == CurrentValue - ReservedCapital
//   - at most one of FORKING/MERGING at a time
//   - SAFE blocks new position opens
type Account struct {
	ID              string
	Sleeve          Sleeve
	ParentID        *string
	State           AccountState
	InitialCapital  decimal.Decimal
	CurrentValue    decimal.Decimal
	ReservedCapital decimal.Decimal
	ForkCount       int
	CreatedAt       time.Time
	LastActivity    time.Time
}

// AvailableCapital is the capital not held by reservations.
func (a *Account) AvailableCapital() decimal.Decimal {
	return a.CurrentValue.Sub(a.ReservedCapital)
}

// Position is an open or historical option/stock position owned by an account.
type Position struct {
	ID            string
	AccountID     string
	Symbol        string
	Strategy      Strategy
	Quantity      int // signed: short options are negative
	Strike        float64
	Expiry        time.Time
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	Status        PositionStatus
	ProtocolLevel ProtocolLevel
	ATRAtEntry    float64
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// DTE returns days-to-expiry at the given instant, truncated to whole days.
func (p *Position) DTE(now time.Time) int {
	return int(p.Expiry.Sub(now).Hours() / 24)
}

// Notional returns the contract notional (quantity x 100 x strike) for
// option positions, quantity x price for stock.
func (p *Position) Notional() float64 {
	qty := float64(p.Quantity)
	if qty < 0 {
		qty = -qty
	}
	if p.Strategy == StrategyStock {
		return qty * p.EntryPrice
	}
	return qty * 100 * p.Strike
}

// SystemPosture is the top-level operating posture of the whole core.
type SystemPosture string

const (
	PostureActive SystemPosture = "ACTIVE"
	PostureSafe   SystemPosture = "SAFE"
)

// HealthStatus is the aggregated or per-component health classification.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)
