// Package work runs the system's background tasks: ATR cache refresh,
// broker reconciliation, snapshot persistence and backups. Tasks execute
// one at a time through a single processor so background I/O never
// competes with itself, with per-item timeouts and bounded retries.
package work

import (
	"context"
	"time"
)

// Timeout is the maximum duration one work item may run.
const Timeout = 2 * time.Minute

// MaxAttempts bounds retries for a failing work item.
const MaxAttempts = 3

// Priority orders work types when several items are queued.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Timing restricts when a work type may run relative to market hours.
type Timing int

const (
	// AnyTime runs regardless of market state.
	AnyTime Timing = iota
	// MarketOpen runs only while the market is open.
	MarketOpen
	// MarketClosed runs only while the market is closed.
	MarketClosed
)

// Type describes one registered kind of background work.
type Type struct {
	ID       string
	Priority Priority
	Timing   Timing
	// Interval is how often the task is due. Zero means on demand only.
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Item is one queued execution of a work type.
type Item struct {
	Type       *Type
	Attempts   int
	EnqueuedAt time.Time
}
