package domain

import (
	"context"
	"time"
)

// Quote is a normalized market quote for one symbol. OpenInterest is only
// meaningful for option symbols.
type Quote struct {
	Symbol       string
	Timestamp    time.Time
	Bid          float64
	Ask          float64
	Last         float64
	Volume       int64
	OpenInterest int64
	Venue        string
}

// Mid returns the bid/ask midpoint, falling back to Last when one side is
// missing.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Spread returns the absolute bid/ask spread.
func (q *Quote) Spread() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// SpreadPct returns the spread as a fraction of mid (0 when mid is 0).
func (q *Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return q.Spread() / mid
}

// Staleness returns the age of the quote at the given instant.
func (q *Quote) Staleness(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Bar is a daily OHLC bar used by the ATR service.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// MarketDataClient is one market-data source for a symbol set. The manager
// holds an ordered list of these and fails over between them.
type MarketDataClient interface {
	// Name identifies the source in logs and audit records.
	Name() string

	// Quality is the source's self-reported quality score in [0.7, 1.0].
	Quality() float64

	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	// Quotes returns the quote stream. Timestamps are monotonic per symbol.
	Quotes() <-chan Quote

	// HistoricalBars returns count daily bars ending at end, oldest first.
	HistoricalBars(ctx context.Context, symbol string, end time.Time, count int) ([]Bar, error)
}
