package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSleeve_Valid(t *testing.T) {
	assert.True(t, SleeveGen.Valid())
	assert.True(t, SleeveRev.Valid())
	assert.True(t, SleeveCom.Valid())
	assert.False(t, Sleeve("HEDGE").Valid())
	assert.False(t, Sleeve("").Valid())
}

func TestProtocolLevel_String(t *testing.T) {
	assert.Equal(t, "L0", LevelL0.String())
	assert.Equal(t, "L3", LevelL3.String())
	assert.Equal(t, "Unknown", ProtocolLevel(9).String())
}

func TestAccount_AvailableCapital(t *testing.T) {
	acc := Account{
		CurrentValue:    decimal.NewFromInt(100000),
		ReservedCapital: decimal.NewFromInt(42500),
	}
	assert.True(t, acc.AvailableCapital().Equal(decimal.NewFromInt(57500)))
}

func TestPosition_Notional(t *testing.T) {
	pos := Position{Strategy: StrategyCSP, Quantity: -10, Strike: 450}
	assert.Equal(t, 450000.0, pos.Notional())

	stock := Position{Strategy: StrategyStock, Quantity: 200, EntryPrice: 50}
	assert.Equal(t, 10000.0, stock.Notional())
}

func TestPosition_DTE(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	pos := Position{Expiry: now.AddDate(0, 0, 30)}
	assert.Equal(t, 30, pos.DTE(now))
}

func TestQuote_SpreadAndMid(t *testing.T) {
	q := Quote{Bid: 2.48, Ask: 2.52, Last: 2.51}
	assert.InDelta(t, 2.50, q.Mid(), 1e-9)
	assert.InDelta(t, 0.04, q.Spread(), 1e-9)
	assert.InDelta(t, 0.016, q.SpreadPct(), 1e-9)

	// One-sided quote falls back to last
	oneSided := Quote{Bid: 0, Ask: 2.52, Last: 2.51}
	assert.Equal(t, 2.51, oneSided.Mid())
	assert.Equal(t, 0.0, oneSided.Spread())
}

func TestCodedError_IsAndCode(t *testing.T) {
	inner := NewError(ErrDataStale, "quote too old")
	wrapped := WrapError(ErrTimeout, inner, "fetch failed")

	assert.Equal(t, ErrTimeout, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, NewError(ErrTimeout, "")))
	assert.True(t, errors.Is(wrapped, NewError(ErrDataStale, "")))
	assert.False(t, errors.Is(wrapped, NewError(ErrBrokerReject, "")))
}

func TestCodedError_Recoverable(t *testing.T) {
	assert.False(t, ErrConfig.Recoverable())
	assert.False(t, ErrInvariant.Recoverable())
	assert.True(t, ErrRuleViolation.Recoverable())
	assert.True(t, ErrBackpressure.Recoverable())
}

func TestWrapError_NilPassthrough(t *testing.T) {
	assert.Nil(t, WrapError(ErrTimeout, nil, "no-op"))
}
