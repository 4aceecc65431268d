package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	wardentesting "github.com/aristath/warden/internal/testing"
)

var testLiquidity = constitution.LiquidityPolicy{
	MinOpenInterest: 500,
	MinDailyVolume:  100,
	MaxSpreadPct:    0.05,
	MaxADVFraction:  0.02,
}

type harness struct {
	manager *Manager
	audit   *audit.Log
	bus     *events.Bus
	clock   time.Time
}

func newHarness(t *testing.T, feeds ...domain.MarketDataClient) *harness {
	t.Helper()
	ledgerDB := wardentesting.NewTestLedgerDB(t, "marketdata")
	auditLog, err := audit.NewLog(ledgerDB, "test-1", zerolog.Nop())
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	m := NewManager(feeds, testLiquidity, auditLog, events.NewManager(bus, zerolog.Nop()), nil, zerolog.Nop())

	h := &harness{manager: m, audit: auditLog, bus: bus,
		clock: time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)}
	m.SetClock(func() time.Time { return h.clock })
	m.SetMarketHours(func(time.Time) bool { return true })
	return h
}

// track seeds a symbol state directly so metric tests can drive applyQuote
// without the worker goroutines.
func (h *harness) track(symbol string) *symbolState {
	st := &symbolState{
		window:    newReturnWindow(15 * time.Minute),
		alertHigh: make(map[string]bool),
		queue:     make(chan domain.Quote, 4),
	}
	h.manager.states[symbol] = st
	h.manager.symbols = append(h.manager.symbols, symbol)
	return st
}

func quoteAt(symbol string, at time.Time, bid, ask float64) domain.Quote {
	return domain.Quote{
		Symbol: symbol, Timestamp: at, Bid: bid, Ask: ask,
		Volume: 1000, OpenInterest: 5000, Venue: "primary",
	}
}

func TestReturnWindow_RealizedVol(t *testing.T) {
	base := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	w := newReturnWindow(15 * time.Minute)
	w.add(base, 100)
	w.add(base.Add(30*time.Second), 101)
	w.add(base.Add(60*time.Second), 100)

	vol := w.realizedVol(base.Add(60*time.Second), time.Minute)
	assert.InDelta(t, 0.01407, vol, 1e-4)

	// A window with a single sample has no returns.
	assert.Zero(t, newReturnWindow(time.Minute).realizedVol(base, time.Minute))
}

func TestReturnWindow_PriceChange(t *testing.T) {
	base := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	w := newReturnWindow(15 * time.Minute)
	w.add(base, 100)
	w.add(base.Add(5*time.Minute), 101.5)
	w.add(base.Add(10*time.Minute), 103)

	assert.InDelta(t, 0.03, w.priceChange(base.Add(10*time.Minute), 15*time.Minute), 1e-9)
	// Only the last sample falls inside a one-minute span: no move.
	assert.Zero(t, w.priceChange(base.Add(10*time.Minute), time.Minute))
}

func TestApplyQuote_SnapshotMetrics(t *testing.T) {
	h := newHarness(t)
	st := h.track("SPY")

	q := quoteAt("SPY", h.clock, 100, 100.5)
	h.manager.applyQuote("SPY", st, q)

	snap, ok := h.manager.Snapshot("SPY")
	require.True(t, ok)
	assert.InDelta(t, 100.25, snap.Mid, 1e-9)
	assert.InDelta(t, 0.5/100.25, snap.SpreadPct, 1e-9)
	// OI and volume saturate; the spread term is 1 - spreadPct/0.05.
	expectedScore := (1.0 + 1.0 + (1 - (0.5/100.25)/0.05)) / 3
	assert.InDelta(t, expectedScore, snap.LiquidityScore, 1e-9)

	spot, ok := h.manager.Spot("SPY")
	require.True(t, ok)
	assert.Equal(t, q.Timestamp, spot.Timestamp)
}

func TestApplyQuote_IgnoresOutOfOrder(t *testing.T) {
	h := newHarness(t)
	st := h.track("SPY")

	h.manager.applyQuote("SPY", st, quoteAt("SPY", h.clock, 100, 100.5))
	h.manager.applyQuote("SPY", st, quoteAt("SPY", h.clock.Add(-time.Minute), 90, 90.5))

	snap, ok := h.manager.Snapshot("SPY")
	require.True(t, ok)
	assert.InDelta(t, 100.25, snap.Mid, 1e-9)
}

func TestApplyQuote_VolumeRatio(t *testing.T) {
	h := newHarness(t)
	st := h.track("SPY")
	st.adv = 500

	q := quoteAt("SPY", h.clock, 100, 100.5)
	q.Volume = 1500
	h.manager.applyQuote("SPY", st, q)

	snap, _ := h.manager.Snapshot("SPY")
	assert.InDelta(t, 3.0, snap.VolumeRatio, 1e-9)
}

func TestAlerts_EmitOncePerCrossing(t *testing.T) {
	h := newHarness(t)
	st := h.track("SPY")
	alerts := h.bus.Subscribe(events.MarketAlert)

	wide := quoteAt("SPY", h.clock, 100, 110) // 9.5% spread
	h.manager.applyQuote("SPY", st, wide)

	ev := receiveEvent(t, alerts)
	data := ev.Data.(*events.MarketAlertData)
	assert.Equal(t, "spread", data.Kind)
	assert.Equal(t, "SPY", data.Symbol)

	// Still wide: no second alert.
	wide.Timestamp = h.clock.Add(time.Second)
	h.manager.applyQuote("SPY", st, wide)
	assertNoEvent(t, alerts)

	// Narrow, then wide again: a fresh crossing alerts.
	narrow := quoteAt("SPY", h.clock.Add(2*time.Second), 100, 100.2)
	h.manager.applyQuote("SPY", st, narrow)
	wide.Timestamp = h.clock.Add(3 * time.Second)
	h.manager.applyQuote("SPY", st, wide)
	ev = receiveEvent(t, alerts)
	assert.Equal(t, "spread", ev.Data.(*events.MarketAlertData).Kind)
}

func TestLiquidity_FeedsRuleInputs(t *testing.T) {
	h := newHarness(t)
	st := h.track("SPY")
	st.adv = 250000

	h.manager.applyQuote("SPY", st, quoteAt("SPY", h.clock, 100, 100.5))

	oi, volume, spreadPct, adv, ok := h.manager.Liquidity("SPY")
	require.True(t, ok)
	assert.Equal(t, int64(5000), oi)
	assert.Equal(t, int64(1000), volume)
	assert.InDelta(t, 0.5/100.25, spreadPct, 1e-9)
	assert.Equal(t, 250000.0, adv)

	_, _, _, _, ok = h.manager.Liquidity("UNKNOWN")
	assert.False(t, ok)
}

func TestFailover_RotatesToNextFeed(t *testing.T) {
	primary := wardentesting.NewMockFeed("primary", 1.0)
	backup := wardentesting.NewMockFeed("backup", 0.8)
	h := newHarness(t, primary, backup)
	degraded := h.bus.Subscribe(events.FeedDegraded)

	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx, []string{"SPY"}))
	defer h.manager.Stop()

	primary.Push(quoteAt("SPY", h.clock, 100, 100.5))
	require.Eventually(t, func() bool {
		_, ok := h.manager.Spot("SPY")
		return ok
	}, time.Second, 5*time.Millisecond)

	// The quote goes stale past the market-hours threshold.
	h.clock = h.clock.Add(10 * time.Second)
	h.manager.checkFreshness(ctx)

	assert.Equal(t, "backup", h.manager.ActiveFeed())
	assert.False(t, primary.Subscribed("SPY"))
	assert.True(t, backup.Subscribed("SPY"))

	ev := receiveEvent(t, degraded)
	data := ev.Data.(*events.FeedDegradedData)
	assert.Equal(t, "primary", data.FromFeed)
	assert.Equal(t, "backup", data.ToFeed)
	assert.GreaterOrEqual(t, data.StalenessSec, 10.0)

	records, err := h.audit.Query(audit.Filter{Kinds: []audit.Kind{audit.KindMarketEvent}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "feed_degraded", records[0].Payload["event"])

	// The replacement feed serves quotes.
	q := quoteAt("SPY", h.clock, 101, 101.5)
	q.Venue = "backup"
	backup.Push(q)
	require.Eventually(t, func() bool {
		snap, ok := h.manager.Snapshot("SPY")
		return ok && snap.Feed == "backup"
	}, time.Second, 5*time.Millisecond)
}

func TestFailover_SuppressedDuringCooldown(t *testing.T) {
	primary := wardentesting.NewMockFeed("primary", 1.0)
	backup := wardentesting.NewMockFeed("backup", 0.8)
	h := newHarness(t, primary, backup)

	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx, []string{"SPY"}))
	defer h.manager.Stop()

	primary.Push(quoteAt("SPY", h.clock, 100, 100.5))
	require.Eventually(t, func() bool {
		_, ok := h.manager.Spot("SPY")
		return ok
	}, time.Second, 5*time.Millisecond)

	h.clock = h.clock.Add(10 * time.Second)
	h.manager.checkFreshness(ctx)
	require.Equal(t, "backup", h.manager.ActiveFeed())

	// Immediately stale again: the replacement gets a full threshold to
	// deliver before the next rotation.
	h.manager.checkFreshness(ctx)
	assert.Equal(t, "backup", h.manager.ActiveFeed())
}

func TestStaleThreshold_TracksMarketHours(t *testing.T) {
	h := newHarness(t, wardentesting.NewMockFeed("primary", 1.0))
	h.manager.SetMarketHours(DuringMarketHours)

	// Tuesday 11:00 New York.
	open := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, staleMarketHours, h.manager.StaleThreshold(open))

	// Saturday.
	weekend := time.Date(2025, 6, 7, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, staleOffHours, h.manager.StaleThreshold(weekend))

	// Tuesday 04:00 New York.
	preMarket := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, staleOffHours, h.manager.StaleThreshold(preMarket))
}

func receiveEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
		return events.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEnqueueQuote_CountsDisplacedQuotes(t *testing.T) {
	h := newHarness(t, wardentesting.NewMockFeed("primary", 1.0))
	var hooked []string
	h.manager.SetDropHook(func(symbol string) { hooked = append(hooked, symbol) })
	st := h.track("SPY")

	// Queue capacity is 4: the fifth and sixth quotes displace the oldest.
	for i := 0; i < 6; i++ {
		h.manager.enqueueQuote(st, quoteAt("SPY", h.clock.Add(time.Duration(i)*time.Second), 100, 100.1))
	}

	assert.Equal(t, int64(2), h.manager.DroppedQuotes("SPY"))
	assert.Equal(t, []string{"SPY", "SPY"}, hooked)
	assert.Zero(t, h.manager.DroppedQuotes("QQQ"))

	// The newest quotes survived.
	assert.Len(t, st.queue, 4)
	first := <-st.queue
	assert.Equal(t, h.clock.Add(2*time.Second), first.Timestamp)
}
