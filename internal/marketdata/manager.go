// Package marketdata owns the quote feeds. It subscribes the configured
// symbols on the primary feed, keeps a per-symbol snapshot with rolling
// volatility and liquidity metrics, monitors freshness, and fails over to
// the next feed when the active one goes stale.
package marketdata

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
)

const (
	staleMarketHours = 5 * time.Second
	staleOffHours    = 5 * time.Minute
	monitorInterval  = time.Second
	symbolQueueSize  = 256
	advLookbackDays  = 20
)

// AlertThresholds hold the trigger levels for MarketAlert events. A zero
// threshold disables that alert kind.
type AlertThresholds struct {
	Volatility1m   float64
	SpreadPct      float64
	PriceChange15m float64
	VolumeRatio    float64
}

// DefaultAlertThresholds are deliberately wide: alerts flag the unusual, not
// the merely busy.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		Volatility1m:   0.01,
		SpreadPct:      0.10,
		PriceChange15m: 0.03,
		VolumeRatio:    3.0,
	}
}

type symbolState struct {
	mu       sync.RWMutex
	snapshot Snapshot
	hasQuote bool

	window *returnWindow
	adv    float64

	// alertHigh tracks which alert kinds are currently over threshold so a
	// sustained breach emits once, on the crossing.
	alertHigh map[string]bool

	queue   chan domain.Quote
	dropped atomic.Int64
}

// Manager distributes quotes from an ordered list of feeds.
type Manager struct {
	feeds      []domain.MarketDataClient
	liquidity  constitution.LiquidityPolicy
	thresholds AlertThresholds
	auditLog   *audit.Log
	events     *events.Manager
	store      *SnapshotStore
	log        zerolog.Logger

	now         func() time.Time
	marketHours func(time.Time) bool
	onDrop      func(symbol string)

	mu           sync.Mutex
	symbols      []string
	states       map[string]*symbolState
	active       int
	lastFailover time.Time

	cancel       context.CancelFunc
	routerCancel context.CancelFunc
	wg           sync.WaitGroup
	routerWG     sync.WaitGroup
}

// NewManager creates the market data manager. feeds are tried in order;
// store may be nil when snapshot persistence is not wanted.
func NewManager(
	feeds []domain.MarketDataClient,
	liquidity constitution.LiquidityPolicy,
	auditLog *audit.Log,
	eventManager *events.Manager,
	store *SnapshotStore,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		feeds:       feeds,
		liquidity:   liquidity,
		thresholds:  DefaultAlertThresholds(),
		auditLog:    auditLog,
		events:      eventManager,
		store:       store,
		log:         log.With().Str("service", "marketdata").Logger(),
		now:         time.Now,
		marketHours: DuringMarketHours,
		states:      make(map[string]*symbolState),
	}
}

// SetClock overrides the clock (used in tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetAlertThresholds replaces the alert trigger levels.
func (m *Manager) SetAlertThresholds(t AlertThresholds) { m.thresholds = t }

// SetMarketHours overrides the market-hours predicate (used in tests).
func (m *Manager) SetMarketHours(fn func(time.Time) bool) { m.marketHours = fn }

// SetDropHook registers a callback invoked from the router goroutine each
// time a quote is displaced on queue overflow. Set before Start.
func (m *Manager) SetDropHook(fn func(symbol string)) { m.onDrop = fn }

// DroppedQuotes returns how many quotes the symbol's queue has displaced
// since start.
func (m *Manager) DroppedQuotes(symbol string) int64 {
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return st.dropped.Load()
}

// ActiveFeed returns the name of the feed currently serving quotes.
func (m *Manager) ActiveFeed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeds[m.active].Name()
}

// Start subscribes the symbols on the primary feed and launches the
// distribution workers and the freshness monitor.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	if len(m.feeds) == 0 {
		return domain.NewError(domain.ErrConfig, "no market data feeds configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.Lock()
	m.symbols = append([]string(nil), symbols...)
	for _, symbol := range symbols {
		st := &symbolState{
			window:    newReturnWindow(15 * time.Minute),
			alertHigh: make(map[string]bool),
			queue:     make(chan domain.Quote, symbolQueueSize),
		}
		m.states[symbol] = st
	}
	feed := m.feeds[m.active]
	m.mu.Unlock()

	if m.store != nil {
		m.restoreSnapshots()
	}
	m.loadADVs(runCtx, feed)

	if err := feed.Subscribe(runCtx, symbols); err != nil {
		cancel()
		return domain.WrapError(domain.ErrNoData, err, "failed to subscribe on "+feed.Name())
	}

	for symbol, st := range m.states {
		m.wg.Add(1)
		go m.symbolWorker(runCtx, symbol, st)
	}
	m.startRouter(runCtx, feed)

	m.wg.Add(1)
	go m.monitor(runCtx)

	m.log.Info().Int("symbols", len(symbols)).Str("feed", feed.Name()).
		Msg("Market data manager started")
	return nil
}

// Stop shuts down the workers and persists the snapshots.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.routerWG.Wait()
	m.wg.Wait()

	if err := m.PersistSnapshots(); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist market snapshots")
	}
	m.log.Info().Msg("Market data manager stopped")
}

// Healthy reports feed health: the manager is running and, when symbols
// are tracked and have quoted, at least one quote is younger than twice
// the stale threshold.
func (m *Manager) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return domain.NewError(domain.ErrInvalidData, "market data manager not started")
	}
	if len(m.states) == 0 {
		return nil
	}

	now := m.now()
	var freshest time.Time
	quoted := false
	for _, st := range m.states {
		if !st.hasQuote {
			continue
		}
		quoted = true
		if st.snapshot.UpdatedAt.After(freshest) {
			freshest = st.snapshot.UpdatedAt
		}
	}
	if !quoted {
		return nil
	}
	if age := now.Sub(freshest); age > 2*m.StaleThreshold(now) {
		return domain.Errorf(domain.ErrDataStale, "freshest quote is %s old", age.Round(time.Second))
	}
	return nil
}

// PersistSnapshots writes the current snapshots to the store. A no-op when
// no store is configured.
func (m *Manager) PersistSnapshots() error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.AllSnapshots())
}

// Spot returns the latest quote for a symbol. Consumers judge freshness from
// the quote's own timestamp.
func (m *Manager) Spot(symbol string) (domain.Quote, bool) {
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()
	if !ok {
		return domain.Quote{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.hasQuote {
		return domain.Quote{}, false
	}
	return st.snapshot.Quote, true
}

// Snapshot returns the full derived view of one symbol.
func (m *Manager) Snapshot(symbol string) (Snapshot, bool) {
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot, st.hasQuote
}

// AllSnapshots returns the current snapshot of every tracked symbol.
func (m *Manager) AllSnapshots() []Snapshot {
	m.mu.Lock()
	states := make([]*symbolState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		if st.hasQuote {
			out = append(out, st.snapshot)
		}
		st.mu.RUnlock()
	}
	return out
}

// Liquidity derives the liquidity inputs the rules engine checks before an
// open: open interest, daily volume, spread and ADV.
func (m *Manager) Liquidity(symbol string) (oi int64, volume int64, spreadPct, adv float64, ok bool) {
	m.mu.Lock()
	st, found := m.states[symbol]
	m.mu.Unlock()
	if !found {
		return 0, 0, 0, 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.hasQuote {
		return 0, 0, 0, 0, false
	}
	q := st.snapshot.Quote
	return q.OpenInterest, q.Volume, st.snapshot.SpreadPct, st.adv, true
}

// startRouter launches the goroutine that moves quotes from the active feed
// into the per-symbol queues. A full queue drops the oldest quote: the
// snapshot only ever needs the newest.
func (m *Manager) startRouter(ctx context.Context, feed domain.MarketDataClient) {
	routerCtx, cancel := context.WithCancel(ctx)
	m.routerCancel = cancel

	m.routerWG.Add(1)
	go func() {
		defer m.routerWG.Done()
		quotes := feed.Quotes()
		for {
			select {
			case <-routerCtx.Done():
				return
			case q, open := <-quotes:
				if !open {
					return
				}
				m.mu.Lock()
				st, ok := m.states[q.Symbol]
				m.mu.Unlock()
				if !ok {
					continue
				}
				m.enqueueQuote(st, q)
			}
		}
	}()
}

// enqueueQuote places a quote on the symbol's queue, displacing the oldest
// on overflow. Every displaced quote counts against the symbol and fires the
// drop hook.
func (m *Manager) enqueueQuote(st *symbolState, q domain.Quote) {
	for {
		select {
		case st.queue <- q:
			return
		default:
			select {
			case <-st.queue:
				st.dropped.Add(1)
				if m.onDrop != nil {
					m.onDrop(q.Symbol)
				}
			default:
			}
		}
	}
}

// symbolWorker is the single writer for one symbol's snapshot.
func (m *Manager) symbolWorker(ctx context.Context, symbol string, st *symbolState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-st.queue:
			m.applyQuote(symbol, st, q)
		}
	}
}

func (m *Manager) applyQuote(symbol string, st *symbolState, q domain.Quote) {
	now := m.now()

	st.mu.Lock()
	// Out-of-order quotes (a failover replay, a late packet) never move the
	// snapshot backwards.
	if st.hasQuote && q.Timestamp.Before(st.snapshot.Quote.Timestamp) {
		st.mu.Unlock()
		return
	}

	mid := q.Mid()
	st.window.add(q.Timestamp, mid)

	snap := Snapshot{
		Quote:          q,
		Mid:            mid,
		SpreadPct:      q.SpreadPct(),
		RealizedVol1m:  st.window.realizedVol(q.Timestamp, time.Minute),
		RealizedVol5m:  st.window.realizedVol(q.Timestamp, 5*time.Minute),
		RealizedVol15m: st.window.realizedVol(q.Timestamp, 15*time.Minute),
		Feed:           q.Venue,
		UpdatedAt:      now,
	}
	if st.adv > 0 {
		snap.VolumeRatio = float64(q.Volume) / st.adv
	}
	snap.LiquidityScore = m.liquidityScore(q, snap.SpreadPct)
	priceChange := st.window.priceChange(q.Timestamp, 15*time.Minute)

	st.snapshot = snap
	st.hasQuote = true
	st.mu.Unlock()

	m.checkAlerts(symbol, st, snap, priceChange)
}

// liquidityScore folds open interest, volume and spread into [0, 1]. Each
// input saturates at twice its policy floor (or half the spread ceiling) so
// a deep book cannot mask a wide spread.
func (m *Manager) liquidityScore(q domain.Quote, spreadPct float64) float64 {
	score := 0.0
	parts := 0

	if m.liquidity.MinOpenInterest > 0 {
		score += math.Min(1, float64(q.OpenInterest)/float64(2*m.liquidity.MinOpenInterest))
		parts++
	}
	if m.liquidity.MinDailyVolume > 0 {
		score += math.Min(1, float64(q.Volume)/float64(2*m.liquidity.MinDailyVolume))
		parts++
	}
	if m.liquidity.MaxSpreadPct > 0 {
		score += 1 - math.Min(1, spreadPct/m.liquidity.MaxSpreadPct)
		parts++
	}
	if parts == 0 {
		return 0
	}
	return score / float64(parts)
}

func (m *Manager) checkAlerts(symbol string, st *symbolState, snap Snapshot, priceChange float64) {
	type check struct {
		kind      string
		value     float64
		threshold float64
	}
	checks := []check{
		{"volatility", snap.RealizedVol1m, m.thresholds.Volatility1m},
		{"spread", snap.SpreadPct, m.thresholds.SpreadPct},
		{"price_change", math.Abs(priceChange), m.thresholds.PriceChange15m},
		{"volume", snap.VolumeRatio, m.thresholds.VolumeRatio},
	}

	for _, c := range checks {
		if c.threshold <= 0 {
			continue
		}
		over := c.value >= c.threshold

		st.mu.Lock()
		wasOver := st.alertHigh[c.kind]
		st.alertHigh[c.kind] = over
		st.mu.Unlock()

		if over && !wasOver {
			m.log.Warn().Str("symbol", symbol).Str("kind", c.kind).
				Float64("value", c.value).Float64("threshold", c.threshold).
				Msg("Market alert")
			m.events.Emit(events.MarketAlert, "marketdata", &events.MarketAlertData{
				Symbol:    symbol,
				Kind:      c.kind,
				Value:     c.value,
				Threshold: c.threshold,
			})
		}
	}
}

// monitor watches per-symbol staleness and rotates feeds when the active one
// stops delivering.
func (m *Manager) monitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkFreshness(ctx)
		}
	}
}

// StaleThreshold returns the freshness bound in force at the given instant.
func (m *Manager) StaleThreshold(at time.Time) time.Duration {
	if m.marketHours(at) {
		return staleMarketHours
	}
	return staleOffHours
}

func (m *Manager) checkFreshness(ctx context.Context) {
	now := m.now()
	threshold := m.StaleThreshold(now)

	var staleSymbol string
	var staleness time.Duration
	m.mu.Lock()
	for symbol, st := range m.states {
		st.mu.RLock()
		if st.hasQuote {
			if age := now.Sub(st.snapshot.UpdatedAt); age > threshold && age > staleness {
				staleSymbol, staleness = symbol, age
			}
		}
		st.mu.RUnlock()
	}
	// One rotation per staleness episode: wait a full threshold after the
	// previous failover before judging the replacement feed. Claiming the
	// slot here keeps a concurrent check from rotating twice.
	tooSoon := now.Sub(m.lastFailover) <= threshold
	if staleSymbol != "" && !tooSoon {
		m.lastFailover = now
	}
	m.mu.Unlock()

	if staleSymbol == "" || tooSoon {
		return
	}
	m.failover(ctx, staleSymbol, staleness)
}

func (m *Manager) failover(ctx context.Context, symbol string, staleness time.Duration) {
	m.mu.Lock()
	from := m.feeds[m.active]
	next := (m.active + 1) % len(m.feeds)
	to := m.feeds[next]
	single := len(m.feeds) == 1
	if !single {
		m.active = next
	}
	symbols := append([]string(nil), m.symbols...)
	m.mu.Unlock()

	event := &events.FeedDegradedData{
		Symbol:       symbol,
		FromFeed:     from.Name(),
		StalenessSec: staleness.Seconds(),
	}
	if !single {
		event.ToFeed = to.Name()
	}

	m.log.Warn().Str("symbol", symbol).Str("from", from.Name()).
		Dur("staleness", staleness).Bool("switched", !single).
		Msg("Feed degraded")

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindMarketEvent,
		Actor:      "marketdata",
		SubjectIDs: []string{symbol},
		Payload: map[string]interface{}{
			"event":         "feed_degraded",
			"from_feed":     from.Name(),
			"to_feed":       event.ToFeed,
			"staleness_sec": staleness.Seconds(),
		},
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit feed degradation")
	}
	m.events.Emit(events.FeedDegraded, "marketdata", event)

	if single {
		return
	}

	if m.routerCancel != nil {
		m.routerCancel()
	}
	m.routerWG.Wait()

	if err := from.Unsubscribe(ctx, symbols); err != nil {
		m.log.Warn().Err(err).Str("feed", from.Name()).Msg("Unsubscribe on degraded feed failed")
	}
	if err := to.Subscribe(ctx, symbols); err != nil {
		m.log.Error().Err(err).Str("feed", to.Name()).Msg("Subscribe on replacement feed failed")
	}
	m.startRouter(ctx, to)
}

// loadADVs fetches the N-day average daily volume per symbol, best effort.
// Symbols without history simply report no volume ratio.
func (m *Manager) loadADVs(ctx context.Context, feed domain.MarketDataClient) {
	for symbol, st := range m.states {
		bars, err := feed.HistoricalBars(ctx, symbol, m.now(), advLookbackDays)
		if err != nil || len(bars) == 0 {
			m.log.Debug().Str("symbol", symbol).Err(err).Msg("No ADV history")
			continue
		}
		total := int64(0)
		for _, b := range bars {
			total += b.Volume
		}
		st.adv = float64(total) / float64(len(bars))
	}
}

// restoreSnapshots seeds the symbol states with the persisted snapshots so a
// restart has last-known marks before the first live quote.
func (m *Manager) restoreSnapshots() {
	snaps, err := m.store.Load()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to load persisted snapshots")
		return
	}
	for _, snap := range snaps {
		st, ok := m.states[snap.Quote.Symbol]
		if !ok {
			continue
		}
		st.snapshot = snap
		st.hasQuote = true
	}
	m.log.Info().Int("restored", len(snaps)).Msg("Restored market snapshots")
}

// nyse is the exchange calendar's home timezone.
var nyse = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// DuringMarketHours reports whether t falls inside regular trading hours,
// 09:30-16:00 New York, Monday through Friday. Exchange holidays are treated
// as open; the off-hours threshold merely loosens, so a holiday is harmless.
func DuringMarketHours(t time.Time) bool {
	local := t.In(nyse)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
