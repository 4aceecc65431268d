// Package di builds the full service graph. Construction is staged:
// databases, then the Constitution and the audit log, then market plumbing,
// then the decision services, then the lifecycle wrappers. A failure at any
// stage closes everything already opened.
package di

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/warden/internal/accounts"
	"github.com/aristath/warden/internal/atr"
	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/clients/paperbroker"
	"github.com/aristath/warden/internal/clients/wsbroker"
	"github.com/aristath/warden/internal/clients/wsfeed"
	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/execution"
	"github.com/aristath/warden/internal/hedging"
	"github.com/aristath/warden/internal/llms"
	"github.com/aristath/warden/internal/marketdata"
	"github.com/aristath/warden/internal/metrics"
	"github.com/aristath/warden/internal/orchestrator"
	"github.com/aristath/warden/internal/portfolio"
	"github.com/aristath/warden/internal/protocol"
	"github.com/aristath/warden/internal/reliability"
	"github.com/aristath/warden/internal/rules"
	"github.com/aristath/warden/internal/scheduler"
	"github.com/aristath/warden/internal/server"
	"github.com/aristath/warden/internal/work"
)

// vixSymbol is the volatility index the posture triggers read.
const vixSymbol = "VIX"

// devSlippage is the paper broker's fill slippage in dev mode.
const devSlippage = 0.0005

// probeTimeout bounds broker heartbeat probes.
const probeTimeout = 5 * time.Second

// Container holds every constructed service.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger
	Doc    *constitution.Document

	LedgerDB *database.DB
	CoreDB   *database.DB
	CacheDB  *database.DB

	Audit   *audit.Log
	Bus     *events.Bus
	Events  *events.Manager
	Metrics *metrics.Metrics

	Feeds      []domain.MarketDataClient
	Broker     domain.BrokerClient
	ATR        *atr.Service
	MarketData *marketdata.Manager

	Rules       *rules.Engine
	AccountRepo *accounts.Repository
	Positions   *portfolio.PositionRepository
	Accounts    *accounts.Manager
	OrderRepo   *execution.OrderRepository
	Execution   *execution.Engine
	Protocol    *protocol.Engine
	Hedging     *hedging.Manager
	LLMS        *llms.Service // nil unless enabled in the Constitution

	Reliability  *reliability.Service
	WorkRegistry *work.Registry
	Work         *work.Processor
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Server       *server.Server

	protocolRunner *protocolRunner

	cancel  context.CancelFunc
	closers []func()
}

// Wire constructs the container. On error everything already built is
// closed; on success the caller owns Close.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	rootCtx, cancel := context.WithCancel(context.Background())
	c := &Container{Config: cfg, Log: log, cancel: cancel}

	stages := []func() error{
		c.wireDocument,
		c.wireDatabases,
		c.wireAudit,
		c.wireEvents,
		c.wireMarket,
		c.wireServices,
		c.wireWork,
		c.wireLifecycle,
	}
	for _, stage := range stages {
		if err := stage(); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.Metrics.Observe(rootCtx, c.Bus)
	return c, nil
}

// Close releases resources in reverse construction order.
func (c *Container) Close() {
	c.cancel()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Container) wireDocument() error {
	doc, err := constitution.Load(c.Config.ConstitutionPath)
	if err != nil {
		return err
	}
	c.Doc = doc
	c.Log.Info().Str("version", doc.Version()).Msg("Constitution loaded")
	return nil
}

func (c *Container) wireDatabases() error {
	specs := []struct {
		target  **database.DB
		name    string
		file    string
		profile database.DatabaseProfile
	}{
		{&c.LedgerDB, "ledger", "ledger.db", database.ProfileLedger},
		{&c.CoreDB, "core", "warden.db", database.ProfileStandard},
		{&c.CacheDB, "cache", "cache.db", database.ProfileCache},
	}
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(c.Config.DataDir, spec.file),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			return err
		}
		*spec.target = db
		c.closers = append(c.closers, func() { _ = db.Close() })
	}
	return nil
}

func (c *Container) wireAudit() error {
	auditLog, err := audit.NewLog(c.LedgerDB, c.Doc.Version(), c.Log)
	if err != nil {
		return err
	}
	c.Audit = auditLog
	return nil
}

func (c *Container) wireEvents() error {
	c.Bus = events.NewBus(c.Log)
	c.Events = events.NewManager(c.Bus, c.Log)
	c.Metrics = metrics.New(c.Log)
	return nil
}

func (c *Container) wireMarket() error {
	if c.Config.FeedWSURL != "" {
		c.Feeds = append(c.Feeds, wsfeed.New("primary", c.Config.FeedWSURL, c.Config.FeedBarsURL, 1.0, c.Log))
	}
	if c.Config.BackupFeedWSURL != "" {
		c.Feeds = append(c.Feeds, wsfeed.New("backup", c.Config.BackupFeedWSURL, c.Config.BackupFeedBarsURL, 0.8, c.Log))
	}
	if len(c.Feeds) == 0 {
		return domain.NewError(domain.ErrConfig, "at least one market data feed url is required")
	}

	c.ATR = atr.NewService(c.Feeds, c.Audit, c.Log)

	store, err := marketdata.NewSnapshotStore(c.CacheDB, c.Log)
	if err != nil {
		return err
	}
	c.MarketData = marketdata.NewManager(c.Feeds, c.Doc.Liquidity(), c.Audit, c.Events, store, c.Log)
	c.MarketData.SetDropHook(func(symbol string) {
		c.Metrics.QuoteDrops.WithLabelValues(symbol).Inc()
	})

	if c.Config.DevMode {
		c.Broker = paperbroker.New(devSlippage, c.Log)
	} else {
		c.Broker = wsbroker.New(c.Config.BrokerWSURL, c.Config.BrokerAPIKey, c.Config.BrokerAPISecret, c.Log)
	}
	return nil
}

func (c *Container) wireServices() error {
	c.Rules = rules.NewEngine(c.Doc, c.Audit, c.Events, c.Log)

	repo, err := accounts.NewRepository(c.CoreDB, c.Log)
	if err != nil {
		return err
	}
	c.AccountRepo = repo

	positions, err := portfolio.NewPositionRepository(c.CoreDB, c.Log)
	if err != nil {
		return err
	}
	c.Positions = positions

	c.Accounts = accounts.NewManager(c.Doc, repo, positions, c.Rules, c.Audit, c.Events, c.Log)

	orderRepo, err := execution.NewOrderRepository(c.CoreDB, c.Log)
	if err != nil {
		return err
	}
	c.OrderRepo = orderRepo
	c.Execution = execution.NewEngine(c.Doc, c.Rules, c.Broker, orderRepo, c.Audit, c.Events, c.Log)

	c.Protocol = protocol.NewEngine(c.Doc, c.ATR, c.Rules, c.MarketData, c.Execution, c.Audit, c.Events, c.Log)
	c.protocolRunner = newProtocolRunner(c.Protocol, positions, c.Log)

	c.Hedging = hedging.NewManager(c.Doc, c.Rules, c.Execution, c.Audit, c.Events, c.Log)
	if c.Doc.LLMS().Enabled {
		c.LLMS = llms.NewService(c.Doc, c.Rules, c.Execution, c.Audit, c.Log)
	}
	return nil
}

func (c *Container) wireWork() error {
	c.Reliability = reliability.NewService(
		[]*database.DB{c.LedgerDB, c.CoreDB}, c.Config.BackupDir, c.Doc.Version(), c.Log)

	c.WorkRegistry = work.NewRegistry()
	work.RegisterATRRefresh(c.WorkRegistry, c.Doc, c.ATR)
	work.RegisterReconciliation(c.WorkRegistry, c.reconcile)
	work.RegisterSnapshotPersist(c.WorkRegistry, c.MarketData)
	work.RegisterBackup(c.WorkRegistry, c.Reliability)
	c.Work = work.NewProcessor(c.WorkRegistry, c.Events, marketdata.DuringMarketHours, c.Log)

	sched, err := scheduler.New(c.Doc, c.Doc.Sleeves(), c.Work, c.Hedging, c.openEntryWindow, c.Log)
	if err != nil {
		return err
	}
	c.Scheduler = sched
	return nil
}

func (c *Container) wireLifecycle() error {
	// Start order is dependency order: the audit log before anything that
	// writes records, feeds and the broker before their consumers, and the
	// execution engine before the protocol runner, which submits exit orders
	// through it.
	components := []orchestrator.Component{
		{Name: "audit", Probe: c.Audit.Healthy},
		{Name: "marketdata", Start: c.startMarketData, Stop: c.MarketData.Stop, Probe: c.MarketData.Healthy},
		{Name: "broker", Start: c.Broker.Connect, Stop: c.stopBroker, Probe: c.probeBroker},
		{Name: "accounts", Start: c.startAccounts},
		{Name: "execution", Start: c.Execution.Start, Stop: c.Execution.Stop, Probe: c.Execution.Healthy},
		{Name: "protocol", Start: c.protocolRunner.Start, Stop: c.protocolRunner.Stop},
		{Name: "work", Start: c.startWork, Stop: c.Work.Stop, Probe: c.Work.Healthy},
		{Name: "scheduler", Start: c.startScheduler, Stop: c.Scheduler.Stop},
		orchestrator.HostComponent(0),
	}
	c.Orchestrator = orchestrator.New(
		components, c.Audit, c.Events, c.Metrics, c.Accounts, c.Hedging, c.vix, c.Log)

	c.Server = server.New(server.Config{
		Log:                 c.Log,
		Port:                c.Config.Port,
		ConstitutionVersion: c.Doc.Version(),
		System:              c.Orchestrator,
		Accounts:            c.Accounts,
		Positions:           c.Positions,
		Market:              c.MarketData,
		Orders:              c.Execution,
		Audit:               c.Audit,
		Work:                c.Work,
		Backups:             c.Reliability,
		Metrics:             c.Metrics.Handler(),
	})
	return nil
}

// watchlist is every symbol the process needs live quotes for: the trading
// universe, the volatility index and the hedge underlyings.
func (c *Container) watchlist() []string {
	symbols := c.Doc.Universe()
	seen := make(map[string]bool, len(symbols)+2)
	for _, s := range symbols {
		seen[s] = true
	}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	add(vixSymbol)
	for _, inst := range c.Doc.Hedging().Instruments {
		add(hedging.InstrumentSymbol(inst.Kind))
	}
	return symbols
}

// vix reads the latest volatility index print.
func (c *Container) vix() (float64, bool) {
	q, ok := c.MarketData.Spot(vixSymbol)
	if !ok {
		return 0, false
	}
	return q.Mid(), true
}

func (c *Container) startMarketData(ctx context.Context) error {
	return c.MarketData.Start(ctx, c.watchlist())
}

func (c *Container) stopBroker() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_ = c.Broker.Disconnect(ctx)
}

func (c *Container) probeBroker() error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return c.Broker.Heartbeat(ctx)
}

func (c *Container) startWork(ctx context.Context) error {
	c.Work.Start(ctx)
	return nil
}

func (c *Container) startScheduler(ctx context.Context) error {
	c.Scheduler.Start()
	return nil
}

// startAccounts bootstraps empty sleeves and reviews the book before
// trading resumes: the audit watermark is logged and any account whose
// reservations exceed its value parks the whole tree in safe mode.
func (c *Container) startAccounts(ctx context.Context) error {
	existing, err := c.Accounts.All()
	if err != nil {
		return err
	}
	if len(existing) == 0 && c.Config.InitialCapital > 0 {
		for _, sleeve := range c.Doc.Sleeves() {
			policy, _ := c.Doc.Sleeve(sleeve)
			capital := decimal.NewFromFloat(c.Config.InitialCapital * policy.AllocationRatio)
			if _, err := c.Accounts.CreateRoot(sleeve, capital); err != nil {
				return err
			}
		}
		existing, err = c.Accounts.All()
		if err != nil {
			return err
		}
	}

	c.Log.Info().Int64("audit_seq", c.Audit.FlushedThrough()).
		Int("accounts", len(existing)).Msg("Account book reviewed")

	for _, acct := range existing {
		if acct.ReservedCapital.IsNegative() || acct.ReservedCapital.GreaterThan(acct.CurrentValue) {
			if _, err := c.Audit.Append(audit.Record{
				Kind:       audit.KindSystem,
				Actor:      "startup",
				SubjectIDs: []string{acct.ID},
				Payload: map[string]interface{}{
					"event":    "invariant_violation",
					"reserved": acct.ReservedCapital.String(),
					"value":    acct.CurrentValue.String(),
				},
			}); err != nil {
				return err
			}
			return c.Accounts.EnterSafeMode("account " + acct.ID + " reservations exceed value")
		}
	}
	return nil
}

// openEntryWindow runs when a sleeve's weekly window opens. Position entry
// itself is proposal-driven; the window refreshes the ATR cache and leaves
// an audit mark so every entry decision inside it cites fresh data.
func (c *Container) openEntryWindow(ctx context.Context, sleeve domain.Sleeve) {
	if _, err := c.Audit.Append(audit.Record{
		Kind:    audit.KindSystem,
		Actor:   "scheduler",
		Payload: map[string]interface{}{"event": "entry_window_opened", "sleeve": string(sleeve)},
	}); err != nil {
		c.Log.Error().Err(err).Msg("Failed to audit entry window")
	}
	if err := c.Work.Enqueue("atr_refresh"); err != nil {
		c.Log.Error().Err(err).Msg("Failed to enqueue entry window refresh")
	}
}

// reconcile compares every account against the broker's book. Divergence
// handling, safe-mode entry included, lives in the account manager.
func (c *Container) reconcile(ctx context.Context) error {
	if err := c.Execution.Reconcile(ctx); err != nil {
		return err
	}
	vix, _ := c.vix()
	accts, err := c.Accounts.All()
	if err != nil {
		return err
	}
	var lastErr error
	for _, acct := range accts {
		// Reconciliation re-admits SAFE accounts; accounts already trading
		// have nothing to re-admit.
		if acct.State != domain.AccountSafe {
			continue
		}
		if err := c.Accounts.Reconcile(ctx, acct.ID, c.Broker, vix); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
