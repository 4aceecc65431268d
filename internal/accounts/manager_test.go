package accounts_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/accounts"
	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/portfolio"
	"github.com/aristath/warden/internal/rules"
	wardentesting "github.com/aristath/warden/internal/testing"
)

type fixture struct {
	manager   *accounts.Manager
	positions *portfolio.PositionRepository
	audit     *audit.Log
	broker    *wardentesting.MockBrokerClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledgerDB := wardentesting.NewTestLedgerDB(t, "accounts_audit")
	auditLog, err := audit.NewLog(ledgerDB, "test-1", zerolog.Nop())
	require.NoError(t, err)

	accountsDB := wardentesting.NewTestDB(t, "accounts")
	repo, err := accounts.NewRepository(accountsDB, zerolog.Nop())
	require.NoError(t, err)
	positions, err := portfolio.NewPositionRepository(accountsDB, zerolog.Nop())
	require.NoError(t, err)

	doc := wardentesting.NewTestConstitution(t)
	manager := events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ruleEngine := rules.NewEngine(doc, auditLog, manager, zerolog.Nop())

	return &fixture{
		manager:   accounts.NewManager(doc, repo, positions, ruleEngine, auditLog, manager, zerolog.Nop()),
		positions: positions,
		audit:     auditLog,
		broker:    wardentesting.NewMockBrokerClient(),
	}
}

func money(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func (f *fixture) activeAccount(t *testing.T, capital float64) *domain.Account {
	t.Helper()
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(capital))
	require.NoError(t, err)
	require.NoError(t, f.manager.Transition(acct.ID, domain.AccountActive, "test"))
	acct, err = f.manager.Get(acct.ID)
	require.NoError(t, err)
	return acct
}

func TestCreateRoot_StartsSafe(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(50000))
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSafe, acct.State)
	assert.True(t, acct.CurrentValue.Equal(money(50000)))
	assert.True(t, acct.ReservedCapital.IsZero())

	_, err = f.manager.CreateRoot(domain.Sleeve("BOGUS"), money(1))
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnknownSleeve, domain.CodeOf(err))
}

func TestTransition_InvalidIsRejected(t *testing.T) {
	f := newFixture(t)
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(50000))
	require.NoError(t, err)

	err = f.manager.Transition(acct.ID, domain.AccountForking, "test")
	require.Error(t, err)
	assert.Equal(t, domain.ErrRuleViolation, domain.CodeOf(err))

	got, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSafe, got.State)
}

func TestReserveRelease_CapitalInvariant(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 50000)

	require.NoError(t, f.manager.Reserve(acct.ID, money(45000)))

	got, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	// available + reserved == current at every observable point
	assert.True(t, got.AvailableCapital().Add(got.ReservedCapital).Equal(got.CurrentValue))
	assert.True(t, got.AvailableCapital().Equal(money(5000)))

	err = f.manager.Reserve(acct.ID, money(6000))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvariant, domain.CodeOf(err))

	require.NoError(t, f.manager.Release(acct.ID, money(45000)))
	err = f.manager.Release(acct.ID, money(1))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvariant, domain.CodeOf(err))
}

func TestApplyPnL_CannotLeaveReservedAboveValue(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 50000)
	require.NoError(t, f.manager.Reserve(acct.ID, money(49000)))

	err := f.manager.ApplyPnL(acct.ID, money(-2000))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvariant, domain.CodeOf(err))
}

func TestFork_SplitsCapitalAndSeals(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 120000)

	childID, err := f.manager.Fork(context.Background(), acct.ID)
	require.NoError(t, err)

	parent, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, parent.State)
	assert.True(t, parent.CurrentValue.Equal(money(60000)), "parent value %s", parent.CurrentValue)
	assert.True(t, parent.ReservedCapital.IsZero())
	assert.Equal(t, 1, parent.ForkCount)

	child, err := f.manager.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, domain.SleeveGen, child.Sleeve)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, acct.ID, *child.ParentID)
	assert.True(t, child.CurrentValue.Equal(money(60000)))
	assert.Equal(t, domain.AccountActive, child.State)

	records, err := f.audit.Query(audit.Filter{Kinds: []audit.Kind{audit.KindFork}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].SubjectIDs, acct.ID)
	assert.Contains(t, records[0].SubjectIDs, childID)
}

func TestFork_SecondForkIsRefusedBelowThreshold(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 120000)

	_, err := f.manager.Fork(context.Background(), acct.ID)
	require.NoError(t, err)

	// The first fork moved the parent to 60k, below the 100k threshold:
	// the identical request is now a no-op rejection.
	_, err = f.manager.Fork(context.Background(), acct.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrRuleViolation, domain.CodeOf(err))

	records, err := f.audit.Query(audit.Filter{Kinds: []audit.Kind{audit.KindFork}})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	parent, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, parent.State)
}

func TestFork_RequiresActiveState(t *testing.T) {
	f := newFixture(t)
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(120000))
	require.NoError(t, err)

	_, err = f.manager.Fork(context.Background(), acct.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrRuleViolation, domain.CodeOf(err))
}

func TestConsolidate_RestoresParentAndSuspendsChild(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 120000)

	childID, err := f.manager.Fork(context.Background(), acct.ID)
	require.NoError(t, err)

	// Child carries an open position that must survive the merge.
	require.NoError(t, f.positions.Create(&domain.Position{
		ID: "pos-1", AccountID: childID, Symbol: "SPY",
		Strategy: domain.StrategyCSP, Quantity: -5, Strike: 450,
		Expiry: time.Now().AddDate(0, 1, 0), Status: domain.PositionOpen,
		OpenedAt: time.Now(),
	}))

	require.NoError(t, f.manager.Consolidate(context.Background(), childID))

	parent, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.True(t, parent.CurrentValue.Equal(money(120000)), "parent value %s", parent.CurrentValue)
	assert.Equal(t, domain.AccountActive, parent.State)

	child, err := f.manager.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSuspended, child.State)
	assert.True(t, child.CurrentValue.IsZero())

	moved, err := f.positions.GetOpenByAccount(acct.ID)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "pos-1", moved[0].ID)

	records, err := f.audit.Query(audit.Filter{Kinds: []audit.Kind{audit.KindConsolidation}})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConsolidate_RequiresActiveChildWithParent(t *testing.T) {
	f := newFixture(t)
	root := f.activeAccount(t, 120000)

	err := f.manager.Consolidate(context.Background(), root.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidData, domain.CodeOf(err))
}

func TestReconcile_CleanLedgerActivates(t *testing.T) {
	f := newFixture(t)
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(50000))
	require.NoError(t, err)

	f.broker.SetBalances([]domain.BrokerBalance{{Currency: "USD", Amount: 50000}})

	require.NoError(t, f.manager.Reconcile(context.Background(), acct.ID, f.broker, 15))

	got, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, got.State)
}

func TestReconcile_MismatchStaysSafe(t *testing.T) {
	f := newFixture(t)
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(50000))
	require.NoError(t, err)

	// Broker holds a position the internal ledger does not know about.
	f.broker.SetPositions([]domain.BrokerPosition{{Symbol: "SPY", Quantity: -10}})
	f.broker.SetBalances([]domain.BrokerBalance{{Currency: "USD", Amount: 50000}})

	err = f.manager.Reconcile(context.Background(), acct.ID, f.broker, 15)
	require.Error(t, err)
	assert.Equal(t, domain.ErrReconciliation, domain.CodeOf(err))

	got, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSafe, got.State)

	records, err := f.audit.Query(audit.Filter{Kinds: []audit.Kind{audit.KindReconciliation}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, false, records[0].Payload["clean"])
}

func TestReconcile_HighVIXBlocksActivation(t *testing.T) {
	f := newFixture(t)
	acct, err := f.manager.CreateRoot(domain.SleeveGen, money(50000))
	require.NoError(t, err)
	f.broker.SetBalances([]domain.BrokerBalance{{Currency: "USD", Amount: 50000}})

	// Clean books, but VIX at the safe-mode trigger: stay SAFE, no error.
	require.NoError(t, f.manager.Reconcile(context.Background(), acct.ID, f.broker, 30))

	got, err := f.manager.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSafe, got.State)
}

func TestEnterSafeMode_ParksActiveAccounts(t *testing.T) {
	f := newFixture(t)
	a1 := f.activeAccount(t, 50000)
	a2 := f.activeAccount(t, 60000)

	require.NoError(t, f.manager.EnterSafeMode("vix_spike"))

	for _, id := range []string{a1.ID, a2.ID} {
		got, err := f.manager.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.AccountSafe, got.State)
	}
}

func TestSnapshotAndPerformance(t *testing.T) {
	f := newFixture(t)
	acct := f.activeAccount(t, 100000)

	require.NoError(t, f.manager.Snapshot(acct.ID))
	require.NoError(t, f.manager.ApplyPnL(acct.ID, money(5000)))
	require.NoError(t, f.manager.Snapshot(acct.ID))

	perf, err := f.manager.Performance(acct.ID, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, perf.TimeWeightedReturn, 1e-9)
	assert.Equal(t, 2, perf.Samples)
}
