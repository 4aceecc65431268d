package rules_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/rules"
	wardentesting "github.com/aristath/warden/internal/testing"
)

func newEngine(t *testing.T) (*rules.Engine, *audit.Log) {
	t.Helper()
	db := wardentesting.NewTestLedgerDB(t, "rules_audit")
	auditLog, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.NoError(t, err)
	doc := wardentesting.NewTestConstitution(t)
	manager := events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop())
	return rules.NewEngine(doc, auditLog, manager, zerolog.Nop()), auditLog
}

// mondayEntry is inside the GEN sleeve entry window (Monday 10:00-11:30).
var mondayEntry = time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)

// normalOpen is a context that passes every clause: delta and DTE in band,
// inside the entry window, liquid, exposure under cap, utilization landing
// exactly on the deployment band minimum.
func normalOpen() rules.OpenContext {
	return rules.OpenContext{
		AccountID:     "acct-1",
		ClientOrderID: "ord-1",
		Sleeve:        domain.SleeveGen,
		Symbol:        "SPY",
		Strategy:      domain.StrategyCSP,
		Delta:         0.42,
		DTE:           30,
		Quantity:      10,
		Strike:        45,
		When:          mondayEntry,
		Liquidity: rules.LiquiditySnapshot{
			OpenInterest:       5000,
			DailyVolume:        1000,
			SpreadPct:          0.03,
			AverageDailyVolume: 1000,
		},
		AccountValue:    500000,
		DeployedCapital: 430000, // +45k notional lands on 0.95 exactly
		SymbolExposure:  50000,
	}
}

func findingFor(d rules.Decision, clause string) (rules.Finding, bool) {
	for _, f := range d.Findings {
		if f.ClauseRef == clause {
			return f, true
		}
	}
	return rules.Finding{}, false
}

func TestEvaluate_NormalOpenApproved(t *testing.T) {
	engine, auditLog := newEngine(t)

	d, err := engine.Evaluate(rules.ActionOpenPosition, normalOpen())
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)

	// The audit record cites sleeve, delta, DTE and liquidity clauses and
	// carries the client order id as a subject.
	records, err := auditLog.Query(audit.Filter{SubjectID: "ord-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, audit.KindRuleEvaluation, rec.Kind)
	assert.Equal(t, d.AuditSeq, rec.Seq)
	assert.Contains(t, rec.ClauseRefs, "§2.GenAcc.Delta")
	assert.Contains(t, rec.ClauseRefs, "§2.GenAcc.DTE")
	assert.Contains(t, rec.ClauseRefs, "§5.Liquidity.OpenInterest")
	assert.Equal(t, "test-1", rec.ConstitutionVersion)
}

func TestEvaluate_DeltaOutsideBandRejected(t *testing.T) {
	engine, _ := newEngine(t)

	ctx := normalOpen()
	ctx.Delta = 0.60

	d, err := engine.Evaluate(rules.ActionOpenPosition, ctx)
	require.NoError(t, err)
	assert.Equal(t, rules.Rejected, d.Verdict)

	f, ok := findingFor(d, "§2.GenAcc.Delta")
	require.True(t, ok)
	assert.Equal(t, rules.Rejected, f.Verdict)
}

func TestEvaluate_DeltaBandBoundariesAreInclusive(t *testing.T) {
	engine, _ := newEngine(t)

	for _, delta := range []float64{0.40, 0.45} {
		ctx := normalOpen()
		ctx.Delta = delta
		d, err := engine.Evaluate(rules.ActionOpenPosition, ctx)
		require.NoError(t, err)
		assert.Equal(t, rules.Approved, d.Verdict, "delta %v", delta)
	}
}

func TestEvaluate_OpenRejections(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*rules.OpenContext)
		clause string
	}{
		{"instrument not permitted", func(c *rules.OpenContext) { c.Symbol = "TSLA" }, "§2.GenAcc.Instruments"},
		{"wrong strategy", func(c *rules.OpenContext) { c.Strategy = domain.StrategyCC }, "§2.GenAcc.Strategy"},
		{"dte outside band", func(c *rules.OpenContext) { c.DTE = 50 }, "§2.GenAcc.DTE"},
		{"outside entry window", func(c *rules.OpenContext) { c.When = mondayEntry.AddDate(0, 0, 1) }, "§2.GenAcc.Schedule"},
		{"open interest too low", func(c *rules.OpenContext) { c.Liquidity.OpenInterest = 100 }, "§5.Liquidity.OpenInterest"},
		{"volume too low", func(c *rules.OpenContext) { c.Liquidity.DailyVolume = 10 }, "§5.Liquidity.Volume"},
		{"spread too wide", func(c *rules.OpenContext) { c.Liquidity.SpreadPct = 0.08 }, "§5.Liquidity.Spread"},
		{"order exceeds adv cap", func(c *rules.OpenContext) { c.Quantity = 30 }, "§5.Liquidity.ADV"},
		{"symbol exposure over cap", func(c *rules.OpenContext) { c.SymbolExposure = 120000 }, "§3.Capital.SymbolExposure"},
		{"utilization over band max", func(c *rules.OpenContext) { c.DeployedCapital = 460000 }, "§3.Capital.Deployment"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := newEngine(t)
			ctx := normalOpen()
			tc.mutate(&ctx)

			d, err := engine.Evaluate(rules.ActionOpenPosition, ctx)
			require.NoError(t, err)
			assert.Equal(t, rules.Rejected, d.Verdict)
			f, ok := findingFor(d, tc.clause)
			require.True(t, ok, "expected a finding for %s", tc.clause)
			assert.Equal(t, rules.Rejected, f.Verdict)
		})
	}
}

func TestEvaluate_UnderDeploymentWarns(t *testing.T) {
	engine, _ := newEngine(t)

	ctx := normalOpen()
	ctx.DeployedCapital = 100000 // far below the deployment band

	d, err := engine.Evaluate(rules.ActionOpenPosition, ctx)
	require.NoError(t, err)
	assert.Equal(t, rules.Warning, d.Verdict)

	f, ok := findingFor(d, "§3.Capital.Deployment")
	require.True(t, ok)
	assert.Equal(t, rules.Warning, f.Verdict)
}

func TestEvaluate_RollCostBoundary(t *testing.T) {
	engine, _ := newEngine(t)

	roll := rules.RollContext{
		PositionID:      "pos-1",
		Sleeve:          domain.SleeveGen,
		RollCost:        1.25,
		RemainingCredit: 2.50, // exactly 0.5
		NewDelta:        0.42,
		NewDTE:          30,
	}

	d, err := engine.Evaluate(rules.ActionRollPosition, roll)
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)
	assert.False(t, d.ForceExit)

	roll.RollCost = 1.26 // just over 0.5
	d, err = engine.Evaluate(rules.ActionRollPosition, roll)
	require.NoError(t, err)
	assert.Equal(t, rules.Rejected, d.Verdict)
	assert.True(t, d.ForceExit)
}

func TestEvaluate_RollWithNoRemainingCreditForcesExit(t *testing.T) {
	engine, _ := newEngine(t)

	d, err := engine.Evaluate(rules.ActionRollPosition, rules.RollContext{
		PositionID:      "pos-1",
		Sleeve:          domain.SleeveGen,
		RollCost:        1.0,
		RemainingCredit: 0,
		NewDelta:        0.42,
		NewDTE:          30,
	})
	require.NoError(t, err)
	assert.Equal(t, rules.Rejected, d.Verdict)
	assert.True(t, d.ForceExit)
}

func TestEvaluate_Fork(t *testing.T) {
	engine, _ := newEngine(t)

	fork := rules.ForkContext{
		AccountID:    "acct-1",
		Sleeve:       domain.SleeveGen,
		State:        domain.AccountActive,
		CurrentValue: 150000,
		ForkCount:    1,
	}

	d, err := engine.Evaluate(rules.ActionForkAccount, fork)
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)

	testCases := []struct {
		name   string
		mutate func(*rules.ForkContext)
	}{
		{"not active", func(c *rules.ForkContext) { c.State = domain.AccountSafe }},
		{"below threshold", func(c *rules.ForkContext) { c.CurrentValue = 90000 }},
		{"fork already in progress", func(c *rules.ForkContext) { c.ForkInProgress = true }},
		{"fork count at limit", func(c *rules.ForkContext) { c.ForkCount = 4 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := fork
			tc.mutate(&ctx)
			d, err := engine.Evaluate(rules.ActionForkAccount, ctx)
			require.NoError(t, err)
			assert.Equal(t, rules.Rejected, d.Verdict)
		})
	}
}

func TestEvaluate_Hedge(t *testing.T) {
	engine, _ := newEngine(t)

	hedge := rules.HedgeContext{
		AccountID:      "acct-1",
		InstrumentKind: "spx_put",
		VIX:            25,
		DTE:            60,
		PortfolioValue: 1000000,
		HedgeSpend:     5000,
		ProposedCost:   5000,
	}

	d, err := engine.Evaluate(rules.ActionDeployHedge, hedge)
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)

	testCases := []struct {
		name   string
		mutate func(*rules.HedgeContext)
	}{
		{"vix below trigger", func(c *rules.HedgeContext) { c.VIX = 15 }},
		{"budget exceeded", func(c *rules.HedgeContext) { c.ProposedCost = 20000 }},
		{"instrument not permitted", func(c *rules.HedgeContext) { c.InstrumentKind = "call_spread" }},
		{"dte outside band", func(c *rules.HedgeContext) { c.DTE = 30 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := hedge
			tc.mutate(&ctx)
			d, err := engine.Evaluate(rules.ActionDeployHedge, ctx)
			require.NoError(t, err)
			assert.Equal(t, rules.Rejected, d.Verdict)
		})
	}
}

func TestEvaluate_StateTransitions(t *testing.T) {
	engine, _ := newEngine(t)

	allowed := []struct{ from, to domain.AccountState }{
		{domain.AccountSafe, domain.AccountActive},
		{domain.AccountActive, domain.AccountForking},
		{domain.AccountForking, domain.AccountActive},
		{domain.AccountActive, domain.AccountMerging},
		{domain.AccountMerging, domain.AccountActive},
		{domain.AccountActive, domain.AccountSafe},
		{domain.AccountActive, domain.AccountSuspended},
	}
	for _, tr := range allowed {
		d, err := engine.Evaluate(rules.ActionStateTransition, rules.TransitionContext{
			AccountID: "acct-1", From: tr.from, To: tr.to,
		})
		require.NoError(t, err)
		assert.Equal(t, rules.Approved, d.Verdict, "%s -> %s", tr.from, tr.to)
	}

	forbidden := []struct{ from, to domain.AccountState }{
		{domain.AccountSafe, domain.AccountForking},
		{domain.AccountForking, domain.AccountMerging},
		{domain.AccountSuspended, domain.AccountActive},
		{domain.AccountSuspended, domain.AccountSafe},
	}
	for _, tr := range forbidden {
		d, err := engine.Evaluate(rules.ActionStateTransition, rules.TransitionContext{
			AccountID: "acct-1", From: tr.from, To: tr.to,
		})
		require.NoError(t, err)
		assert.Equal(t, rules.Rejected, d.Verdict, "%s -> %s", tr.from, tr.to)
	}
}

func TestEvaluate_UnknownActionAndSleeve(t *testing.T) {
	engine, auditLog := newEngine(t)

	_, err := engine.Evaluate(rules.Action("liquidate_everything"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnknownAction, domain.CodeOf(err))

	ctx := normalOpen()
	ctx.Sleeve = domain.Sleeve("BOGUS")
	_, err = engine.Evaluate(rules.ActionOpenPosition, ctx)
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnknownSleeve, domain.CodeOf(err))

	// Failed evaluations are audited too: one record per call.
	records, err := auditLog.Query(audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEvaluate_ExactlyOneAuditRecordPerCall(t *testing.T) {
	engine, auditLog := newEngine(t)

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(rules.ActionOpenPosition, normalOpen())
		require.NoError(t, err)
	}

	records, err := auditLog.Query(audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestEvaluate_CloseApprovedWithOrderSubject(t *testing.T) {
	engine, auditLog := newEngine(t)

	d, err := engine.Evaluate(rules.ActionClosePosition, rules.CloseContext{
		AccountID:     "acct-1",
		PositionID:    "pos-1",
		ClientOrderID: "exit-pos-1",
		Symbol:        "SPY",
		Reason:        "stop_loss",
	})
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)

	// The approval names the exit order so the fill can cite it.
	records, err := auditLog.Query(audit.Filter{SubjectID: "exit-pos-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindRuleEvaluation, records[0].Kind)
	assert.Contains(t, records[0].SubjectIDs, "pos-1")
}

func TestEvaluate_CloseRequiresPosition(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.Evaluate(rules.ActionClosePosition, rules.CloseContext{AccountID: "acct-1"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidData, domain.CodeOf(err))
}

func TestEvaluate_LadderRungBands(t *testing.T) {
	engine, auditLog := newEngine(t)

	rung := rules.LadderContext{
		AccountID:     "acct-1",
		ClientOrderID: "llms-acct-1-1",
		Symbol:        "SPY",
		Strategy:      domain.StrategyLeapCall,
		Months:        18,
		Delta:         0.70,
		Budget:        12500,
	}
	d, err := engine.Evaluate(rules.ActionDeployLadder, rung)
	require.NoError(t, err)
	assert.Equal(t, rules.Approved, d.Verdict)

	records, err := auditLog.Query(audit.Filter{SubjectID: "llms-acct-1-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindRuleEvaluation, records[0].Kind)

	rung.Months = 30
	d, err = engine.Evaluate(rules.ActionDeployLadder, rung)
	require.NoError(t, err)
	assert.Equal(t, rules.Rejected, d.Verdict)
	f, ok := findingFor(d, "§7.LLMS.Duration")
	require.True(t, ok)
	assert.Equal(t, rules.Rejected, f.Verdict)

	rung.Months = 18
	rung.Delta = 0.85
	d, err = engine.Evaluate(rules.ActionDeployLadder, rung)
	require.NoError(t, err)
	assert.Equal(t, rules.Rejected, d.Verdict)
	f, ok = findingFor(d, "§7.LLMS.Delta")
	require.True(t, ok)
	assert.Equal(t, rules.Rejected, f.Verdict)
}

func TestEvaluate_EmitsRuleEvaluatedEvent(t *testing.T) {
	db := wardentesting.NewTestLedgerDB(t, "rules_events")
	auditLog, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())
	engine := rules.NewEngine(wardentesting.NewTestConstitution(t), auditLog,
		events.NewManager(bus, zerolog.Nop()), zerolog.Nop())
	evaluated := bus.Subscribe(events.RuleEvaluated)

	_, err = engine.Evaluate(rules.ActionOpenPosition, normalOpen())
	require.NoError(t, err)

	select {
	case ev := <-evaluated:
		data := ev.Data.(*events.RuleEvaluatedData)
		assert.Equal(t, string(rules.ActionOpenPosition), data.Action)
		assert.Equal(t, string(rules.Approved), data.Outcome)
		assert.Contains(t, data.SubjectIDs, "ord-1")
	case <-time.After(time.Second):
		t.Fatal("no RuleEvaluated event emitted")
	}
}
