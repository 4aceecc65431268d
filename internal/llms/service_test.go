package llms_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/execution"
	"github.com/aristath/warden/internal/llms"
	"github.com/aristath/warden/internal/rules"
	wardentesting "github.com/aristath/warden/internal/testing"
)

type stubSubmitter struct {
	requests []execution.SubmitRequest
}

func (s *stubSubmitter) Submit(_ context.Context, req execution.SubmitRequest) (*execution.Order, error) {
	s.requests = append(s.requests, req)
	return &execution.Order{ID: req.ClientOrderID, Status: execution.StatusSubmitted}, nil
}

func newService(t *testing.T) (*llms.Service, *stubSubmitter, *audit.Log) {
	t.Helper()
	ledgerDB := wardentesting.NewTestLedgerDB(t, "llms")
	auditLog, err := audit.NewLog(ledgerDB, "test-1", zerolog.Nop())
	require.NoError(t, err)

	doc := wardentesting.NewTestConstitution(t)
	ruleEngine := rules.NewEngine(doc, auditLog, events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop()), zerolog.Nop())
	submitter := &stubSubmitter{}
	svc := llms.NewService(doc, ruleEngine, submitter, auditLog, zerolog.Nop())
	svc.SetClock(func() time.Time { return time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC) })
	return svc, submitter, auditLog
}

func TestPlanLadder_SpreadsDurations(t *testing.T) {
	svc, _, _ := newService(t)

	rungs, err := svc.PlanLadder(1_000_000)
	require.NoError(t, err)
	require.Len(t, rungs, 4)

	// Growth calls at the band floor, midpoint and ceiling of 12-24 months.
	assert.Equal(t, domain.StrategyLeapCall, rungs[0].Strategy)
	assert.Equal(t, []int{12, 18, 24}, []int{rungs[0].Months, rungs[1].Months, rungs[2].Months})
	for _, r := range rungs[:3] {
		assert.InDelta(t, 0.70, r.Delta, 1e-9)
	}

	hedge := rungs[3]
	assert.Equal(t, domain.StrategyLeapPut, hedge.Strategy)
	assert.Equal(t, 9, hedge.Months)
	assert.InDelta(t, 0.175, hedge.Delta, 1e-9)

	// 5% of value split across four rungs.
	for _, r := range rungs {
		assert.InDelta(t, 12500, r.Budget, 1e-9)
	}
}

func TestDeploy_SubmitsAndAudits(t *testing.T) {
	svc, submitter, auditLog := newService(t)

	orders, err := svc.Deploy(context.Background(), "acct-1", 1_000_000)
	require.NoError(t, err)
	assert.Len(t, orders, 4)
	assert.Len(t, submitter.requests, 4)
	for _, req := range submitter.requests {
		assert.Equal(t, "SPY", req.Symbol)
		assert.Equal(t, domain.SideBuy, req.Side)
	}

	records, err := auditLog.Query(audit.Filter{Kinds: []audit.Kind{audit.KindSystem}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ladder_deployed", records[0].Payload["event"])
}

func TestNeedsRoll_UnderDurationFloor(t *testing.T) {
	svc, _, _ := newService(t)
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

	fresh := &domain.Position{Strategy: domain.StrategyLeapCall, Expiry: now.AddDate(0, 18, 0)}
	assert.False(t, svc.NeedsRoll(fresh))

	decayed := &domain.Position{Strategy: domain.StrategyLeapCall, Expiry: now.AddDate(0, 11, 0)}
	assert.True(t, svc.NeedsRoll(decayed))

	// Hedge band floor is 6 months.
	hedge := &domain.Position{Strategy: domain.StrategyLeapPut, Expiry: now.AddDate(0, 5, 0)}
	assert.True(t, svc.NeedsRoll(hedge))

	csp := &domain.Position{Strategy: domain.StrategyCSP, Expiry: now.AddDate(0, 1, 0)}
	assert.False(t, svc.NeedsRoll(csp))
}

func TestShouldExit_ProfitAndStop(t *testing.T) {
	svc, _, _ := newService(t)

	base := &domain.Position{Strategy: domain.StrategyLeapCall, Quantity: 1, EntryPrice: 50}
	// Basis 5000; profit take at 100%, stop at 50%.
	flat := *base
	flat.UnrealizedPnL = 1000
	assert.False(t, svc.ShouldExit(&flat))

	winner := *base
	winner.UnrealizedPnL = 5000
	assert.True(t, svc.ShouldExit(&winner))

	loser := *base
	loser.UnrealizedPnL = -2500
	assert.True(t, svc.ShouldExit(&loser))

	notLeap := *base
	notLeap.Strategy = domain.StrategyCSP
	notLeap.UnrealizedPnL = 99999
	assert.False(t, svc.ShouldExit(&notLeap))
}

func TestPlanLadder_DisabledGate(t *testing.T) {
	yaml := strings.Replace(wardentesting.ConstitutionYAML, "enabled: true", "enabled: false", 1)
	doc, err := constitution.LoadFromReader(yaml)
	require.NoError(t, err)

	svc := llms.NewService(doc, nil, &stubSubmitter{}, nil, zerolog.Nop())
	_, err = svc.PlanLadder(1_000_000)
	require.Error(t, err)
	assert.Equal(t, domain.ErrConfig, domain.CodeOf(err))
}

func TestPlanLadder_RequiresPositiveValue(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.PlanLadder(0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidData, domain.CodeOf(err))
}

func TestDeploy_EveryRungIsEvaluated(t *testing.T) {
	svc, submitter, auditLog := newService(t)

	_, err := svc.Deploy(context.Background(), "acct-1", 1_000_000)
	require.NoError(t, err)
	require.Len(t, submitter.requests, 4)

	// One approving evaluation per rung, each naming its order id.
	evals, err := auditLog.Query(audit.Filter{Kinds: []audit.Kind{audit.KindRuleEvaluation}})
	require.NoError(t, err)
	require.Len(t, evals, 4)

	subjects := make(map[string]bool)
	for _, rec := range evals {
		for _, s := range rec.SubjectIDs {
			subjects[s] = true
		}
	}
	for _, req := range submitter.requests {
		assert.True(t, subjects[req.ClientOrderID], "no evaluation names %s", req.ClientOrderID)
	}
}
