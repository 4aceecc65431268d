// Package hedging implements the tail-hedge overlay: VIX-band posture,
// budget-tracked hedge deployment routed through the rules engine, and the
// escalation hooks (safe mode, kill switch) the orchestrator acts on.
package hedging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/execution"
	"github.com/aristath/warden/internal/rules"
)

// Posture classifies the VIX regime against the Constitution's bands.
type Posture string

const (
	PostureNormal     Posture = "NORMAL"
	PostureHedgedWeek Posture = "HEDGED_WEEK"
	PostureSafeMode   Posture = "SAFE_MODE"
	PostureKillSwitch Posture = "KILL_SWITCH"
)

// RuleEvaluator evaluates proposed actions. Satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(action rules.Action, ctx interface{}) (rules.Decision, error)
}

// OrderSubmitter places hedge orders. Satisfied by *execution.Engine.
type OrderSubmitter interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (*execution.Order, error)
}

// Manager owns hedge deployment and the running budget.
type Manager struct {
	doc      *constitution.Document
	rules    RuleEvaluator
	exec     OrderSubmitter
	auditLog *audit.Log
	events   *events.Manager
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	spend float64
}

// NewManager creates the hedging manager.
func NewManager(
	doc *constitution.Document,
	ruleEngine RuleEvaluator,
	exec OrderSubmitter,
	auditLog *audit.Log,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		doc:      doc,
		rules:    ruleEngine,
		exec:     exec,
		auditLog: auditLog,
		events:   eventManager,
		log:      log.With().Str("service", "hedging").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the clock (used in tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Posture maps a VIX print to the regime the Constitution prescribes.
func (m *Manager) Posture(vix float64) Posture {
	hedging := m.doc.Hedging()
	switch {
	case vix >= hedging.VIXKillSwitch:
		return PostureKillSwitch
	case vix >= hedging.VIXSafeMode:
		return PostureSafeMode
	case vix >= hedging.VIXHedgedWeek:
		return PostureHedgedWeek
	default:
		return PostureNormal
	}
}

// Spend returns the hedge premium spent in the current budget period.
func (m *Manager) Spend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend
}

// ResetBudgetPeriod zeroes the running spend. The scheduler calls it at the
// start of each budget period.
func (m *Manager) ResetBudgetPeriod() {
	m.mu.Lock()
	m.spend = 0
	m.mu.Unlock()
	m.log.Info().Msg("Hedge budget period reset")
}

// Deploy proposes one hedge tranche for the account: the Constitution's
// first permitted instrument, mid-band DTE, and the minimum budget fraction
// of portfolio value (clipped to what the budget ceiling still allows). The
// rules engine has the final word.
func (m *Manager) Deploy(ctx context.Context, accountID string, vix, portfolioValue float64) (*execution.Order, error) {
	hedging := m.doc.Hedging()
	if len(hedging.Instruments) == 0 {
		return nil, domain.NewError(domain.ErrConfig, "no hedge instruments in the Constitution")
	}
	if portfolioValue <= 0 {
		return nil, domain.NewError(domain.ErrInvalidData, "portfolio value must be positive")
	}
	instrument := hedging.Instruments[0]
	dte := (hedging.DTEBand.Min + hedging.DTEBand.Max) / 2

	m.mu.Lock()
	spend := m.spend
	m.mu.Unlock()

	proposed := hedging.BudgetBand.Min * portfolioValue
	if ceiling := hedging.BudgetBand.Max*portfolioValue - spend; proposed > ceiling {
		proposed = ceiling
	}
	if proposed <= 0 {
		return nil, &domain.CodedError{
			Code:       domain.ErrRuleViolation,
			Message:    fmt.Sprintf("hedge budget exhausted: %.2f spent of %.2f", spend, hedging.BudgetBand.Max*portfolioValue),
			ClauseRefs: []string{constitution.ClauseHedgeBudget},
		}
	}

	// Minted before evaluation so the approval names the order it covers.
	clientOrderID := fmt.Sprintf("hedge-%s-%d", accountID, m.now().Unix())

	decision, err := m.rules.Evaluate(rules.ActionDeployHedge, rules.HedgeContext{
		AccountID:      accountID,
		ClientOrderID:  clientOrderID,
		InstrumentKind: instrument.Kind,
		VIX:            vix,
		DTE:            dte,
		PortfolioValue: portfolioValue,
		HedgeSpend:     spend,
		ProposedCost:   proposed,
	})
	if err != nil {
		return nil, err
	}
	if decision.Verdict == rules.Rejected {
		return nil, &domain.CodedError{
			Code:       domain.ErrRuleViolation,
			Message:    "hedge deployment rejected: " + decision.Rejections(),
			ClauseRefs: []string{constitution.ClauseHedgeTrigger, constitution.ClauseHedgeBudget},
		}
	}

	order, err := m.exec.Submit(ctx, execution.SubmitRequest{
		ClientOrderID: clientOrderID,
		AccountID:     accountID,
		Symbol:        InstrumentSymbol(instrument.Kind),
		Side:          domain.SideBuy,
		Type:          domain.OrderLimit,
		Quantity:      1,
		LimitPrice:    proposed / 100,
		TimeInForce:   domain.TIFDay,
	})
	if err != nil {
		return nil, err
	}
	if order.Status == execution.StatusRejected {
		return order, domain.Errorf(domain.ErrBrokerReject, "hedge order %s rejected: %s", order.ID, order.Reason)
	}

	m.mu.Lock()
	m.spend += proposed
	budgetUsed := m.spend / portfolioValue
	m.mu.Unlock()

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindHedgeEvent,
		Actor:      "hedging",
		ClauseRefs: []string{constitution.ClauseHedgeTrigger, constitution.ClauseHedgeBudget},
		SubjectIDs: []string{accountID, order.ID},
		Payload: map[string]interface{}{
			"instrument":  instrument.Kind,
			"vix":         vix,
			"cost":        proposed,
			"budget_used": budgetUsed,
		},
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit hedge deployment")
	}

	m.events.Emit(events.HedgeDeployed, "hedging", &events.HedgeDeployedData{
		Instrument: instrument.Kind,
		VIX:        vix,
		Trigger:    string(m.Posture(vix)),
		BudgetUsed: budgetUsed,
	})

	m.log.Info().Str("account_id", accountID).Str("instrument", instrument.Kind).
		Float64("vix", vix).Float64("cost", proposed).Msg("Hedge deployed")
	return order, nil
}

// InstrumentSymbol maps an instrument kind to its underlying symbol.
func InstrumentSymbol(kind string) string {
	switch kind {
	case "spx_put":
		return "SPX"
	case "vix_call":
		return "VIX"
	default:
		return kind
	}
}
