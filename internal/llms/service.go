// Package llms implements the optional LEAP ladder: long-dated growth calls
// and hedge puts laid out across the Constitution's duration bands. The
// whole module is feature-gated; when the Constitution disables it the
// orchestrator never constructs it.
package llms

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/execution"
	"github.com/aristath/warden/internal/rules"
)

// ladderSymbol is the underlying the ladder is built on.
const ladderSymbol = "SPY"

// budgetFraction is the share of portfolio value the whole ladder may tie
// up per deployment.
const budgetFraction = 0.05

// OrderSubmitter places ladder orders. Satisfied by *execution.Engine.
type OrderSubmitter interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (*execution.Order, error)
}

// RuleEvaluator validates ladder rungs. Satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(action rules.Action, ctx interface{}) (rules.Decision, error)
}

// Rung is one planned ladder entry.
type Rung struct {
	Strategy domain.Strategy `json:"strategy"`
	Symbol   string          `json:"symbol"`
	Months   int             `json:"months"`
	Delta    float64         `json:"delta"`
	Budget   float64         `json:"budget"`
}

// Service manages the LEAP ladder.
type Service struct {
	doc      *constitution.Document
	rules    RuleEvaluator
	exec     OrderSubmitter
	auditLog *audit.Log
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates the ladder service.
func NewService(doc *constitution.Document, ruleEngine RuleEvaluator, exec OrderSubmitter, auditLog *audit.Log, log zerolog.Logger) *Service {
	return &Service{
		doc:      doc,
		rules:    ruleEngine,
		exec:     exec,
		auditLog: auditLog,
		log:      log.With().Str("service", "llms").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the clock (used in tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Enabled reports whether the Constitution turns the ladder on.
func (s *Service) Enabled() bool { return s.doc.LLMS().Enabled }

// PlanLadder lays rungs across both duration bands: growth calls at the
// band edges and midpoint, one hedge put at the hedge band midpoint. The
// budget fraction splits evenly across growth rungs.
func (s *Service) PlanLadder(portfolioValue float64) ([]Rung, error) {
	if !s.Enabled() {
		return nil, domain.NewError(domain.ErrConfig, "LLMS is disabled in the Constitution")
	}
	if portfolioValue <= 0 {
		return nil, domain.NewError(domain.ErrInvalidData, "portfolio value must be positive")
	}
	policy := s.doc.LLMS()

	growthMonths := []int{
		policy.GrowthDurationBand.Min,
		(policy.GrowthDurationBand.Min + policy.GrowthDurationBand.Max) / 2,
		policy.GrowthDurationBand.Max,
	}
	growthDelta := (policy.GrowthDeltaBand.Min + policy.GrowthDeltaBand.Max) / 2
	hedgeMonths := (policy.HedgeDurationBand.Min + policy.HedgeDurationBand.Max) / 2
	hedgeDelta := (policy.HedgeDeltaBand.Min + policy.HedgeDeltaBand.Max) / 2

	perRung := budgetFraction * portfolioValue / float64(len(growthMonths)+1)

	rungs := make([]Rung, 0, len(growthMonths)+1)
	for _, months := range growthMonths {
		rungs = append(rungs, Rung{
			Strategy: domain.StrategyLeapCall,
			Symbol:   ladderSymbol,
			Months:   months,
			Delta:    growthDelta,
			Budget:   perRung,
		})
	}
	rungs = append(rungs, Rung{
		Strategy: domain.StrategyLeapPut,
		Symbol:   ladderSymbol,
		Months:   hedgeMonths,
		Delta:    hedgeDelta,
		Budget:   perRung,
	})

	return rungs, nil
}

// Deploy evaluates each planned rung through the rules engine and submits
// the approved ladder. Rung order ids are minted before evaluation so every
// approval names the order it covers.
func (s *Service) Deploy(ctx context.Context, accountID string, portfolioValue float64) ([]*execution.Order, error) {
	rungs, err := s.PlanLadder(portfolioValue)
	if err != nil {
		return nil, err
	}

	orders := make([]*execution.Order, 0, len(rungs))
	for i, rung := range rungs {
		clientOrderID := fmt.Sprintf("llms-%s-%d-%d", accountID, s.now().Unix(), i+1)

		decision, err := s.rules.Evaluate(rules.ActionDeployLadder, rules.LadderContext{
			AccountID:     accountID,
			ClientOrderID: clientOrderID,
			Symbol:        rung.Symbol,
			Strategy:      rung.Strategy,
			Months:        rung.Months,
			Delta:         rung.Delta,
			Budget:        rung.Budget,
		})
		if err != nil {
			return orders, err
		}
		if decision.Verdict == rules.Rejected {
			return orders, &domain.CodedError{
				Code:       domain.ErrRuleViolation,
				Message:    fmt.Sprintf("ladder rung %d rejected: %s", i+1, decision.Rejections()),
				ClauseRefs: []string{constitution.ClauseLLMSDuration, constitution.ClauseLLMSDelta},
			}
		}

		order, err := s.exec.Submit(ctx, execution.SubmitRequest{
			ClientOrderID: clientOrderID,
			AccountID:     accountID,
			Symbol:        rung.Symbol,
			Side:          domain.SideBuy,
			Type:          domain.OrderLimit,
			Quantity:      1,
			LimitPrice:    rung.Budget / 100,
			TimeInForce:   domain.TIFDay,
		})
		if err != nil {
			return orders, err
		}
		orders = append(orders, order)
	}

	if _, err := s.auditLog.Append(audit.Record{
		Kind:       audit.KindSystem,
		Actor:      "llms",
		ClauseRefs: []string{constitution.ClauseLLMSDuration, constitution.ClauseLLMSDelta},
		SubjectIDs: []string{accountID},
		Payload: map[string]interface{}{
			"event": "ladder_deployed",
			"rungs": len(rungs),
		},
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit ladder deployment")
	}

	s.log.Info().Str("account_id", accountID).Int("rungs", len(rungs)).Msg("LEAP ladder deployed")
	return orders, nil
}

// NeedsRoll reports whether a ladder position has decayed under its band's
// duration floor and should roll out to a longer expiry.
func (s *Service) NeedsRoll(pos *domain.Position) bool {
	policy := s.doc.LLMS()
	months := monthsUntil(s.now(), pos.Expiry)
	switch pos.Strategy {
	case domain.StrategyLeapCall:
		return months < policy.GrowthDurationBand.Min
	case domain.StrategyLeapPut:
		return months < policy.HedgeDurationBand.Min
	default:
		return false
	}
}

// ShouldExit reports whether a ladder position hit its profit-take or
// stop-loss level. Basis is the entry premium paid.
func (s *Service) ShouldExit(pos *domain.Position) bool {
	if pos.Strategy != domain.StrategyLeapCall && pos.Strategy != domain.StrategyLeapPut {
		return false
	}
	basis := pos.EntryPrice * float64(pos.Quantity) * 100
	if basis <= 0 {
		return false
	}
	policy := s.doc.LLMS()
	if pos.UnrealizedPnL >= policy.ProfitTakePct*basis {
		return true
	}
	return pos.UnrealizedPnL <= -policy.StopLossPct*basis
}

func monthsUntil(from, to time.Time) int {
	months := 0
	for from.AddDate(0, months+1, 0).Before(to) || from.AddDate(0, months+1, 0).Equal(to) {
		months++
	}
	return months
}
