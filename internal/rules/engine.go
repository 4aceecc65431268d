// Package rules implements the constitutional validator. Every proposed
// action — opening, rolling, forking, hedging, state transitions — is checked
// clause by clause against the Constitution and the verdict is written to the
// audit log before the decision is returned. Evaluation is CPU-only and never
// consults external collaborators.
package rules

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
)

// Engine evaluates actions against the Constitution.
type Engine struct {
	doc      *constitution.Document
	auditLog *audit.Log
	events   *events.Manager
	log      zerolog.Logger
}

// NewEngine creates a rules engine bound to a validated Constitution.
func NewEngine(doc *constitution.Document, auditLog *audit.Log, eventManager *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		doc:      doc,
		auditLog: auditLog,
		events:   eventManager,
		log:      log.With().Str("service", "rules").Logger(),
	}
}

// Evaluate checks the proposed action and returns the decision. Exactly one
// audit record is written per call, including failed evaluations.
func (e *Engine) Evaluate(action Action, ctx interface{}) (Decision, error) {
	findings, subjects, forceExit, err := e.dispatch(action, ctx)
	if err != nil {
		e.auditFailure(action, subjects, err)
		return Decision{}, err
	}

	decision := Decision{
		Verdict:   combine(findings),
		Findings:  findings,
		ForceExit: forceExit,
	}

	seq, auditErr := e.auditLog.Append(audit.Record{
		Kind:       audit.KindRuleEvaluation,
		Actor:      "rules",
		ClauseRefs: clauseRefs(findings),
		SubjectIDs: subjects,
		Payload: map[string]interface{}{
			"action":   string(action),
			"decision": decision,
		},
	})
	if auditErr != nil {
		return Decision{}, domain.WrapError(domain.ErrInvariant, auditErr, "rule evaluation could not be audited")
	}
	decision.AuditSeq = seq

	e.events.Emit(events.RuleEvaluated, "rules", &events.RuleEvaluatedData{
		Action:     string(action),
		Outcome:    string(decision.Verdict),
		ClauseRefs: clauseRefs(findings),
		SubjectIDs: subjects,
	})

	e.log.Debug().Str("action", string(action)).Str("verdict", string(decision.Verdict)).
		Strs("subjects", subjects).Int64("audit_seq", seq).Msg("Evaluated action")
	return decision, nil
}

func (e *Engine) dispatch(action Action, ctx interface{}) (findings []Finding, subjects []string, forceExit bool, err error) {
	switch action {
	case ActionOpenPosition:
		c, ok := ctx.(OpenContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "open_position requires OpenContext, got %T", ctx)
		}
		findings, err = e.evaluateOpen(c)
		return findings, c.subjects(), false, err

	case ActionClosePosition:
		c, ok := ctx.(CloseContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "close_position requires CloseContext, got %T", ctx)
		}
		if c.PositionID == "" {
			return nil, c.subjects(), false, domain.NewError(domain.ErrInvalidData, "close_position requires a position id")
		}
		return e.evaluateClose(c), c.subjects(), false, nil

	case ActionRollPosition:
		c, ok := ctx.(RollContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "roll_position requires RollContext, got %T", ctx)
		}
		findings, forceExit, err = e.evaluateRoll(c)
		return findings, c.subjects(), forceExit, err

	case ActionForkAccount:
		c, ok := ctx.(ForkContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "fork_account requires ForkContext, got %T", ctx)
		}
		findings, err = e.evaluateFork(c)
		return findings, c.subjects(), false, err

	case ActionDeployHedge:
		c, ok := ctx.(HedgeContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "deploy_hedge requires HedgeContext, got %T", ctx)
		}
		return e.evaluateHedge(c), c.subjects(), false, nil

	case ActionDeployLadder:
		c, ok := ctx.(LadderContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "deploy_ladder requires LadderContext, got %T", ctx)
		}
		findings, err = e.evaluateLadder(c)
		return findings, c.subjects(), false, err

	case ActionStateTransition:
		c, ok := ctx.(TransitionContext)
		if !ok {
			return nil, nil, false, domain.Errorf(domain.ErrInvalidData, "state_transition requires TransitionContext, got %T", ctx)
		}
		return e.evaluateTransition(c), c.subjects(), false, nil

	default:
		return nil, nil, false, domain.Errorf(domain.ErrUnknownAction, "unknown action %q", action)
	}
}

func (e *Engine) sleevePolicy(sleeve domain.Sleeve) (constitution.SleevePolicy, error) {
	policy, ok := e.doc.Sleeve(sleeve)
	if !ok {
		return constitution.SleevePolicy{}, domain.Errorf(domain.ErrUnknownSleeve, "unknown sleeve %q", sleeve)
	}
	return policy, nil
}

func (e *Engine) evaluateOpen(c OpenContext) ([]Finding, error) {
	policy, err := e.sleevePolicy(c.Sleeve)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	add := func(clause string, ok bool, okMsg, badMsg string) {
		f := Finding{ClauseRef: clause, Verdict: Approved, Message: okMsg}
		if !ok {
			f.Verdict = Rejected
			f.Message = badMsg
		}
		findings = append(findings, f)
	}

	add(constitution.SleeveClause(c.Sleeve, "Instruments"),
		policy.PermitsInstrument(c.Symbol),
		fmt.Sprintf("%s is a permitted instrument", c.Symbol),
		fmt.Sprintf("%s is not a permitted instrument for sleeve %s", c.Symbol, c.Sleeve))

	add(constitution.SleeveClause(c.Sleeve, "Strategy"),
		c.Strategy == policy.Strategy,
		fmt.Sprintf("strategy %s matches the sleeve", c.Strategy),
		fmt.Sprintf("strategy %s not permitted, sleeve requires %s", c.Strategy, policy.Strategy))

	add(constitution.SleeveClause(c.Sleeve, "Delta"),
		policy.DeltaBand.Contains(c.Delta),
		fmt.Sprintf("delta %.2f within [%.2f, %.2f]", c.Delta, policy.DeltaBand.Min, policy.DeltaBand.Max),
		fmt.Sprintf("delta %.2f outside [%.2f, %.2f]", c.Delta, policy.DeltaBand.Min, policy.DeltaBand.Max))

	add(constitution.SleeveClause(c.Sleeve, "DTE"),
		policy.DTEBand.Contains(c.DTE),
		fmt.Sprintf("DTE %d within [%d, %d]", c.DTE, policy.DTEBand.Min, policy.DTEBand.Max),
		fmt.Sprintf("DTE %d outside [%d, %d]", c.DTE, policy.DTEBand.Min, policy.DTEBand.Max))

	add(constitution.SleeveClause(c.Sleeve, "Schedule"),
		policy.Schedule.Covers(c.When),
		"inside the sleeve entry window",
		fmt.Sprintf("%s is outside the sleeve entry window", c.When.Format("Mon 15:04")))

	capital := e.doc.Capital()
	notional := c.Notional()

	if c.AccountValue > 0 {
		exposureAfter := (c.SymbolExposure + notional) / c.AccountValue
		add(constitution.ClauseSymbolExposure,
			exposureAfter <= capital.PerSymbolExposureCap,
			fmt.Sprintf("symbol exposure %.2f within cap %.2f", exposureAfter, capital.PerSymbolExposureCap),
			fmt.Sprintf("symbol exposure %.2f would exceed cap %.2f", exposureAfter, capital.PerSymbolExposureCap))

		utilizationAfter := (c.DeployedCapital + notional) / c.AccountValue
		switch {
		case utilizationAfter > capital.DeploymentBand.Max:
			findings = append(findings, Finding{
				ClauseRef: constitution.ClauseCapitalDeployment,
				Verdict:   Rejected,
				Message: fmt.Sprintf("utilization %.3f would exceed %.2f",
					utilizationAfter, capital.DeploymentBand.Max),
			})
		case utilizationAfter < capital.DeploymentBand.Min:
			findings = append(findings, Finding{
				ClauseRef: constitution.ClauseCapitalDeployment,
				Verdict:   Warning,
				Message: fmt.Sprintf("utilization %.3f still below target %.2f",
					utilizationAfter, capital.DeploymentBand.Min),
			})
		default:
			findings = append(findings, Finding{
				ClauseRef: constitution.ClauseCapitalDeployment,
				Verdict:   Approved,
				Message:   fmt.Sprintf("utilization %.3f within deployment band", utilizationAfter),
			})
		}
	}

	liquidity := e.doc.Liquidity()
	add(constitution.ClauseLiquidityOI,
		c.Liquidity.OpenInterest >= liquidity.MinOpenInterest,
		fmt.Sprintf("open interest %d meets minimum %d", c.Liquidity.OpenInterest, liquidity.MinOpenInterest),
		fmt.Sprintf("open interest %d below minimum %d", c.Liquidity.OpenInterest, liquidity.MinOpenInterest))

	add(constitution.ClauseLiquidityVolume,
		c.Liquidity.DailyVolume >= liquidity.MinDailyVolume,
		fmt.Sprintf("volume %d meets minimum %d", c.Liquidity.DailyVolume, liquidity.MinDailyVolume),
		fmt.Sprintf("volume %d below minimum %d", c.Liquidity.DailyVolume, liquidity.MinDailyVolume))

	add(constitution.ClauseLiquiditySpread,
		c.Liquidity.SpreadPct <= liquidity.MaxSpreadPct,
		fmt.Sprintf("spread %.4f within maximum %.4f", c.Liquidity.SpreadPct, liquidity.MaxSpreadPct),
		fmt.Sprintf("spread %.4f exceeds maximum %.4f", c.Liquidity.SpreadPct, liquidity.MaxSpreadPct))

	if c.Liquidity.AverageDailyVolume > 0 {
		qty := c.Quantity
		if qty < 0 {
			qty = -qty
		}
		maxOrder := float64(c.Liquidity.AverageDailyVolume) * liquidity.MaxADVFraction
		add(constitution.ClauseLiquidityADV,
			float64(qty) <= maxOrder,
			fmt.Sprintf("order size %d within ADV cap %.0f", qty, maxOrder),
			fmt.Sprintf("order size %d exceeds ADV cap %.0f", qty, maxOrder))
	}

	return findings, nil
}

// evaluateClose approves closes unconditionally: reducing risk never needs
// permission. Evaluation still runs so the exit order carries an audited
// approval naming its client order id.
func (e *Engine) evaluateClose(c CloseContext) []Finding {
	msg := fmt.Sprintf("closing position %s is risk-reducing", c.PositionID)
	if c.Reason != "" {
		msg = fmt.Sprintf("closing position %s (%s) is risk-reducing", c.PositionID, c.Reason)
	}
	return []Finding{{
		ClauseRef: constitution.ClauseProtocolBreach,
		Verdict:   Approved,
		Message:   msg,
	}}
}

func (e *Engine) evaluateRoll(c RollContext) ([]Finding, bool, error) {
	policy, err := e.sleevePolicy(c.Sleeve)
	if err != nil {
		return nil, false, err
	}

	var findings []Finding
	forceExit := false

	threshold := e.doc.Protocol().RollCostThreshold
	if c.RemainingCredit <= 0 {
		findings = append(findings, Finding{
			ClauseRef: constitution.ClauseRollCost,
			Verdict:   Rejected,
			Message:   "no remaining credit to roll against",
		})
		forceExit = true
	} else {
		ratio := c.RollCost / c.RemainingCredit
		if ratio > threshold {
			findings = append(findings, Finding{
				ClauseRef: constitution.ClauseRollCost,
				Verdict:   Rejected,
				Message:   fmt.Sprintf("roll cost ratio %.3f exceeds %.2f of remaining credit", ratio, threshold),
			})
			forceExit = true
		} else {
			findings = append(findings, Finding{
				ClauseRef: constitution.ClauseRollCost,
				Verdict:   Approved,
				Message:   fmt.Sprintf("roll cost ratio %.3f within %.2f", ratio, threshold),
			})
		}
	}

	deltaOK := policy.DeltaBand.Contains(c.NewDelta)
	f := Finding{ClauseRef: constitution.SleeveClause(c.Sleeve, "Delta"), Verdict: Approved,
		Message: fmt.Sprintf("target delta %.2f within band", c.NewDelta)}
	if !deltaOK {
		f.Verdict = Rejected
		f.Message = fmt.Sprintf("target delta %.2f outside [%.2f, %.2f]", c.NewDelta, policy.DeltaBand.Min, policy.DeltaBand.Max)
	}
	findings = append(findings, f)

	dteOK := policy.DTEBand.Contains(c.NewDTE)
	f = Finding{ClauseRef: constitution.SleeveClause(c.Sleeve, "DTE"), Verdict: Approved,
		Message: fmt.Sprintf("target DTE %d within band", c.NewDTE)}
	if !dteOK {
		f.Verdict = Rejected
		f.Message = fmt.Sprintf("target DTE %d outside [%d, %d]", c.NewDTE, policy.DTEBand.Min, policy.DTEBand.Max)
	}
	findings = append(findings, f)

	return findings, forceExit, nil
}

func (e *Engine) evaluateFork(c ForkContext) ([]Finding, error) {
	policy, err := e.sleevePolicy(c.Sleeve)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	add := func(clause string, ok bool, okMsg, badMsg string) {
		f := Finding{ClauseRef: clause, Verdict: Approved, Message: okMsg}
		if !ok {
			f.Verdict = Rejected
			f.Message = badMsg
		}
		findings = append(findings, f)
	}

	add(constitution.ClauseAccountStates,
		c.State == domain.AccountActive,
		"account is ACTIVE",
		fmt.Sprintf("account state %s cannot fork", c.State))

	add(constitution.ClauseForkThreshold,
		c.CurrentValue >= policy.ForkThreshold,
		fmt.Sprintf("value %.2f meets fork threshold %.2f", c.CurrentValue, policy.ForkThreshold),
		fmt.Sprintf("value %.2f below fork threshold %.2f", c.CurrentValue, policy.ForkThreshold))

	add(constitution.ClauseAccountStates,
		!c.ForkInProgress,
		"no fork in progress",
		"a fork is already in progress")

	add(constitution.ClauseForkCount,
		c.ForkCount < policy.MaxForks,
		fmt.Sprintf("fork count %d under limit %d", c.ForkCount, policy.MaxForks),
		fmt.Sprintf("fork count %d at limit %d", c.ForkCount, policy.MaxForks))

	return findings, nil
}

func (e *Engine) evaluateHedge(c HedgeContext) []Finding {
	hedging := e.doc.Hedging()

	var findings []Finding
	add := func(clause string, ok bool, okMsg, badMsg string) {
		f := Finding{ClauseRef: clause, Verdict: Approved, Message: okMsg}
		if !ok {
			f.Verdict = Rejected
			f.Message = badMsg
		}
		findings = append(findings, f)
	}

	add(constitution.ClauseHedgeTrigger,
		c.VIX >= hedging.VIXHedgedWeek,
		fmt.Sprintf("VIX %.1f at or above trigger %.1f", c.VIX, hedging.VIXHedgedWeek),
		fmt.Sprintf("VIX %.1f below hedge trigger %.1f", c.VIX, hedging.VIXHedgedWeek))

	if c.PortfolioValue > 0 {
		fractionAfter := (c.HedgeSpend + c.ProposedCost) / c.PortfolioValue
		add(constitution.ClauseHedgeBudget,
			fractionAfter <= hedging.BudgetBand.Max,
			fmt.Sprintf("hedge budget %.4f within cap %.4f", fractionAfter, hedging.BudgetBand.Max),
			fmt.Sprintf("hedge budget %.4f would exceed cap %.4f", fractionAfter, hedging.BudgetBand.Max))
	}

	permitted := false
	for _, inst := range hedging.Instruments {
		if inst.Kind == c.InstrumentKind {
			permitted = true
			break
		}
	}
	add(constitution.ClauseHedgeInstrument,
		permitted,
		fmt.Sprintf("%s is a permitted hedge instrument", c.InstrumentKind),
		fmt.Sprintf("%s is not a permitted hedge instrument", c.InstrumentKind))

	add(constitution.ClauseHedgeDTE,
		hedging.DTEBand.Contains(c.DTE),
		fmt.Sprintf("hedge DTE %d within band", c.DTE),
		fmt.Sprintf("hedge DTE %d outside [%d, %d]", c.DTE, hedging.DTEBand.Min, hedging.DTEBand.Max))

	return findings
}

// evaluateLadder checks one LEAP ladder rung against the duration and delta
// bands of its strategy.
func (e *Engine) evaluateLadder(c LadderContext) ([]Finding, error) {
	policy := e.doc.LLMS()
	if !policy.Enabled {
		return nil, domain.NewError(domain.ErrConfig, "LLMS is disabled in the Constitution")
	}

	var durationBand constitution.IntBand
	var deltaBand constitution.Band
	switch c.Strategy {
	case domain.StrategyLeapCall:
		durationBand = policy.GrowthDurationBand
		deltaBand = policy.GrowthDeltaBand
	case domain.StrategyLeapPut:
		durationBand = policy.HedgeDurationBand
		deltaBand = policy.HedgeDeltaBand
	default:
		return nil, domain.Errorf(domain.ErrInvalidData, "strategy %s is not a ladder strategy", c.Strategy)
	}

	var findings []Finding
	add := func(clause string, ok bool, okMsg, badMsg string) {
		f := Finding{ClauseRef: clause, Verdict: Approved, Message: okMsg}
		if !ok {
			f.Verdict = Rejected
			f.Message = badMsg
		}
		findings = append(findings, f)
	}

	add(constitution.ClauseLLMSDuration,
		durationBand.Contains(c.Months),
		fmt.Sprintf("rung duration %d months within [%d, %d]", c.Months, durationBand.Min, durationBand.Max),
		fmt.Sprintf("rung duration %d months outside [%d, %d]", c.Months, durationBand.Min, durationBand.Max))

	add(constitution.ClauseLLMSDelta,
		deltaBand.Contains(c.Delta),
		fmt.Sprintf("rung delta %.2f within [%.2f, %.2f]", c.Delta, deltaBand.Min, deltaBand.Max),
		fmt.Sprintf("rung delta %.2f outside [%.2f, %.2f]", c.Delta, deltaBand.Min, deltaBand.Max))

	return findings, nil
}

// accountTransitions is the reachability table from the account state
// machine. SUSPENDED is absorbing in-process.
var accountTransitions = map[domain.AccountState][]domain.AccountState{
	domain.AccountSafe:    {domain.AccountActive, domain.AccountSafe, domain.AccountSuspended},
	domain.AccountActive:  {domain.AccountForking, domain.AccountMerging, domain.AccountSafe, domain.AccountSuspended},
	domain.AccountForking: {domain.AccountActive, domain.AccountSafe, domain.AccountSuspended},
	domain.AccountMerging: {domain.AccountActive, domain.AccountSafe, domain.AccountSuspended},
}

// TransitionAllowed reports whether the account state machine permits
// from -> to.
func TransitionAllowed(from, to domain.AccountState) bool {
	for _, allowed := range accountTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (e *Engine) evaluateTransition(c TransitionContext) []Finding {
	f := Finding{
		ClauseRef: constitution.ClauseAccountStates,
		Verdict:   Approved,
		Message:   fmt.Sprintf("%s -> %s is a permitted transition", c.From, c.To),
	}
	if !TransitionAllowed(c.From, c.To) {
		f.Verdict = Rejected
		f.Message = fmt.Sprintf("%s -> %s is not a permitted transition", c.From, c.To)
	}
	return []Finding{f}
}

// auditFailure records evaluations that could not run (unknown action,
// unknown sleeve, bad context). Failed calls are audited too.
func (e *Engine) auditFailure(action Action, subjects []string, evalErr error) {
	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindRuleEvaluation,
		Actor:      "rules",
		SubjectIDs: subjects,
		Payload: map[string]interface{}{
			"action": string(action),
			"error":  evalErr.Error(),
		},
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to audit rule evaluation failure")
	}
}
