// Package protocol implements the per-position escalation state machine.
// Breach of a short strike, measured in ATR units, drives four levels
// (L0-L3) with progressively tighter monitoring cadences; L2 queues a roll
// preparation and L3 demands an exit. De-escalation is deliberately slow
// and data problems never relax the posture.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/atr"
	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/rules"
)

// SpotProvider supplies the latest quote for a symbol.
type SpotProvider interface {
	Spot(symbol string) (domain.Quote, bool)
}

// ATRProvider computes ATR values. Satisfied by *atr.Service.
type ATRProvider interface {
	Compute(ctx context.Context, req atr.Request) (atr.Value, error)
}

// RuleEvaluator evaluates proposed actions. Satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(action rules.Action, ctx interface{}) (rules.Decision, error)
}

// ExitSubmitter submits a market exit for a position. Satisfied by the
// execution engine.
type ExitSubmitter interface {
	SubmitExit(ctx context.Context, pos *domain.Position) error
}

const (
	exitBackoffStart = time.Second
	exitBackoffCap   = 30 * time.Second

	// atrWindowFactor sizes the bar window fetched per ATR computation.
	atrWindowFactor = 3
)

// Engine owns the ProtocolState of every tracked open position.
type Engine struct {
	doc      *constitution.Document
	atrSvc   ATRProvider
	rules    RuleEvaluator
	spots    SpotProvider
	exits    ExitSubmitter
	auditLog *audit.Log
	events   *events.Manager
	log      zerolog.Logger

	now       func() time.Time
	timeAfter func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	states map[string]*State
}

// NewEngine creates a protocol engine.
func NewEngine(
	doc *constitution.Document,
	atrSvc ATRProvider,
	ruleEngine RuleEvaluator,
	spots SpotProvider,
	exits ExitSubmitter,
	auditLog *audit.Log,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		doc:       doc,
		atrSvc:    atrSvc,
		rules:     ruleEngine,
		spots:     spots,
		exits:     exits,
		auditLog:  auditLog,
		events:    eventManager,
		log:       log.With().Str("service", "protocol").Logger(),
		now:       time.Now,
		timeAfter: time.After,
		states:    make(map[string]*State),
	}
}

// SetClock overrides the clock and timer (used in tests).
func (e *Engine) SetClock(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	e.now = now
	e.timeAfter = after
}

// Track starts monitoring a position at L0.
func (e *Engine) Track(pos *domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.states[pos.ID]; exists {
		return
	}
	e.states[pos.ID] = &State{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Level:         domain.LevelL0,
		PendingAction: domain.ActionNone,
		LastATR:       pos.ATRAtEntry,
		EnteredLevel:  e.now(),
	}
	e.log.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).Msg("Tracking position")
}

// Untrack stops monitoring a position and discards its state.
func (e *Engine) Untrack(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, positionID)
}

// State returns a copy of the position's protocol state.
func (e *Engine) State(positionID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[positionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Cadence returns the monitoring interval for the position's current level.
func (e *Engine) Cadence(positionID string) time.Duration {
	st, ok := e.State(positionID)
	if !ok {
		return e.doc.Protocol().Cadence(domain.LevelL0)
	}
	return e.doc.Protocol().Cadence(st.Level)
}

// Tick performs one monitoring step for the position: refresh market
// inputs, recompute the level, apply escalation/de-escalation rules and
// evaluate exit conditions. Data failures hold the previous level; they
// never relax it.
func (e *Engine) Tick(ctx context.Context, pos *domain.Position) (State, error) {
	e.mu.Lock()
	st, ok := e.states[pos.ID]
	if !ok {
		e.mu.Unlock()
		return State{}, domain.Errorf(domain.ErrNotFound, "position %s is not tracked", pos.ID)
	}
	e.mu.Unlock()

	policy := e.doc.Protocol()
	now := e.now()
	cadence := policy.Cadence(st.Level)

	quote, spotOK := e.spots.Spot(pos.Symbol)
	atrVal, atrErr := e.atrSvc.Compute(ctx, atr.Request{
		Symbol:     pos.Symbol,
		Period:     policy.ATRPeriod,
		Method:     atr.Method(policy.ATRMethod),
		WindowDays: policy.ATRPeriod * atrWindowFactor,
		AsOf:       now,
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	if spotOK {
		st.LastSpot = quote.Mid()
		st.SpotAt = now
	}
	if atrErr == nil {
		st.LastATR = atrVal.Value
		st.ATRConfidence = atrVal.Confidence
		st.ATRAt = now
	} else {
		e.log.Warn().Str("position_id", pos.ID).Err(atrErr).
			Msg("ATR unavailable, holding previous level")
	}

	if !spotOK && atrErr != nil {
		newestInput := st.SpotAt
		if st.ATRAt.After(newestInput) {
			newestInput = st.ATRAt
		}
		if now.Sub(newestInput) > 2*cadence {
			e.raiseDataStale(pos, st, now.Sub(newestInput))
		}
		return *st, nil
	}

	if st.LastSpot <= 0 || st.LastATR <= 0 {
		return *st, nil
	}

	multiple := BreachMultiple(pos.Strategy, st.LastSpot, pos.Strike, st.LastATR)
	thresholds := levelThresholds{l1: policy.BreachL1, l2: policy.BreachL2, l3: policy.BreachL3}
	computed := thresholds.levelFor(multiple)

	switch {
	case computed > st.Level:
		e.escalate(pos, st, computed, multiple)
	case computed < st.Level:
		// De-escalation requires a fresh ATR; a held-over value may only
		// keep or raise the posture.
		if atrErr == nil {
			e.maybeDeescalate(pos, st, computed, multiple, now)
		}
	default:
		st.belowSince = time.Time{}
	}

	// Exit conditions apply on top of the level machinery.
	loss := -pos.UnrealizedPnL
	if multiple >= policy.StopLossMultiple ||
		(pos.Notional() > 0 && loss >= policy.MaxLossFraction*pos.Notional()) ||
		st.Level == domain.LevelL3 {
		e.markExit(pos, st, multiple)
	}

	return *st, nil
}

// escalate moves the state to a higher level. Called with e.mu held.
func (e *Engine) escalate(pos *domain.Position, st *State, to domain.ProtocolLevel, multiple float64) {
	from := st.Level
	st.Level = to
	st.PendingAction = actionForLevel(to)
	st.EnteredLevel = e.now()
	st.belowSince = time.Time{}

	e.log.Warn().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Str("from", from.String()).Str("to", to.String()).
		Float64("breach_multiple", multiple).Msg("Protocol escalation")

	e.auditTransition(pos, from, to, multiple, "escalation")
	e.events.Emit(events.ProtocolEscalated, "protocol", &events.ProtocolEscalatedData{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		FromLevel:     from.String(),
		ToLevel:       to.String(),
		BreachMult:    multiple,
		PendingAction: string(st.PendingAction),
	})
}

// maybeDeescalate lowers the level only after the breach has stayed below
// the threshold for one full interval at the target cadence. Called with
// e.mu held.
func (e *Engine) maybeDeescalate(pos *domain.Position, st *State, to domain.ProtocolLevel, multiple float64, now time.Time) {
	if st.belowSince.IsZero() || st.belowTarget != to {
		st.belowSince = now
		st.belowTarget = to
		return
	}
	dwell := e.doc.Protocol().Cadence(to)
	if now.Sub(st.belowSince) < dwell {
		return
	}

	from := st.Level
	st.Level = to
	st.PendingAction = actionForLevel(to)
	st.EnteredLevel = now
	st.belowSince = time.Time{}

	e.log.Info().Str("position_id", pos.ID).Str("from", from.String()).
		Str("to", to.String()).Msg("Protocol de-escalation")

	e.auditTransition(pos, from, to, multiple, "de-escalation")
	e.events.Emit(events.ProtocolDeescalated, "protocol", &events.ProtocolEscalatedData{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		FromLevel:     from.String(),
		ToLevel:       to.String(),
		BreachMult:    multiple,
		PendingAction: string(st.PendingAction),
	})
}

// markExit queues an EXIT if one is not already pending. Called with e.mu held.
func (e *Engine) markExit(pos *domain.Position, st *State, multiple float64) {
	if st.PendingAction == domain.ActionExit {
		return
	}
	st.PendingAction = domain.ActionExit

	e.log.Warn().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Float64("breach_multiple", multiple).Msg("Exit condition met")

	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindProtocolEvent,
		Actor:      "protocol",
		ClauseRefs: []string{constitution.ClauseProtocolStopLoss, constitution.ClauseProtocolMaxLoss},
		SubjectIDs: []string{pos.ID, pos.Symbol},
		Payload: map[string]interface{}{
			"event":           "exit_triggered",
			"level":           st.Level.String(),
			"breach_multiple": multiple,
			"unrealized_pnl":  pos.UnrealizedPnL,
		},
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to audit exit trigger")
	}

	e.events.Emit(events.ExitTriggered, "protocol", &events.ProtocolEscalatedData{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		FromLevel:     st.Level.String(),
		ToLevel:       st.Level.String(),
		BreachMult:    multiple,
		PendingAction: string(domain.ActionExit),
	})
}

func (e *Engine) auditTransition(pos *domain.Position, from, to domain.ProtocolLevel, multiple float64, kind string) {
	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindProtocolEvent,
		Actor:      "protocol",
		ClauseRefs: []string{constitution.ClauseProtocolBreach},
		SubjectIDs: []string{pos.ID, pos.Symbol},
		Payload: map[string]interface{}{
			"event":           kind,
			"from":            from.String(),
			"to":              to.String(),
			"breach_multiple": multiple,
		},
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to audit protocol transition")
	}
}

// raiseDataStale audits and emits the stale-data alert without touching the
// level. Called with e.mu held.
func (e *Engine) raiseDataStale(pos *domain.Position, st *State, age time.Duration) {
	e.log.Warn().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Dur("input_age", age).Msg("Spot and ATR both unavailable, keeping prior level")

	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindProtocolEvent,
		Actor:      "protocol",
		SubjectIDs: []string{pos.ID, pos.Symbol},
		Payload: map[string]interface{}{
			"event":         "data_stale",
			"level":         st.Level.String(),
			"input_age_sec": age.Seconds(),
		},
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to audit stale-data alert")
	}

	e.events.EmitError("protocol", domain.Errorf(domain.ErrDataStale,
		"no market inputs for %s in %s", pos.Symbol, age), map[string]interface{}{
		"position_id": pos.ID,
	})
}

// EvaluateRoll runs the roll economics through the rules engine. A refused
// roll forces the position to L3 with a pending EXIT.
func (e *Engine) EvaluateRoll(pos *domain.Position, sleeve domain.Sleeve, rollCost, remainingCredit, newDelta float64, newDTE int) (rules.Decision, error) {
	decision, err := e.rules.Evaluate(rules.ActionRollPosition, rules.RollContext{
		PositionID:      pos.ID,
		Sleeve:          sleeve,
		RollCost:        rollCost,
		RemainingCredit: remainingCredit,
		NewDelta:        newDelta,
		NewDTE:          newDTE,
	})
	if err != nil {
		return rules.Decision{}, err
	}

	if decision.ForceExit {
		e.mu.Lock()
		if st, ok := e.states[pos.ID]; ok {
			from := st.Level
			st.Level = domain.LevelL3
			st.PendingAction = domain.ActionExit
			st.EnteredLevel = e.now()
			if from != domain.LevelL3 {
				e.auditTransition(pos, from, domain.LevelL3, 0, "roll_refused")
			}
		}
		e.mu.Unlock()

		e.events.Emit(events.RollRefused, "protocol", &events.RollRefusedData{
			PositionID:      pos.ID,
			Symbol:          pos.Symbol,
			RollCost:        rollCost,
			RemainingCredit: remainingCredit,
		})
	}

	return decision, nil
}

// ExecuteExit submits the exit order, retrying broker rejects with
// exponential backoff until the policy deadline. On deadline the L3 pending
// action is preserved and ExitFailed is returned.
func (e *Engine) ExecuteExit(ctx context.Context, pos *domain.Position) error {
	policy := e.doc.Protocol()
	deadline := e.now().Add(time.Duration(policy.ExitRetrySeconds) * time.Second)
	backoff := exitBackoffStart

	for {
		err := e.exits.SubmitExit(ctx, pos)
		if err == nil {
			e.mu.Lock()
			if st, ok := e.states[pos.ID]; ok {
				st.PendingAction = domain.ActionNone
			}
			e.mu.Unlock()
			return nil
		}
		if !domain.HasCode(err, domain.ErrBrokerReject) && !domain.HasCode(err, domain.ErrTimeout) {
			return err
		}

		if e.now().Add(backoff).After(deadline) {
			e.log.Error().Str("position_id", pos.ID).Err(err).
				Msg("Exit retries exhausted, preserving L3 pending action")
			if _, auditErr := e.auditLog.Append(audit.Record{
				Kind:       audit.KindProtocolEvent,
				Actor:      "protocol",
				SubjectIDs: []string{pos.ID, pos.Symbol},
				Payload: map[string]interface{}{
					"event": "exit_failed",
					"cause": err.Error(),
				},
			}); auditErr != nil {
				e.log.Error().Err(auditErr).Msg("Failed to audit exit failure")
			}
			return domain.WrapError(domain.ErrExitFailed, err, "exit retries exhausted")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.timeAfter(backoff):
		}
		backoff *= 2
		if backoff > exitBackoffCap {
			backoff = exitBackoffCap
		}
	}
}

// RunPosition is the per-position monitoring loop: tick, act on pending
// exits, sleep for the level's cadence. fetch returning false ends the loop
// and discards the state.
func (e *Engine) RunPosition(ctx context.Context, positionID string, fetch func() (*domain.Position, bool)) {
	for {
		pos, ok := fetch()
		if !ok || pos.Status != domain.PositionOpen {
			e.Untrack(positionID)
			return
		}

		st, err := e.Tick(ctx, pos)
		if err != nil {
			e.log.Error().Str("position_id", positionID).Err(err).Msg("Tick failed")
			return
		}

		if st.PendingAction == domain.ActionExit {
			if err := e.ExecuteExit(ctx, pos); err != nil && ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-e.timeAfter(e.doc.Protocol().Cadence(st.Level)):
		}
	}
}
