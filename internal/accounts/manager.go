// Package accounts implements the account manager: the account tree, its
// state machine, capital reservation, forking and consolidation, and the
// SAFE-mode reconciliation gate. All account mutation in the system goes
// through the Manager; readers get value copies.
package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/portfolio"
	"github.com/aristath/warden/internal/rules"
)

// RuleEvaluator evaluates proposed actions. Satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(action rules.Action, ctx interface{}) (rules.Decision, error)
}

// BrokerView is the read-only broker surface used for reconciliation.
type BrokerView interface {
	Positions(ctx context.Context) ([]domain.BrokerPosition, error)
	Balances(ctx context.Context) ([]domain.BrokerBalance, error)
}

// cashTolerance is the largest internal-vs-broker cash difference that still
// reconciles, in account currency.
var cashTolerance = decimal.NewFromFloat(0.01)

// Manager owns the account tree.
type Manager struct {
	doc       *constitution.Document
	repo      *Repository
	positions *portfolio.PositionRepository
	rules     RuleEvaluator
	auditLog  *audit.Log
	events    *events.Manager
	log       zerolog.Logger

	now   func() time.Time
	newID func() string

	// One mutex for the whole tree: account mutations are rare and the
	// capital invariant spans parent and child.
	mu sync.Mutex
}

// NewManager creates the account manager.
func NewManager(
	doc *constitution.Document,
	repo *Repository,
	positions *portfolio.PositionRepository,
	ruleEngine RuleEvaluator,
	auditLog *audit.Log,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		doc:       doc,
		repo:      repo,
		positions: positions,
		rules:     ruleEngine,
		auditLog:  auditLog,
		events:    eventManager,
		log:       log.With().Str("service", "accounts").Logger(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// SetClock overrides the clock (used in tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetIDGenerator overrides account id generation (used in tests).
func (m *Manager) SetIDGenerator(gen func() string) { m.newID = gen }

// CreateRoot creates a root account for a sleeve. New accounts start SAFE
// and must reconcile before trading.
func (m *Manager) CreateRoot(sleeve domain.Sleeve, initialCapital decimal.Decimal) (*domain.Account, error) {
	if !sleeve.Valid() {
		return nil, domain.Errorf(domain.ErrUnknownSleeve, "unknown sleeve %q", sleeve)
	}
	now := m.now()
	acct := &domain.Account{
		ID:              m.newID(),
		Sleeve:          sleeve,
		State:           domain.AccountSafe,
		InitialCapital:  initialCapital,
		CurrentValue:    initialCapital,
		ReservedCapital: decimal.Zero,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := m.repo.Create(acct); err != nil {
		return nil, err
	}

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindStateChange,
		Actor:      "accounts",
		SubjectIDs: []string{acct.ID},
		Payload: map[string]interface{}{
			"event":   "account_created",
			"sleeve":  string(sleeve),
			"capital": initialCapital.String(),
		},
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit account creation")
	}
	return acct, nil
}

// Get returns a copy of the account.
func (m *Manager) Get(id string) (*domain.Account, error) {
	return m.repo.GetByID(id)
}

// All returns every account.
func (m *Manager) All() ([]*domain.Account, error) {
	return m.repo.GetAll()
}

// Transition moves the account through its state machine. The transition is
// validated by the rules engine, persisted, audited and emitted.
func (m *Manager) Transition(accountID string, to domain.AccountState, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(accountID, to, trigger)
}

func (m *Manager) transitionLocked(accountID string, to domain.AccountState, trigger string) error {
	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	from := acct.State

	decision, err := m.rules.Evaluate(rules.ActionStateTransition, rules.TransitionContext{
		AccountID: accountID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return err
	}
	if decision.Verdict == rules.Rejected {
		return &domain.CodedError{
			Code:       domain.ErrRuleViolation,
			Message:    string(from) + " -> " + string(to) + " is not a permitted transition",
			ClauseRefs: []string{constitution.ClauseAccountStates},
		}
	}

	acct.State = to
	acct.LastActivity = m.now()
	if err := m.repo.Update(acct); err != nil {
		return err
	}

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindStateChange,
		Actor:      "accounts",
		ClauseRefs: []string{constitution.ClauseAccountStates},
		SubjectIDs: []string{accountID},
		Payload: map[string]interface{}{
			"from":    string(from),
			"to":      string(to),
			"trigger": trigger,
		},
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit state transition")
	}

	m.events.Emit(events.AccountStateChanged, "accounts", &events.AccountStateChangedData{
		AccountID: accountID,
		FromState: string(from),
		ToState:   string(to),
		Trigger:   trigger,
	})
	return nil
}

// Reserve holds capital against an upcoming order. The reservation fails
// with InvariantViolation if it would push reserved above current value.
func (m *Manager) Reserve(accountID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	if amount.IsNegative() {
		return domain.NewError(domain.ErrInvalidData, "reservation amount must be positive")
	}
	next := acct.ReservedCapital.Add(amount)
	if next.GreaterThan(acct.CurrentValue) {
		return domain.Errorf(domain.ErrInvariant,
			"reserving %s would exceed current value %s (reserved %s)",
			amount, acct.CurrentValue, acct.ReservedCapital)
	}
	acct.ReservedCapital = next
	acct.LastActivity = m.now()
	return m.repo.Update(acct)
}

// Release returns reserved capital. Releasing more than is held is an
// invariant violation.
func (m *Manager) Release(accountID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	next := acct.ReservedCapital.Sub(amount)
	if next.IsNegative() {
		return domain.Errorf(domain.ErrInvariant,
			"releasing %s exceeds reserved %s", amount, acct.ReservedCapital)
	}
	acct.ReservedCapital = next
	acct.LastActivity = m.now()
	return m.repo.Update(acct)
}

// ApplyPnL adjusts the account's current value by realized P&L or fees.
func (m *Manager) ApplyPnL(accountID string, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	acct.CurrentValue = acct.CurrentValue.Add(delta)
	acct.LastActivity = m.now()
	if acct.ReservedCapital.GreaterThan(acct.CurrentValue) {
		return domain.Errorf(domain.ErrInvariant,
			"P&L of %s would leave reserved %s above value %s",
			delta, acct.ReservedCapital, acct.CurrentValue)
	}
	return m.repo.Update(acct)
}

// Fork splits the account: half of the current value moves into a new child
// of the same sleeve. The whole operation is journaled; every step before
// the sealing audit record is reversible. Returns the child id.
func (m *Manager) Fork(ctx context.Context, parentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.repo.GetByID(parentID)
	if err != nil {
		return "", err
	}

	decision, err := m.rules.Evaluate(rules.ActionForkAccount, rules.ForkContext{
		AccountID:      parentID,
		Sleeve:         parent.Sleeve,
		State:          parent.State,
		CurrentValue:   parent.CurrentValue.InexactFloat64(),
		ForkInProgress: parent.State == domain.AccountForking,
		ForkCount:      parent.ForkCount,
	})
	if err != nil {
		return "", err
	}
	if decision.Verdict == rules.Rejected {
		return "", &domain.CodedError{
			Code:       domain.ErrRuleViolation,
			Message:    "fork rejected",
			ClauseRefs: []string{constitution.ClauseForkThreshold, constitution.ClauseForkCount},
		}
	}

	if err := m.transitionLocked(parentID, domain.AccountForking, "fork"); err != nil {
		return "", err
	}

	transfer := parent.CurrentValue.Div(decimal.NewFromInt(2)).RoundDown(2)

	// Step 1: reserve the transfer on the parent. Reversible.
	parent, err = m.repo.GetByID(parentID)
	if err != nil {
		return "", err
	}
	if parent.ReservedCapital.Add(transfer).GreaterThan(parent.CurrentValue) {
		_ = m.transitionLocked(parentID, domain.AccountActive, "fork_unwound")
		return "", domain.Errorf(domain.ErrInvariant, "fork transfer %s exceeds free capital", transfer)
	}
	parent.ReservedCapital = parent.ReservedCapital.Add(transfer)
	if err := m.repo.Update(parent); err != nil {
		_ = m.transitionLocked(parentID, domain.AccountActive, "fork_unwound")
		return "", err
	}

	unwind := func() {
		parent.ReservedCapital = parent.ReservedCapital.Sub(transfer)
		if updErr := m.repo.Update(parent); updErr != nil {
			m.log.Error().Err(updErr).Msg("Failed to release fork reservation during unwind")
		}
		_ = m.transitionLocked(parentID, domain.AccountActive, "fork_unwound")
	}

	// Step 2: create the child. Reversible (deleted on unwind).
	now := m.now()
	child := &domain.Account{
		ID:              m.newID(),
		Sleeve:          parent.Sleeve,
		ParentID:        &parent.ID,
		State:           domain.AccountActive,
		InitialCapital:  transfer,
		CurrentValue:    transfer,
		ReservedCapital: decimal.Zero,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := m.repo.Create(child); err != nil {
		unwind()
		return "", err
	}

	// Step 3: move the reserved capital out of the parent.
	parent.CurrentValue = parent.CurrentValue.Sub(transfer)
	parent.ReservedCapital = parent.ReservedCapital.Sub(transfer)
	parent.ForkCount++
	if err := m.repo.Update(parent); err != nil {
		if delErr := m.repo.Delete(child.ID); delErr != nil {
			m.log.Error().Err(delErr).Msg("Failed to delete child during fork unwind")
		}
		unwind()
		return "", err
	}

	// Step 4: seal. After this record the fork is committed.
	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindFork,
		Actor:      "accounts",
		ClauseRefs: []string{constitution.ClauseForkThreshold},
		SubjectIDs: []string{parent.ID, child.ID},
		Payload: map[string]interface{}{
			"parent_id":   parent.ID,
			"child_id":    child.ID,
			"sleeve":      string(parent.Sleeve),
			"transferred": transfer.String(),
		},
	}); err != nil {
		return "", domain.WrapError(domain.ErrInvariant, err, "fork seal could not be audited")
	}

	if err := m.transitionLocked(parentID, domain.AccountActive, "fork_complete"); err != nil {
		return "", err
	}

	m.log.Info().Str("parent_id", parent.ID).Str("child_id", child.ID).
		Str("transferred", transfer.String()).Msg("Account forked")

	m.events.Emit(events.AccountForked, "accounts", &events.AccountForkedData{
		ParentID:    parent.ID,
		ChildID:     child.ID,
		Sleeve:      string(parent.Sleeve),
		Transferred: transfer.String(),
	})
	return child.ID, nil
}

// Consolidate merges a child back into its parent: open positions are
// re-parented, capital is summed, and the child ends SUSPENDED.
func (m *Manager) Consolidate(ctx context.Context, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	child, err := m.repo.GetByID(childID)
	if err != nil {
		return err
	}
	if child.ParentID == nil {
		return domain.Errorf(domain.ErrInvalidData, "account %s has no parent to merge into", childID)
	}
	if child.State != domain.AccountActive {
		return domain.Errorf(domain.ErrRuleViolation,
			"account %s is %s, only ACTIVE accounts consolidate", childID, child.State)
	}
	parentID := *child.ParentID
	parent, err := m.repo.GetByID(parentID)
	if err != nil {
		return err
	}

	if err := m.transitionLocked(parentID, domain.AccountMerging, "consolidation"); err != nil {
		return err
	}

	moved, err := m.positions.Reparent(childID, parentID)
	if err != nil {
		_ = m.transitionLocked(parentID, domain.AccountActive, "consolidation_unwound")
		return err
	}

	transferred := child.CurrentValue
	parent.CurrentValue = parent.CurrentValue.Add(transferred)
	parent.LastActivity = m.now()
	if err := m.repo.Update(parent); err != nil {
		_ = m.transitionLocked(parentID, domain.AccountActive, "consolidation_unwound")
		return err
	}

	child.CurrentValue = decimal.Zero
	child.ReservedCapital = decimal.Zero
	child.State = domain.AccountSuspended
	child.LastActivity = m.now()
	if err := m.repo.Update(child); err != nil {
		return domain.WrapError(domain.ErrInvariant, err, "consolidation left child unsuspended")
	}

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindConsolidation,
		Actor:      "accounts",
		SubjectIDs: []string{parentID, childID},
		Payload: map[string]interface{}{
			"parent_id":       parentID,
			"child_id":        childID,
			"transferred":     transferred.String(),
			"moved_positions": moved,
		},
	}); err != nil {
		return domain.WrapError(domain.ErrInvariant, err, "consolidation could not be audited")
	}

	if err := m.transitionLocked(parentID, domain.AccountActive, "consolidation_complete"); err != nil {
		return err
	}

	m.log.Info().Str("parent_id", parentID).Str("child_id", childID).
		Int64("moved_positions", moved).Msg("Account consolidated")

	m.events.Emit(events.AccountConsolidated, "accounts", &events.AccountForkedData{
		ParentID:    parentID,
		ChildID:     childID,
		Sleeve:      string(child.Sleeve),
		Transferred: transferred.String(),
	})
	return nil
}

// Reconcile verifies the internal ledger against the broker and, when clean
// and VIX is below the safe-mode trigger, moves the account SAFE -> ACTIVE.
// Any mismatch keeps the account SAFE and raises an alert.
func (m *Manager) Reconcile(ctx context.Context, accountID string, broker BrokerView, vix float64) error {
	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	if acct.State != domain.AccountSafe {
		return domain.Errorf(domain.ErrInvalidData, "account %s is %s, reconciliation applies to SAFE", accountID, acct.State)
	}

	mismatches, err := m.compareWithBroker(ctx, acct, broker)
	if err != nil {
		return err
	}

	if _, err := m.auditLog.Append(audit.Record{
		Kind:       audit.KindReconciliation,
		Actor:      "accounts",
		SubjectIDs: []string{accountID},
		Payload: map[string]interface{}{
			"mismatches": mismatches,
			"clean":      len(mismatches) == 0,
		},
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit reconciliation")
	}

	if len(mismatches) > 0 {
		m.events.EmitError("accounts", domain.Errorf(domain.ErrReconciliation,
			"%d reconciliation mismatches on %s", len(mismatches), accountID), map[string]interface{}{
			"account_id": accountID,
			"mismatches": mismatches,
		})
		return domain.Errorf(domain.ErrReconciliation,
			"account %s has %d reconciliation mismatches", accountID, len(mismatches))
	}

	if vix >= m.doc.Hedging().VIXSafeMode {
		m.log.Info().Str("account_id", accountID).Float64("vix", vix).
			Msg("Reconciliation clean but VIX above safe-mode trigger, staying SAFE")
		return nil
	}

	return m.Transition(accountID, domain.AccountActive, "reconciliation_complete")
}

// compareWithBroker returns one description per divergence between the
// internal ledger and the broker's view.
func (m *Manager) compareWithBroker(ctx context.Context, acct *domain.Account, broker BrokerView) ([]string, error) {
	brokerPositions, err := broker.Positions(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTimeout, err, "failed to fetch broker positions")
	}
	balances, err := broker.Balances(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTimeout, err, "failed to fetch broker balances")
	}

	internal, err := m.positions.GetOpenByAccount(acct.ID)
	if err != nil {
		return nil, err
	}

	var mismatches []string
	internalBySymbol := make(map[string]int)
	for _, pos := range internal {
		internalBySymbol[pos.Symbol] += pos.Quantity
	}
	brokerBySymbol := make(map[string]int)
	for _, pos := range brokerPositions {
		brokerBySymbol[pos.Symbol] += pos.Quantity
	}

	for symbol, qty := range internalBySymbol {
		if brokerBySymbol[symbol] != qty {
			mismatches = append(mismatches, "position "+symbol+": internal and broker quantities differ")
		}
	}
	for symbol := range brokerBySymbol {
		if _, ok := internalBySymbol[symbol]; !ok {
			mismatches = append(mismatches, "position "+symbol+": held at broker, absent internally")
		}
	}

	var cash decimal.Decimal
	for _, b := range balances {
		cash = cash.Add(decimal.NewFromFloat(b.Amount))
	}
	if cash.Sub(acct.AvailableCapital()).Abs().GreaterThan(cashTolerance) {
		mismatches = append(mismatches, "cash: internal and broker balances differ")
	}

	return mismatches, nil
}

// EnterSafeMode moves every non-suspended account to SAFE.
func (m *Manager) EnterSafeMode(reason string) error {
	all, err := m.repo.GetAll()
	if err != nil {
		return err
	}
	for _, acct := range all {
		if acct.State == domain.AccountSuspended || acct.State == domain.AccountSafe {
			continue
		}
		if err := m.Transition(acct.ID, domain.AccountSafe, reason); err != nil {
			return err
		}
	}
	m.events.Emit(events.SafeModeEntered, "accounts", &events.SafeModeData{Reason: reason})
	return nil
}

// Snapshot records the account's equity for performance attribution.
func (m *Manager) Snapshot(accountID string) error {
	acct, err := m.repo.GetByID(accountID)
	if err != nil {
		return err
	}
	return m.repo.RecordSnapshot(accountID, m.now(), acct.CurrentValue)
}

// Performance computes the attribution metrics of one account from its
// equity snapshots and closed trades.
func (m *Manager) Performance(accountID string, riskFree float64) (Performance, error) {
	values, err := m.repo.Snapshots(accountID)
	if err != nil {
		return Performance{}, err
	}
	pnls, err := m.closedTradePnLs(accountID)
	if err != nil {
		return Performance{}, err
	}
	return ComputePerformance(values, pnls, riskFree), nil
}

// TreePerformance aggregates metrics from the root down its subtree with
// value weighting.
func (m *Manager) TreePerformance(rootID string, riskFree float64) (Performance, error) {
	root, err := m.repo.GetByID(rootID)
	if err != nil {
		return Performance{}, err
	}

	accounts := []*domain.Account{root}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := m.repo.GetChildren(id)
		if err != nil {
			return Performance{}, err
		}
		for _, child := range children {
			accounts = append(accounts, child)
			queue = append(queue, child.ID)
		}
	}

	perfs := make([]Performance, len(accounts))
	weights := make([]float64, len(accounts))
	for i, acct := range accounts {
		perf, err := m.Performance(acct.ID, riskFree)
		if err != nil {
			return Performance{}, err
		}
		perfs[i] = perf
		weights[i] = acct.CurrentValue.InexactFloat64()
	}
	return AggregatePerformance(perfs, weights), nil
}

// closedTradePnLs returns the realized P&L of each closed trade; open
// positions are excluded from win-rate style metrics.
func (m *Manager) closedTradePnLs(accountID string) ([]float64, error) {
	return m.positions.ClosedPnLs(accountID)
}
