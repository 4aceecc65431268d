// Package execution implements the order engine: pre-trade validation
// through the rules engine, idempotent submission keyed by client order id,
// slicing of large orders, rate-limited dispatch to the broker, broker event
// consumption, the stuck-order timeout sweeper and broker reconciliation.
package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/rules"
)

const (
	dispatchQueueSize = 128
	submitTimeout     = 10 * time.Second
	orderTimeout      = 5 * time.Minute
	sweepInterval     = 10 * time.Second
)

// RuleEvaluator evaluates proposed actions. Satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(action rules.Action, ctx interface{}) (rules.Decision, error)
}

// SubmitRequest is one order intent. RuleContext carries the open-position
// context for rule validation; callers that run their own evaluation first
// (exits, hedges, ladder rungs) leave it nil.
type SubmitRequest struct {
	ClientOrderID string
	AccountID     string
	PositionID    string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      int
	LimitPrice    float64
	TimeInForce   domain.TimeInForce
	RuleContext   *rules.OpenContext
}

// Engine owns every order. One dispatcher drains the queue through the rate
// limiter; one consumer applies the broker event stream in sequence order.
type Engine struct {
	doc      *constitution.Document
	rules    RuleEvaluator
	broker   domain.BrokerClient
	repo     *OrderRepository
	auditLog *audit.Log
	events   *events.Manager
	log      zerolog.Logger

	now    func() time.Time
	bucket *tokenBucket

	mu      sync.Mutex
	orders  map[string]*Order
	lastSeq uint64

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the execution engine.
func NewEngine(
	doc *constitution.Document,
	ruleEngine RuleEvaluator,
	broker domain.BrokerClient,
	repo *OrderRepository,
	auditLog *audit.Log,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		doc:      doc,
		rules:    ruleEngine,
		broker:   broker,
		repo:     repo,
		auditLog: auditLog,
		events:   eventManager,
		log:      log.With().Str("service", "execution").Logger(),
		now:      time.Now,
		bucket:   newTokenBucket(5, 2),
		orders:   make(map[string]*Order),
		queue:    make(chan string, dispatchQueueSize),
	}
}

// SetClock overrides the engine clock (used in tests). The rate limiter
// stays on wall time: throttling is about the real venue, not model time.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Start loads live orders from the store, reconciles against the broker and
// launches the dispatcher, event consumer and timeout sweeper.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	live, err := e.repo.GetLive()
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, o := range live {
		e.orders[o.ID] = o
	}
	e.mu.Unlock()

	if err := e.Reconcile(runCtx); err != nil {
		e.log.Warn().Err(err).Msg("Startup reconciliation incomplete")
	}

	e.wg.Add(3)
	go e.dispatcher(runCtx)
	go e.consumeBrokerEvents(runCtx)
	go e.sweeper(runCtx)

	e.log.Info().Int("live_orders", len(live)).Msg("Execution engine started")
	return nil
}

// Stop shuts the workers down. Live orders stay persisted for the next start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info().Msg("Execution engine stopped")
}

// Healthy reports whether the dispatch loop is running with queue headroom.
func (e *Engine) Healthy() error {
	if e.cancel == nil {
		return domain.NewError(domain.ErrInvalidData, "execution engine not started")
	}
	if len(e.queue) >= cap(e.queue) {
		return domain.NewError(domain.ErrBackpressure, "dispatch queue full")
	}
	return nil
}

// Get returns a copy of one order.
func (e *Engine) Get(id string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return e.repo.GetByID(id)
	}
	cp := *o
	return &cp, nil
}

// Submit validates and enqueues an order intent. Resubmitting a known client
// order id returns the existing order with a duplicate note and never
// creates a second one. A rules rejection or cap breach returns the order in
// REJECTED with the refusal recorded; infrastructure failures return errors.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Order, error) {
	if req.ClientOrderID == "" || req.Quantity <= 0 {
		return nil, domain.NewError(domain.ErrInvalidData, "order needs a client order id and positive quantity")
	}

	e.mu.Lock()
	if existing, ok := e.orders[req.ClientOrderID]; ok {
		e.noteDuplicateLocked(existing)
		cp := *existing
		e.mu.Unlock()
		return &cp, nil
	}
	e.mu.Unlock()
	if existing, err := e.repo.GetByID(req.ClientOrderID); err == nil {
		e.mu.Lock()
		e.orders[existing.ID] = existing
		e.noteDuplicateLocked(existing)
		cp := *existing
		e.mu.Unlock()
		return &cp, nil
	}

	now := e.now()
	order := &Order{
		ID:          req.ClientOrderID,
		AccountID:   req.AccountID,
		PositionID:  req.PositionID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		TimeInForce: req.TimeInForce,
		Status:      StatusPendingValidation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.track(order)

	// Daily volume cap.
	capQty := e.doc.Capital().DailyOrderQtyCap
	if capQty > 0 {
		used, err := e.repo.SubmittedQtyOn(req.AccountID, now)
		if err != nil {
			return nil, err
		}
		// The new order is already persisted, so it is part of used.
		if used > capQty {
			return e.reject(order, fmt.Sprintf("daily order quantity cap %d exceeded", capQty),
				[]string{constitution.ClauseDailyOrderCap}), nil
		}
	}

	// Constitutional validation for opens. Exits are evaluated as closes in
	// SubmitExit before the order exists.
	if req.RuleContext != nil {
		decision, err := e.rules.Evaluate(rules.ActionOpenPosition, *req.RuleContext)
		if err != nil {
			return nil, err
		}
		if decision.Verdict == rules.Rejected {
			return e.reject(order, decision.Rejections(), nil), nil
		}
	}

	e.transition(order, StatusValidated, "")

	slices := e.makeSlices(order)
	for _, slice := range slices {
		select {
		case e.queue <- slice.ID:
		default:
			e.transition(order, StatusRejected, "dispatch queue full")
			for _, s := range slices {
				e.transition(s, StatusRejected, "dispatch queue full")
			}
			return nil, domain.Errorf(domain.ErrBackpressure,
				"dispatch queue full, order %s refused", order.ID)
		}
	}

	cp := *order
	return &cp, nil
}

// SubmitExit submits a closing order for a position under protocol mandate.
// The client order id derives from the position id so retries after a failed
// attempt stay idempotent per attempt.
func (e *Engine) SubmitExit(ctx context.Context, pos *domain.Position) error {
	side := domain.SideSell
	qty := pos.Quantity
	if qty < 0 {
		side = domain.SideBuy
		qty = -qty
	}
	if qty == 0 {
		return domain.Errorf(domain.ErrInvalidData, "position %s has no quantity to exit", pos.ID)
	}

	id := e.exitOrderID(pos.ID)

	// Closes are always approved, but every order still needs an audited
	// evaluation naming its client order id before it can fill.
	decision, err := e.rules.Evaluate(rules.ActionClosePosition, rules.CloseContext{
		AccountID:     pos.AccountID,
		PositionID:    pos.ID,
		ClientOrderID: id,
		Symbol:        pos.Symbol,
		Reason:        "protocol_exit",
	})
	if err != nil {
		return err
	}
	if decision.Verdict == rules.Rejected {
		return domain.Errorf(domain.ErrRuleViolation, "exit order %s refused: %s", id, decision.Rejections())
	}

	order, err := e.Submit(ctx, SubmitRequest{
		ClientOrderID: id,
		AccountID:     pos.AccountID,
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          domain.OrderMarket,
		Quantity:      qty,
		TimeInForce:   domain.TIFIOC,
	})
	if err != nil {
		return err
	}
	if order.Status == StatusRejected {
		return domain.Errorf(domain.ErrBrokerReject, "exit order %s rejected: %s", order.ID, order.Reason)
	}
	return nil
}

// exitOrderID returns the next free exit id for the position: attempt one is
// exit-<pos>, later attempts get a numeric suffix once the prior attempt has
// failed terminally. A live or filled attempt is reused as-is, keeping the
// retry idempotent.
func (e *Engine) exitOrderID(positionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	base := "exit-" + positionID
	id := base
	for attempt := 2; ; attempt++ {
		o, ok := e.orders[id]
		if !ok {
			return id
		}
		if !o.Status.Terminal() || o.Status == StatusFilled {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, attempt)
	}
}

// Cancel requests cancellation of a live order.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return domain.Errorf(domain.ErrNotFound, "order %s not found", id)
	}
	status := o.Status
	e.mu.Unlock()

	switch status {
	case StatusSubmitted, StatusPartiallyFilled:
		if err := e.broker.CancelOrder(ctx, id); err != nil {
			return domain.WrapError(domain.ErrBrokerReject, err, "cancel failed for "+id)
		}
		return nil
	case StatusPendingValidation, StatusValidated:
		e.transition(o, StatusCancelled, "cancelled before dispatch")
		return nil
	default:
		return domain.Errorf(domain.ErrInvalidData, "order %s is %s, nothing to cancel", id, status)
	}
}

func (e *Engine) noteDuplicateLocked(o *Order) {
	note := "duplicate-detected"
	for _, n := range o.Notes {
		if n == note {
			return
		}
	}
	o.Notes = append(o.Notes, note)
	if err := e.repo.Save(o); err != nil {
		e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to persist duplicate note")
	}
}

// makeSlices splits an over-threshold order into child orders sharing the
// parent id. At or under the threshold the order itself is the single slice.
func (e *Engine) makeSlices(order *Order) []*Order {
	quantities := sliceQuantities(order.Quantity, e.doc.Capital().OrderSliceThreshold)
	if len(quantities) == 1 {
		return []*Order{order}
	}

	now := e.now()
	slices := make([]*Order, len(quantities))
	for i, qty := range quantities {
		slice := &Order{
			ID:            fmt.Sprintf("%s-s%d", order.ID, i+1),
			ParentOrderID: order.ID,
			AccountID:     order.AccountID,
			PositionID:    order.PositionID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Type:          order.Type,
			Quantity:      qty,
			LimitPrice:    order.LimitPrice,
			TimeInForce:   order.TimeInForce,
			Status:        StatusValidated,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		e.track(slice)
		slices[i] = slice
	}
	e.log.Info().Str("order_id", order.ID).Int("slices", len(slices)).
		Msg("Order sliced")
	return slices
}

func (e *Engine) track(o *Order) {
	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()
	if err := e.repo.Save(o); err != nil {
		e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to persist order")
	}
}

func (e *Engine) reject(o *Order, reason string, clauses []string) *Order {
	e.transitionWithClauses(o, StatusRejected, reason, clauses)
	cp := *o
	return &cp
}

func (e *Engine) transition(o *Order, to OrderStatus, reason string) {
	e.transitionWithClauses(o, to, reason, nil)
}

// transitionWithClauses is the single writer for order status. Illegal
// transitions (a fill after a cancel ack, a late reject) are dropped: the
// absorbing-state invariant wins over the late event.
func (e *Engine) transitionWithClauses(o *Order, to OrderStatus, reason string, clauses []string) {
	e.mu.Lock()
	from := o.Status
	if from == to {
		e.mu.Unlock()
		return
	}
	if !TransitionAllowed(from, to) {
		e.mu.Unlock()
		e.log.Warn().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).
			Msg("Dropping illegal order transition")
		return
	}
	o.Status = to
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = e.now()
	if to == StatusSubmitted {
		o.SubmittedAt = o.UpdatedAt
	}
	cp := *o
	e.mu.Unlock()

	if err := e.repo.Save(&cp); err != nil {
		e.log.Error().Err(err).Str("order_id", cp.ID).Msg("Failed to persist order transition")
	}

	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindOrderEvent,
		Actor:      "execution",
		ClauseRefs: clauses,
		SubjectIDs: orderSubjects(&cp),
		Payload: map[string]interface{}{
			"from":       string(from),
			"to":         string(to),
			"reason":     reason,
			"filled_qty": cp.FilledQty,
		},
	}); err != nil {
		e.log.Error().Err(err).Str("order_id", cp.ID).Msg("Failed to audit order transition")
	}

	e.emitOrderEvent(&cp, from)
	if cp.ParentOrderID != "" {
		e.aggregateParent(cp.ParentOrderID)
	}
}

func orderSubjects(o *Order) []string {
	subjects := []string{o.ID, o.AccountID}
	if o.ParentOrderID != "" {
		subjects = append(subjects, o.ParentOrderID)
	}
	if o.PositionID != "" {
		subjects = append(subjects, o.PositionID)
	}
	return subjects
}

func (e *Engine) emitOrderEvent(o *Order, from OrderStatus) {
	var eventType events.EventType
	switch o.Status {
	case StatusSubmitted:
		eventType = events.OrderSubmitted
	case StatusFilled:
		eventType = events.OrderFilled
	case StatusCancelled:
		eventType = events.OrderCancelled
	case StatusRejected, StatusError:
		eventType = events.OrderRejected
	default:
		return
	}
	e.events.Emit(eventType, "execution", &events.OrderEventData{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Quantity:      o.Quantity,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Status:        string(o.Status),
		Reason:        o.Reason,
	})
}

// aggregateParent folds slice progress up into the parent intent.
func (e *Engine) aggregateParent(parentID string) {
	e.mu.Lock()
	parent, ok := e.orders[parentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	filled := 0
	notional := 0.0
	allTerminal := true
	for _, o := range e.orders {
		if o.ParentOrderID != parentID {
			continue
		}
		filled += o.FilledQty
		notional += float64(o.FilledQty) * o.AvgFillPrice
		if !o.Status.Terminal() {
			allTerminal = false
		}
	}
	parent.FilledQty = filled
	if filled > 0 {
		parent.AvgFillPrice = notional / float64(filled)
	}

	var to OrderStatus
	switch {
	case filled >= parent.Quantity:
		to = StatusFilled
	case allTerminal:
		to = StatusCancelled
	case filled > 0:
		to = StatusPartiallyFilled
	default:
		to = StatusSubmitted
	}
	needsMove := parent.Status != to && TransitionAllowed(parent.Status, to)
	cp := *parent
	e.mu.Unlock()

	if err := e.repo.Save(&cp); err != nil {
		e.log.Error().Err(err).Str("order_id", cp.ID).Msg("Failed to persist parent progress")
	}
	if needsMove {
		e.transition(parent, to, "")
	}
}

// dispatcher drains the queue through the token bucket and submits to the
// broker.
func (e *Engine) dispatcher(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.dispatch(ctx, id)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, id string) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok || o.Status != StatusValidated {
		e.mu.Unlock()
		return
	}
	req := o.request()
	e.mu.Unlock()

	if err := e.bucket.take(ctx); err != nil {
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	ack, err := e.broker.SubmitOrder(submitCtx, req)
	cancel()
	if err != nil {
		e.transition(o, StatusError, "broker submit failed: "+err.Error())
		return
	}

	e.mu.Lock()
	o.BrokerOrderID = ack.BrokerOrderID
	e.mu.Unlock()
	e.transition(o, StatusSubmitted, "")
}

// consumeBrokerEvents applies the broker stream in sequence order. Events
// with a sequence at or below the last applied one are replays and dropped.
func (e *Engine) consumeBrokerEvents(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-e.broker.Events():
			if !open {
				return
			}
			e.applyBrokerEvent(ctx, ev)
		}
	}
}

func (e *Engine) applyBrokerEvent(ctx context.Context, ev domain.BrokerEvent) {
	e.mu.Lock()
	if ev.Seq != 0 && ev.Seq <= e.lastSeq {
		e.mu.Unlock()
		return
	}
	if ev.Seq != 0 {
		e.lastSeq = ev.Seq
	}
	o, known := e.orders[ev.ClientOrderID]
	e.mu.Unlock()

	if ev.Kind == domain.BrokerEventConnection {
		if ev.Connected {
			if err := e.Reconcile(ctx); err != nil {
				e.log.Warn().Err(err).Msg("Post-reconnect reconciliation incomplete")
			}
		}
		return
	}
	if !known {
		e.log.Warn().Str("client_order_id", ev.ClientOrderID).Str("kind", string(ev.Kind)).
			Msg("Broker event for unknown order")
		return
	}

	switch ev.Kind {
	case domain.BrokerEventAck:
		e.mu.Lock()
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = ev.BrokerOrderID
		}
		e.mu.Unlock()
		e.transition(o, StatusSubmitted, "")

	case domain.BrokerEventFill:
		e.applyFill(o, ev)

	case domain.BrokerEventReject:
		e.transition(o, StatusRejected, ev.Reason)

	case domain.BrokerEventCancelAck:
		e.transition(o, StatusCancelled, "cancel acknowledged")
	}
}

func (e *Engine) applyFill(o *Order, ev domain.BrokerEvent) {
	e.mu.Lock()
	prevNotional := float64(o.FilledQty) * o.AvgFillPrice
	o.FilledQty += ev.FillQty
	if o.FilledQty > 0 {
		o.AvgFillPrice = (prevNotional + float64(ev.FillQty)*ev.FillPrice) / float64(o.FilledQty)
	}
	full := o.FilledQty >= o.Quantity
	e.mu.Unlock()

	if full {
		e.transition(o, StatusFilled, "")
	} else {
		e.transition(o, StatusPartiallyFilled, "")
	}
}

// sweeper auto-cancels orders that have been live at the venue beyond the
// timeout.
func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepTimeouts(ctx)
		}
	}
}

// SweepTimeouts requests cancellation of every order live longer than the
// order timeout.
func (e *Engine) SweepTimeouts(ctx context.Context) {
	now := e.now()
	var stuck []string
	e.mu.Lock()
	for id, o := range e.orders {
		if (o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled) &&
			!o.SubmittedAt.IsZero() && now.Sub(o.SubmittedAt) > orderTimeout {
			stuck = append(stuck, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(stuck)

	for _, id := range stuck {
		e.log.Warn().Str("order_id", id).Msg("Order timed out, requesting cancel")
		if err := e.broker.CancelOrder(ctx, id); err != nil {
			e.log.Error().Err(err).Str("order_id", id).Msg("Timeout cancel failed")
		}
	}
}

// Reconcile compares live internal orders with the broker's open orders and
// resolves every divergence in the broker's favor, with one audit record per
// divergence.
func (e *Engine) Reconcile(ctx context.Context) error {
	brokerOrders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrTimeout, err, "failed to fetch broker open orders")
	}
	brokerByID := make(map[string]domain.BrokerOpenOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		brokerByID[bo.ClientOrderID] = bo
	}

	e.mu.Lock()
	var live []*Order
	for _, o := range e.orders {
		if o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled {
			live = append(live, o)
		}
	}
	e.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	for _, o := range live {
		bo, held := brokerByID[o.ID]
		switch {
		case !held:
			e.auditDivergence(o.ID, "live internally, unknown at broker; closing")
			e.transition(o, StatusCancelled, "reconciliation: not held at broker")
		case bo.FilledQty != o.FilledQty:
			e.auditDivergence(o.ID, fmt.Sprintf("filled qty internal %d vs broker %d; adopting broker",
				o.FilledQty, bo.FilledQty))
			e.applyFill(o, domain.BrokerEvent{
				ClientOrderID: o.ID,
				FillQty:       bo.FilledQty - o.FilledQty,
				FillPrice:     o.AvgFillPrice,
			})
		}
		delete(brokerByID, o.ID)
	}

	// Orders the broker holds that we do not track at all.
	for id := range brokerByID {
		if strings.TrimSpace(id) == "" {
			continue
		}
		e.mu.Lock()
		_, known := e.orders[id]
		e.mu.Unlock()
		if !known {
			e.auditDivergence(id, "open at broker, unknown internally")
		}
	}
	return nil
}

func (e *Engine) auditDivergence(orderID, detail string) {
	e.log.Warn().Str("order_id", orderID).Str("detail", detail).Msg("Reconciliation divergence")
	if _, err := e.auditLog.Append(audit.Record{
		Kind:       audit.KindReconciliation,
		Actor:      "execution",
		SubjectIDs: []string{orderID},
		Payload: map[string]interface{}{
			"divergence": detail,
		},
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to audit reconciliation divergence")
	}
}
