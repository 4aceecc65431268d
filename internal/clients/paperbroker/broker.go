// Package paperbroker is the in-process broker used in dev mode. It fills
// marketable orders against operator-set marks with configurable slippage,
// rests non-marketable limits until the mark crosses, and reports the same
// positions, balances and open orders a live adapter would.
package paperbroker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/domain"
)

const eventBuffer = 256

// restingOrder is a limit order waiting for a marketable price.
type restingOrder struct {
	req      domain.OrderRequest
	brokerID string
}

// Broker implements domain.BrokerClient entirely in memory.
type Broker struct {
	log zerolog.Logger
	now func() time.Time

	// slippage is applied to market-order fills, in fractions of price.
	slippage float64

	mu        sync.Mutex
	connected bool
	seq       uint64
	events    chan domain.BrokerEvent
	marks     map[string]float64
	acks      map[string]*domain.OrderAck
	resting   map[string]*restingOrder
	positions map[string]*domain.BrokerPosition
	balances  map[string]float64
	nextID    int
}

// New creates a disconnected paper broker.
func New(slippage float64, log zerolog.Logger) *Broker {
	return &Broker{
		log:       log.With().Str("component", "paperbroker").Logger(),
		now:       time.Now,
		slippage:  slippage,
		marks:     make(map[string]float64),
		acks:      make(map[string]*domain.OrderAck),
		resting:   make(map[string]*restingOrder),
		positions: make(map[string]*domain.BrokerPosition),
		balances:  map[string]float64{"USD": 0},
	}
}

// SetClock overrides the clock (used in tests).
func (b *Broker) SetClock(now func() time.Time) { b.now = now }

// SetBalance seeds a cash balance.
func (b *Broker) SetBalance(currency string, amount float64) {
	b.mu.Lock()
	b.balances[currency] = amount
	b.mu.Unlock()
}

// MarkPrice sets the mark for a symbol and fills any resting orders the
// new price makes marketable.
func (b *Broker) MarkPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price

	ids := make([]string, 0, len(b.resting))
	for id := range b.resting {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ro := b.resting[id]
		if ro.req.Symbol != symbol || !marketable(ro.req, price) {
			continue
		}
		delete(b.resting, id)
		b.fillLocked(ro.req, ro.brokerID, fillPrice(ro.req, price))
	}
}

// Connect opens the event stream.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = true
	b.events = make(chan domain.BrokerEvent, eventBuffer)
	b.mu.Unlock()

	b.emit(domain.BrokerEvent{Kind: domain.BrokerEventConnection, Connected: true})
	b.log.Info().Msg("Paper broker connected")
	return nil
}

// Disconnect closes the event stream.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	close(b.events)
	b.log.Info().Msg("Paper broker disconnected")
	return nil
}

// IsConnected reports connection state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Heartbeat always succeeds while connected.
func (b *Broker) Heartbeat(ctx context.Context) error {
	if !b.IsConnected() {
		return domain.NewError(domain.ErrTimeout, "paper broker not connected")
	}
	return nil
}

// Events returns the event stream.
func (b *Broker) Events() <-chan domain.BrokerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// SubmitOrder accepts an order. Submission is idempotent on ClientOrderID:
// a repeat returns the original ack without a second venue order.
func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, domain.NewError(domain.ErrBrokerReject, "paper broker not connected")
	}
	if ack, ok := b.acks[req.ClientOrderID]; ok {
		b.mu.Unlock()
		return ack, nil
	}
	if req.Quantity <= 0 {
		b.mu.Unlock()
		return nil, domain.Errorf(domain.ErrInvalidData, "quantity %d must be positive", req.Quantity)
	}

	b.nextID++
	brokerID := brokerOrderID(b.nextID)
	ack := &domain.OrderAck{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		AcceptedAt:    b.now(),
	}
	b.acks[req.ClientOrderID] = ack

	mark, hasMark := b.marks[req.Symbol]
	b.emitLocked(domain.BrokerEvent{
		Kind:          domain.BrokerEventAck,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
	})

	switch {
	case req.Type == domain.OrderMarket && !hasMark:
		b.emitLocked(domain.BrokerEvent{
			Kind:          domain.BrokerEventReject,
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: brokerID,
			Reason:        "no market for " + req.Symbol,
		})
	case req.Type == domain.OrderMarket:
		b.fillLocked(req, brokerID, b.slip(req.Side, mark))
	case hasMark && marketable(req, mark):
		b.fillLocked(req, brokerID, fillPrice(req, mark))
	case req.TimeInForce == domain.TIFIOC:
		// Immediate-or-cancel with nothing marketable cancels back.
		b.emitLocked(domain.BrokerEvent{
			Kind:          domain.BrokerEventCancelAck,
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: brokerID,
			Reason:        "ioc not marketable",
		})
	default:
		b.resting[req.ClientOrderID] = &restingOrder{req: req, brokerID: brokerID}
	}

	b.mu.Unlock()
	return ack, nil
}

// CancelOrder cancels a resting order.
func (b *Broker) CancelOrder(ctx context.Context, clientOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ro, ok := b.resting[clientOrderID]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "no resting order %s", clientOrderID)
	}
	delete(b.resting, clientOrderID)
	b.emitLocked(domain.BrokerEvent{
		Kind:          domain.BrokerEventCancelAck,
		ClientOrderID: clientOrderID,
		BrokerOrderID: ro.brokerID,
	})
	return nil
}

// Positions reports the broker-side position book.
func (b *Broker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Balances reports the cash balances.
func (b *Broker) Balances(ctx context.Context) ([]domain.BrokerBalance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerBalance, 0, len(b.balances))
	for ccy, amt := range b.balances {
		out = append(out, domain.BrokerBalance{Currency: ccy, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// OpenOrders reports resting orders.
func (b *Broker) OpenOrders(ctx context.Context) ([]domain.BrokerOpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerOpenOrder, 0, len(b.resting))
	for id, ro := range b.resting {
		out = append(out, domain.BrokerOpenOrder{
			ClientOrderID: id,
			BrokerOrderID: ro.brokerID,
			Symbol:        ro.req.Symbol,
			Side:          ro.req.Side,
			Quantity:      ro.req.Quantity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

// fillLocked books a complete fill. Caller holds mu.
func (b *Broker) fillLocked(req domain.OrderRequest, brokerID string, price float64) {
	signed := req.Quantity
	cash := -price * float64(req.Quantity)
	if req.Side == domain.SideSell {
		signed = -req.Quantity
		cash = price * float64(req.Quantity)
	}

	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = &domain.BrokerPosition{Symbol: req.Symbol}
		b.positions[req.Symbol] = pos
	}
	if (pos.Quantity >= 0) == (signed >= 0) && pos.Quantity+signed != 0 {
		total := float64(pos.Quantity)*pos.AvgPrice + float64(signed)*price
		pos.AvgPrice = total / float64(pos.Quantity+signed)
	} else if pos.Quantity+signed != 0 && (pos.Quantity >= 0) != (pos.Quantity+signed >= 0) {
		pos.AvgPrice = price // flipped through zero
	}
	pos.Quantity += signed
	if pos.Quantity == 0 {
		pos.AvgPrice = 0
	}
	b.balances["USD"] += cash

	b.emitLocked(domain.BrokerEvent{
		Kind:          domain.BrokerEventFill,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		FillQty:       req.Quantity,
		FillPrice:     price,
	})
}

// emitLocked queues one event. Caller holds mu.
func (b *Broker) emitLocked(ev domain.BrokerEvent) {
	b.seq++
	ev.Seq = b.seq
	ev.Timestamp = b.now()
	select {
	case b.events <- ev:
	default:
		b.log.Warn().Str("kind", string(ev.Kind)).Msg("Event buffer full, dropping")
	}
}

func (b *Broker) emit(ev domain.BrokerEvent) {
	b.mu.Lock()
	b.emitLocked(ev)
	b.mu.Unlock()
}

func (b *Broker) slip(side domain.OrderSide, mark float64) float64 {
	if side == domain.SideBuy {
		return mark * (1 + b.slippage)
	}
	return mark * (1 - b.slippage)
}

// marketable reports whether a limit order crosses the mark.
func marketable(req domain.OrderRequest, mark float64) bool {
	if req.Side == domain.SideBuy {
		return mark <= req.LimitPrice
	}
	return mark >= req.LimitPrice
}

// fillPrice is the better of limit and mark for the taker.
func fillPrice(req domain.OrderRequest, mark float64) float64 {
	if req.Side == domain.SideBuy && mark < req.LimitPrice {
		return mark
	}
	if req.Side == domain.SideSell && mark > req.LimitPrice {
		return mark
	}
	return req.LimitPrice
}

func brokerOrderID(n int) string {
	const digits = "0123456789"
	buf := [8]byte{'P', 'B', '-', '0', '0', '0', '0', '0'}
	for i := 7; i >= 3 && n > 0; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[:])
}
