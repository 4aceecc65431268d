// Package wsbroker is the live broker adapter. One websocket carries order
// traffic both ways: submissions and cancels go out as frames, acks, fills
// and account updates come back on the event stream. Requests that need a
// reply (submit, positions, balances, open orders, ping) correlate on a
// request id and wait with a deadline.
package wsbroker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/warden/internal/domain"
)

const (
	eventBuffer  = 256
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	replyTimeout = 10 * time.Second
)

// request is an outbound frame. ID correlates replies; zero means none is
// expected.
type request struct {
	Op     string        `json:"op"`
	ID     uint64        `json:"id,omitempty"`
	Key    string        `json:"key,omitempty"`
	Secret string        `json:"secret,omitempty"`
	Order  *orderPayload `json:"order,omitempty"`
}

type orderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      int     `json:"quantity"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
}

// frame is an inbound message. Event frames carry order lifecycle fields;
// reply frames carry ID plus a result payload.
type frame struct {
	Type          string          `json:"type"`
	ID            uint64          `json:"id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FillQty       int             `json:"fill_qty,omitempty"`
	FillPrice     float64         `json:"fill_price,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"ts,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type positionPayload struct {
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

type balancePayload struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

type openOrderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	BrokerOrderID string `json:"broker_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int    `json:"quantity"`
	FilledQty     int    `json:"filled_qty"`
}

// Broker implements domain.BrokerClient over a broker websocket.
type Broker struct {
	url    string
	key    string
	secret string
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	seq       uint64
	nextReqID uint64
	events    chan domain.BrokerEvent
	pending   map[uint64]chan frame
	acks      map[string]*domain.OrderAck
}

// New creates a disconnected broker client.
func New(url, key, secret string, log zerolog.Logger) *Broker {
	return &Broker{
		url:    url,
		key:    key,
		secret: secret,
		log:    log.With().Str("component", "wsbroker").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the clock (used in tests).
func (b *Broker) SetClock(now func() time.Time) { b.now = now }

// Connect dials the broker, authenticates and starts the read loop. The
// event sequence restarts from 1 on every connection.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, b.url, nil)
	if err != nil {
		return domain.WrapError(domain.ErrBrokerReject, err, "dial broker")
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	b.conn = conn
	b.cancel = readCancel
	b.connected = true
	b.seq = 0
	b.events = make(chan domain.BrokerEvent, eventBuffer)
	b.pending = make(map[uint64]chan frame)
	b.acks = make(map[string]*domain.OrderAck)

	if err := b.writeLocked(ctx, request{Op: "auth", Key: b.key, Secret: b.secret}); err != nil {
		b.teardownLocked()
		return err
	}
	go b.readLoop(readCtx, conn)

	b.emitLocked(domain.BrokerEvent{Kind: domain.BrokerEventConnection, Connected: true})
	b.log.Info().Str("url", b.url).Msg("Broker connected")
	return nil
}

// Disconnect closes the connection and the event stream.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.teardownLocked()
	b.log.Info().Msg("Broker disconnected")
	return nil
}

// IsConnected reports connection state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Events returns the event stream for the current connection.
func (b *Broker) Events() <-chan domain.BrokerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// Heartbeat pings the broker and waits for the pong.
func (b *Broker) Heartbeat(ctx context.Context) error {
	_, err := b.roundTrip(ctx, request{Op: "ping"})
	return err
}

// SubmitOrder sends the order and waits for the venue acknowledgement.
// Submission is idempotent on ClientOrderID: a repeat returns the original
// ack without a second wire frame.
func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	b.mu.Lock()
	if ack, ok := b.acks[req.ClientOrderID]; ok {
		b.mu.Unlock()
		return ack, nil
	}
	b.mu.Unlock()

	reply, err := b.roundTrip(ctx, request{
		Op: "submit",
		Order: &orderPayload{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          string(req.Side),
			Type:          string(req.Type),
			Quantity:      req.Quantity,
			LimitPrice:    req.LimitPrice,
			StopPrice:     req.StopPrice,
			TimeInForce:   string(req.TimeInForce),
		},
	})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, domain.Errorf(domain.ErrBrokerReject, "submit %s: %s", req.ClientOrderID, reply.Error)
	}

	ack := &domain.OrderAck{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: reply.BrokerOrderID,
		AcceptedAt:    b.now(),
	}
	b.mu.Lock()
	b.acks[req.ClientOrderID] = ack
	b.mu.Unlock()
	return ack, nil
}

// CancelOrder requests a cancel; the cancel ack arrives on the event stream.
func (b *Broker) CancelOrder(ctx context.Context, clientOrderID string) error {
	reply, err := b.roundTrip(ctx, request{Op: "cancel", Order: &orderPayload{ClientOrderID: clientOrderID}})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return domain.Errorf(domain.ErrNotFound, "cancel %s: %s", clientOrderID, reply.Error)
	}
	return nil
}

// Positions fetches the broker-side position book.
func (b *Broker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	reply, err := b.roundTrip(ctx, request{Op: "positions"})
	if err != nil {
		return nil, err
	}
	var wire []positionPayload
	if err := json.Unmarshal(reply.Result, &wire); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "decode positions")
	}
	out := make([]domain.BrokerPosition, 0, len(wire))
	for _, p := range wire {
		out = append(out, domain.BrokerPosition{Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice})
	}
	return out, nil
}

// Balances fetches the broker-side cash balances.
func (b *Broker) Balances(ctx context.Context) ([]domain.BrokerBalance, error) {
	reply, err := b.roundTrip(ctx, request{Op: "balances"})
	if err != nil {
		return nil, err
	}
	var wire []balancePayload
	if err := json.Unmarshal(reply.Result, &wire); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "decode balances")
	}
	out := make([]domain.BrokerBalance, 0, len(wire))
	for _, bal := range wire {
		out = append(out, domain.BrokerBalance{Currency: bal.Currency, Amount: bal.Amount})
	}
	return out, nil
}

// OpenOrders fetches the orders the broker still considers live.
func (b *Broker) OpenOrders(ctx context.Context) ([]domain.BrokerOpenOrder, error) {
	reply, err := b.roundTrip(ctx, request{Op: "open_orders"})
	if err != nil {
		return nil, err
	}
	var wire []openOrderPayload
	if err := json.Unmarshal(reply.Result, &wire); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "decode open orders")
	}
	out := make([]domain.BrokerOpenOrder, 0, len(wire))
	for _, o := range wire {
		out = append(out, domain.BrokerOpenOrder{
			ClientOrderID: o.ClientOrderID,
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol,
			Side:          domain.OrderSide(o.Side),
			Quantity:      o.Quantity,
			FilledQty:     o.FilledQty,
		})
	}
	return out, nil
}

// roundTrip sends a correlated request and waits for its reply.
func (b *Broker) roundTrip(ctx context.Context, req request) (frame, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return frame{}, domain.NewError(domain.ErrBrokerReject, "broker not connected")
	}
	b.nextReqID++
	req.ID = b.nextReqID
	ch := make(chan frame, 1)
	b.pending[req.ID] = ch
	err := b.writeLocked(ctx, req)
	b.mu.Unlock()
	if err != nil {
		b.dropPending(req.ID)
		return frame{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		return reply, nil
	case <-waitCtx.Done():
		b.dropPending(req.ID)
		return frame{}, domain.Errorf(domain.ErrTimeout, "no reply to %s within %s", req.Op, replyTimeout)
	}
}

func (b *Broker) dropPending(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// writeLocked sends one frame. Caller holds mu.
func (b *Broker) writeLocked(ctx context.Context, req request) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, b.conn, req); err != nil {
		return domain.WrapError(domain.ErrBrokerReject, err, req.Op+" frame")
	}
	return nil
}

// teardownLocked closes the socket and the event stream. Caller holds mu.
func (b *Broker) teardownLocked() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		_ = b.conn.Close(websocket.StatusNormalClosure, "")
	}
	if b.connected {
		close(b.events)
	}
	b.conn = nil
	b.cancel = nil
	b.connected = false
}

// readLoop routes inbound frames: replies to their waiter, lifecycle events
// to the event stream with a locally assigned sequence.
func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				b.log.Error().Err(err).Msg("Broker read error")
				b.mu.Lock()
				if b.connected {
					b.emitLocked(domain.BrokerEvent{Kind: domain.BrokerEventConnection, Connected: false})
					b.teardownLocked()
				}
				b.mu.Unlock()
			}
			return
		}

		if f.ID != 0 {
			b.mu.Lock()
			ch, ok := b.pending[f.ID]
			delete(b.pending, f.ID)
			b.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		kind, ok := eventKind(f.Type)
		if !ok {
			continue
		}
		b.mu.Lock()
		if b.connected {
			b.emitLocked(domain.BrokerEvent{
				Kind:          kind,
				ClientOrderID: f.ClientOrderID,
				BrokerOrderID: f.BrokerOrderID,
				FillQty:       f.FillQty,
				FillPrice:     f.FillPrice,
				Reason:        f.Reason,
			})
		}
		b.mu.Unlock()
	}
}

// emitLocked queues one event with the next sequence number. Caller holds
// mu. The buffer dropping an event is logged; the execution engine recovers
// via reconciliation.
func (b *Broker) emitLocked(ev domain.BrokerEvent) {
	b.seq++
	ev.Seq = b.seq
	ev.Timestamp = b.now()
	select {
	case b.events <- ev:
	default:
		b.log.Warn().Str("kind", string(ev.Kind)).Uint64("seq", ev.Seq).Msg("Event buffer full, dropping")
	}
}

func eventKind(frameType string) (domain.BrokerEventKind, bool) {
	switch frameType {
	case "ack":
		return domain.BrokerEventAck, true
	case "fill":
		return domain.BrokerEventFill, true
	case "reject":
		return domain.BrokerEventReject, true
	case "cancel_ack":
		return domain.BrokerEventCancelAck, true
	case "account":
		return domain.BrokerEventAccount, true
	default:
		return "", false
	}
}
