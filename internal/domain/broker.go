package domain

// Broker-agnostic order and account types. These abstract away the concrete
// broker adapter (paper broker, IBKR, Tradier, ...); the core never sees a
// broker wire format.

import (
	"context"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order rests at the venue.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderRequest is a normalized order submission. ClientOrderID is the
// idempotency key: submitting the same id twice must not create a second
// venue order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      int
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   TimeInForce
}

// OrderAck is the venue acknowledgement of a submission.
type OrderAck struct {
	ClientOrderID string
	BrokerOrderID string
	AcceptedAt    time.Time
}

// BrokerEventKind classifies events arriving from the broker connection.
type BrokerEventKind string

const (
	BrokerEventConnection BrokerEventKind = "CONNECTION"
	BrokerEventAck        BrokerEventKind = "ORDER_ACK"
	BrokerEventFill       BrokerEventKind = "ORDER_FILL"
	BrokerEventReject     BrokerEventKind = "ORDER_REJECT"
	BrokerEventCancelAck  BrokerEventKind = "ORDER_CANCEL_ACK"
	BrokerEventAccount    BrokerEventKind = "ACCOUNT_UPDATE"
)

// BrokerEvent is a normalized event from the broker adapter. Seq is strictly
// increasing per connection; the execution engine relies on this ordering.
type BrokerEvent struct {
	Seq           uint64
	Kind          BrokerEventKind
	ClientOrderID string
	BrokerOrderID string
	FillQty       int
	FillPrice     float64
	Reason        string
	Connected     bool
	Timestamp     time.Time
}

// BrokerPosition is a position as reported by the broker. Used only for
// reconciliation against the internal ledger.
type BrokerPosition struct {
	Symbol   string
	Quantity int
	AvgPrice float64
}

// BrokerBalance is a cash balance as reported by the broker.
type BrokerBalance struct {
	Currency string
	Amount   float64
}

// BrokerOpenOrder is an order the broker still considers live.
type BrokerOpenOrder struct {
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Side          OrderSide
	Quantity      int
	FilledQty     int
}

// BrokerClient is the broker adapter contract consumed by the core.
// All methods that touch the wire take a context and honor its deadline.
// The adapter must provide idempotent submission by ClientOrderID and a
// strictly increasing event sequence per connection.
type BrokerClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error

	Positions(ctx context.Context) ([]BrokerPosition, error)
	Balances(ctx context.Context) ([]BrokerBalance, error)
	OpenOrders(ctx context.Context) ([]BrokerOpenOrder, error)

	// Events returns the normalized event stream. The channel is closed on
	// Disconnect.
	Events() <-chan BrokerEvent

	IsConnected() bool
	Heartbeat(ctx context.Context) error
}
