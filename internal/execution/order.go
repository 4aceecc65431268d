package execution

import (
	"time"

	"github.com/aristath/warden/internal/domain"
)

// OrderStatus is the lifecycle state of an order. Terminal states are
// absorbing: once reached, no event moves the order again.
type OrderStatus string

const (
	StatusPendingValidation OrderStatus = "PENDING_VALIDATION"
	StatusValidated         OrderStatus = "VALIDATED"
	StatusSubmitted         OrderStatus = "SUBMITTED"
	StatusPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled            OrderStatus = "FILLED"
	StatusRejected          OrderStatus = "REJECTED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusError             OrderStatus = "ERROR"
)

// Terminal reports whether the status is absorbing.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusError:
		return true
	}
	return false
}

// orderTransitions is the legal order state machine. ERROR is reachable from
// any pre-terminal state and is handled separately.
var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPendingValidation: {StatusValidated, StatusRejected},
	StatusValidated:         {StatusSubmitted, StatusRejected, StatusCancelled},
	StatusSubmitted:         {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusPartiallyFilled:   {StatusFilled, StatusCancelled},
}

// TransitionAllowed reports whether the state machine permits from -> to.
func TransitionAllowed(from, to OrderStatus) bool {
	if to == StatusError {
		return !from.Terminal()
	}
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order is one venue order (or one slice of a larger intent). ID is the
// client order id and the idempotency key. Slices carry the originating
// intent's id in ParentOrderID.
type Order struct {
	ID            string             `json:"id"`
	ParentOrderID string             `json:"parent_order_id,omitempty"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
	AccountID     string             `json:"account_id"`
	PositionID    string             `json:"position_id,omitempty"`
	Symbol        string             `json:"symbol"`
	Side          domain.OrderSide   `json:"side"`
	Type          domain.OrderType   `json:"type"`
	Quantity      int                `json:"quantity"`
	LimitPrice    float64            `json:"limit_price,omitempty"`
	TimeInForce   domain.TimeInForce `json:"time_in_force"`
	FilledQty     int                `json:"filled_qty"`
	AvgFillPrice  float64            `json:"avg_fill_price"`
	Status        OrderStatus        `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	Notes         []string           `json:"notes,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	SubmittedAt   time.Time          `json:"submitted_at,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int {
	return o.Quantity - o.FilledQty
}

// request converts the order into the broker submission form.
func (o *Order) request() domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
		TimeInForce:   o.TimeInForce,
	}
}

// sliceQuantities splits qty into near-equal slices no larger than limit.
// A qty at or under the limit stays whole.
func sliceQuantities(qty, limit int) []int {
	if limit <= 0 || qty <= limit {
		return []int{qty}
	}
	slices := (qty + limit - 1) / limit
	base := qty / slices
	rem := qty % slices
	out := make([]int, slices)
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}
