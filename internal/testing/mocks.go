package testing

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/warden/internal/domain"
)

// MockBrokerClient is an in-memory implementation of domain.BrokerClient for
// tests. Submissions are idempotent by client order id and every accepted
// order is acked (and optionally filled) on the event stream.
type MockBrokerClient struct {
	mu         sync.Mutex
	connected  bool
	seq        uint64
	orders     map[string]domain.OrderRequest
	cancelled  map[string]bool
	positions  []domain.BrokerPosition
	balances   []domain.BrokerBalance
	openOrders []domain.BrokerOpenOrder
	events     chan domain.BrokerEvent

	// RejectReason, when non-empty, causes SubmitOrder to emit a reject
	// event instead of an ack.
	RejectReason string
	// SubmitErr, when set, is returned from SubmitOrder directly.
	SubmitErr error
	// AutoFill, when true, emits a full fill immediately after each ack.
	AutoFill bool
	// FillPrice is the price used for auto-fills.
	FillPrice float64
}

// NewMockBrokerClient creates a connected mock broker.
func NewMockBrokerClient() *MockBrokerClient {
	return &MockBrokerClient{
		connected: true,
		orders:    make(map[string]domain.OrderRequest),
		cancelled: make(map[string]bool),
		events:    make(chan domain.BrokerEvent, 1024),
	}
}

// Connect marks the mock connected.
func (m *MockBrokerClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the mock disconnected.
func (m *MockBrokerClient) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// SubmitOrder records the order and emits ack (and fill when AutoFill).
// Resubmission of a known client order id is a no-op returning the same ack.
func (m *MockBrokerClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}

	ack := &domain.OrderAck{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: "brk-" + req.ClientOrderID,
		AcceptedAt:    time.Now(),
	}

	if _, exists := m.orders[req.ClientOrderID]; exists {
		return ack, nil
	}
	m.orders[req.ClientOrderID] = req

	if m.RejectReason != "" {
		m.emitLocked(domain.BrokerEvent{
			Kind:          domain.BrokerEventReject,
			ClientOrderID: req.ClientOrderID,
			Reason:        m.RejectReason,
		})
		return ack, nil
	}

	m.emitLocked(domain.BrokerEvent{
		Kind:          domain.BrokerEventAck,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: ack.BrokerOrderID,
	})

	if m.AutoFill {
		price := m.FillPrice
		if price == 0 {
			price = req.LimitPrice
		}
		m.emitLocked(domain.BrokerEvent{
			Kind:          domain.BrokerEventFill,
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: ack.BrokerOrderID,
			FillQty:       req.Quantity,
			FillPrice:     price,
		})
	}

	return ack, nil
}

// CancelOrder records the cancellation and emits a cancel ack.
func (m *MockBrokerClient) CancelOrder(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[clientOrderID] = true
	m.emitLocked(domain.BrokerEvent{
		Kind:          domain.BrokerEventCancelAck,
		ClientOrderID: clientOrderID,
	})
	return nil
}

// SetPositions sets the broker-side positions for reconciliation tests.
func (m *MockBrokerClient) SetPositions(positions []domain.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetBalances sets the broker-side balances.
func (m *MockBrokerClient) SetBalances(balances []domain.BrokerBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetOpenOrders sets the broker-side open orders.
func (m *MockBrokerClient) SetOpenOrders(orders []domain.BrokerOpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = orders
}

// Positions returns the configured positions.
func (m *MockBrokerClient) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerPosition(nil), m.positions...), nil
}

// Balances returns the configured balances.
func (m *MockBrokerClient) Balances(ctx context.Context) ([]domain.BrokerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerBalance(nil), m.balances...), nil
}

// OpenOrders returns the configured open orders.
func (m *MockBrokerClient) OpenOrders(ctx context.Context) ([]domain.BrokerOpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerOpenOrder(nil), m.openOrders...), nil
}

// Events returns the broker event stream.
func (m *MockBrokerClient) Events() <-chan domain.BrokerEvent {
	return m.events
}

// IsConnected reports the mock connection state.
func (m *MockBrokerClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Heartbeat succeeds while connected.
func (m *MockBrokerClient) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.NewError(domain.ErrTimeout, "broker disconnected")
	}
	return nil
}

// Cancelled reports whether a cancel was requested for the given id.
func (m *MockBrokerClient) Cancelled(clientOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[clientOrderID]
}

// SubmittedCount returns the number of distinct orders submitted.
func (m *MockBrokerClient) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MockBrokerClient) emitLocked(ev domain.BrokerEvent) {
	m.seq++
	ev.Seq = m.seq
	ev.Timestamp = time.Now()
	select {
	case m.events <- ev:
	default:
	}
}

// MockFeed is an in-memory market data source for tests.
type MockFeed struct {
	mu         sync.Mutex
	name       string
	quality    float64
	subscribed map[string]bool
	quotes     chan domain.Quote
	bars       map[string][]domain.Bar
	barsErr    error
}

// NewMockFeed creates a mock feed with the given name and quality score.
func NewMockFeed(name string, quality float64) *MockFeed {
	return &MockFeed{
		name:       name,
		quality:    quality,
		subscribed: make(map[string]bool),
		quotes:     make(chan domain.Quote, 1024),
		bars:       make(map[string][]domain.Bar),
	}
}

// Name returns the feed name.
func (f *MockFeed) Name() string { return f.name }

// Quality returns the configured quality score.
func (f *MockFeed) Quality() float64 { return f.quality }

// Subscribe records subscriptions.
func (f *MockFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	return nil
}

// Unsubscribe removes subscriptions.
func (f *MockFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	return nil
}

// Quotes returns the quote stream.
func (f *MockFeed) Quotes() <-chan domain.Quote { return f.quotes }

// Push delivers a quote to subscribers.
func (f *MockFeed) Push(q domain.Quote) {
	f.quotes <- q
}

// SetBars configures historical bars for a symbol.
func (f *MockFeed) SetBars(symbol string, bars []domain.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = bars
}

// SetBarsError makes HistoricalBars fail.
func (f *MockFeed) SetBarsError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.barsErr = err
}

// HistoricalBars returns the configured bars, truncated to count.
func (f *MockFeed) HistoricalBars(ctx context.Context, symbol string, end time.Time, count int) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	bars := f.bars[symbol]
	if bars == nil {
		return nil, domain.Errorf(domain.ErrNoData, "no bars for %s", symbol)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]domain.Bar(nil), bars...), nil
}

// Subscribed reports whether the feed has a subscription for symbol.
func (f *MockFeed) Subscribed(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[symbol]
}
