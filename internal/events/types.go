// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Lifecycle and posture
	SystemStarted       EventType = "SYSTEM_STARTED"
	SystemStopping      EventType = "SYSTEM_STOPPING"
	SafeModeEntered     EventType = "SAFE_MODE_ENTERED"
	SafeModeExited      EventType = "SAFE_MODE_EXITED"
	ComponentDegraded   EventType = "COMPONENT_DEGRADED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"

	// Rules and execution
	RuleEvaluated  EventType = "RULE_EVALUATED"
	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderCancelled EventType = "ORDER_CANCELLED"
	OrderRejected  EventType = "ORDER_REJECTED"
	TradeExecuted  EventType = "TRADE_EXECUTED"

	// Protocol engine
	ProtocolEscalated   EventType = "PROTOCOL_ESCALATED"
	ProtocolDeescalated EventType = "PROTOCOL_DEESCALATED"
	ExitTriggered       EventType = "EXIT_TRIGGERED"
	RollRefused         EventType = "ROLL_REFUSED"

	// Accounts
	AccountForked       EventType = "ACCOUNT_FORKED"
	AccountConsolidated EventType = "ACCOUNT_CONSOLIDATED"
	AccountStateChanged EventType = "ACCOUNT_STATE_CHANGED"

	// Market data
	FeedDegraded EventType = "FEED_DEGRADED"
	MarketAlert  EventType = "MARKET_ALERT"
	PriceUpdated EventType = "PRICE_UPDATED"

	// Hedging
	HedgeDeployed EventType = "HEDGE_DEPLOYED"
)
