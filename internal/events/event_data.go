package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RuleEvaluatedData contains data for RuleEvaluated events
type RuleEvaluatedData struct {
	Action     string   `json:"action"`
	Outcome    string   `json:"outcome"`
	ClauseRefs []string `json:"clause_refs,omitempty"`
	SubjectIDs []string `json:"subject_ids,omitempty"`
}

// EventType returns the event type for RuleEvaluatedData
func (d *RuleEvaluatedData) EventType() EventType { return RuleEvaluated }

// OrderEventData contains data for order lifecycle events
type OrderEventData struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      int     `json:"quantity"`
	FilledQty     int     `json:"filled_qty,omitempty"`
	AvgFillPrice  float64 `json:"avg_fill_price,omitempty"`
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
}

// EventType returns the event type for OrderEventData
func (d *OrderEventData) EventType() EventType { return OrderSubmitted }

// ProtocolEscalatedData contains data for ProtocolEscalated events
type ProtocolEscalatedData struct {
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	FromLevel     string  `json:"from_level"`
	ToLevel       string  `json:"to_level"`
	BreachMult    float64 `json:"breach_multiple"`
	PendingAction string  `json:"pending_action"`
}

// EventType returns the event type for ProtocolEscalatedData
func (d *ProtocolEscalatedData) EventType() EventType { return ProtocolEscalated }

// SafeModeData contains data for SafeModeEntered/SafeModeExited events
type SafeModeData struct {
	Reason string `json:"reason"`
}

// EventType returns the event type for SafeModeData
func (d *SafeModeData) EventType() EventType { return SafeModeEntered }

// RollRefusedData contains data for RollRefused events
type RollRefusedData struct {
	PositionID      string  `json:"position_id"`
	Symbol          string  `json:"symbol"`
	RollCost        float64 `json:"roll_cost"`
	RemainingCredit float64 `json:"remaining_credit"`
}

// EventType returns the event type for RollRefusedData
func (d *RollRefusedData) EventType() EventType { return RollRefused }

// AccountForkedData contains data for AccountForked events
type AccountForkedData struct {
	ParentID    string `json:"parent_id"`
	ChildID     string `json:"child_id"`
	Sleeve      string `json:"sleeve"`
	Transferred string `json:"transferred"`
}

// EventType returns the event type for AccountForkedData
func (d *AccountForkedData) EventType() EventType { return AccountForked }

// AccountStateChangedData contains data for AccountStateChanged events
type AccountStateChangedData struct {
	AccountID string `json:"account_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Trigger   string `json:"trigger,omitempty"`
}

// EventType returns the event type for AccountStateChangedData
func (d *AccountStateChangedData) EventType() EventType { return AccountStateChanged }

// FeedDegradedData contains data for FeedDegraded events
type FeedDegradedData struct {
	Symbol       string  `json:"symbol"`
	FromFeed     string  `json:"from_feed"`
	ToFeed       string  `json:"to_feed,omitempty"`
	StalenessSec float64 `json:"staleness_sec"`
}

// EventType returns the event type for FeedDegradedData
func (d *FeedDegradedData) EventType() EventType { return FeedDegraded }

// MarketAlertData contains data for MarketAlert events
type MarketAlertData struct {
	Symbol    string  `json:"symbol"`
	Kind      string  `json:"kind"` // volatility, spread, price_change, volume
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// EventType returns the event type for MarketAlertData
func (d *MarketAlertData) EventType() EventType { return MarketAlert }

// HedgeDeployedData contains data for HedgeDeployed events
type HedgeDeployedData struct {
	Instrument string  `json:"instrument"`
	VIX        float64 `json:"vix"`
	Trigger    string  `json:"trigger"`
	BudgetUsed float64 `json:"budget_used"`
}

// EventType returns the event type for HedgeDeployedData
func (d *HedgeDeployedData) EventType() EventType { return HedgeDeployed }

// SystemStatusData contains data for system lifecycle events
type SystemStatusData struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EventType returns the event type for SystemStatusData
func (d *SystemStatusData) EventType() EventType { return SystemStatusChanged }

// ComponentDegradedData contains data for ComponentDegraded events
type ComponentDegradedData struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

// EventType returns the event type for ComponentDegradedData
func (d *ComponentDegradedData) EventType() EventType { return ComponentDegraded }

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
