// Package audit implements the append-only audit trail. Every rule
// evaluation, state transition and order event is recorded here before the
// action takes effect; records are durable once Append returns and are never
// mutated afterwards.
package audit

import (
	"time"
)

// Kind classifies an audit record.
type Kind string

const (
	KindSystem         Kind = "system"
	KindRuleEvaluation Kind = "rule_evaluation"
	KindStateChange    Kind = "state_transition"
	KindOrderEvent     Kind = "order_event"
	KindProtocolEvent  Kind = "protocol_event"
	KindFork           Kind = "fork"
	KindConsolidation  Kind = "consolidation"
	KindReconciliation Kind = "reconciliation"
	KindMarketEvent    Kind = "market_event"
	KindHedgeEvent     Kind = "hedge_event"
)

// Record is one immutable audit entry. Seq is assigned atomically on append
// and is strictly monotonic and gap-free within a process run.
type Record struct {
	Seq                 int64                  `json:"seq"`
	Timestamp           time.Time              `json:"ts"`
	Kind                Kind                   `json:"kind"`
	Actor               string                 `json:"actor"`
	ClauseRefs          []string               `json:"clause_refs,omitempty"`
	SubjectIDs          []string               `json:"subject_ids,omitempty"`
	ConstitutionVersion string                 `json:"constitution_version,omitempty"`
	Payload             map[string]interface{} `json:"payload,omitempty"`
}

// Filter selects records for Query. Zero values match everything.
type Filter struct {
	Kinds     []Kind
	SubjectID string
	SinceSeq  int64
	Limit     int
}
