package types

import "time"

// IntentStatus is the lifecycle state of a PaymentIntent
type IntentStatus string

const (
	IntentPending  IntentStatus = "pending"
	IntentFunded   IntentStatus = "funded"
	IntentExecuted IntentStatus = "executed"
	IntentFailed   IntentStatus = "failed"
)

// CanTransition reports whether an intent may move from s to next.
// executed is terminal; failed may only be reached from pending or funded.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	switch s {
	case IntentPending:
		return next == IntentFunded || next == IntentExecuted || next == IntentFailed
	case IntentFunded:
		return next == IntentExecuted || next == IntentFailed
	default:
		return false
	}
}

// ConditionType selects what triggers an intent's execution
type ConditionType string

const (
	ConditionManual     ConditionType = "manual"
	ConditionPriceBelow ConditionType = "price_below"
	ConditionTimeBased  ConditionType = "time_based"
)

// Condition is the execution condition attached to an intent
type Condition struct {
	Type         ConditionType `json:"type"`
	Threshold    string        `json:"threshold,omitempty"`    // price_below
	ExecuteAfter *time.Time    `json:"executeAfter,omitempty"` // time_based
}

// PaymentIntent is a stored, conditional payment awaiting funding and an execution trigger
type PaymentIntent struct {
	IntentID        string       `json:"intentId"`
	Amount          string       `json:"amount"` // smallest unit of Currency
	Currency        string       `json:"currency"`
	Recipient       string       `json:"recipient"`
	Condition       Condition    `json:"condition"`
	Status          IntentStatus `json:"status"`
	DepositTxHash   string       `json:"depositTxHash,omitempty"`
	ExecutionTxHash string       `json:"executionTxHash,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Decision is the agent's verdict on an intent
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// AgentDecision is produced by the agent for one evaluation
type AgentDecision struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}
