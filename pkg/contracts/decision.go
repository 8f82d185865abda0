package contracts

import (
	"time"
)

// Reason is the tagged outcome of an authority evaluation. Callers branch on
// the reason, never on error values: a denial is a normal outcome.
type Reason string

const (
	ReasonAllow          Reason = "Allow"
	ReasonUnknownMandate Reason = "UnknownMandate"
	ReasonBadSignature   Reason = "BadSignature"
	ReasonRevoked        Reason = "Revoked"
	ReasonExpired        Reason = "Expired"
	ReasonNotYetValid    Reason = "NotYetValid"
	ReasonOutOfScope     Reason = "OutOfScope"
	ReasonIntentMismatch Reason = "IntentMismatch"
	ReasonPolicyDenied   Reason = "PolicyDenied"
	ReasonCanceled       Reason = "Canceled"
	ReasonInternalError  Reason = "InternalError"
)

// EvalRequest is the evaluator input as received from the proxy or MCP
// adapter.
type EvalRequest struct {
	MandateID         string         `json:"mandate_id"`
	RequestedAction   string         `json:"requested_action"`
	RequestedResource string         `json:"requested_resource"`
	IntentClaim       map[string]any `json:"intent_claim,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// Decision is the evaluator output.
type Decision struct {
	Allowed       bool          `json:"allowed"`
	Reason        Reason        `json:"reason"`
	Mandate       *Mandate      `json:"-"`
	EvaluatedAt   time.Time     `json:"-"`
	Latency       time.Duration `json:"-"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// EvalResponse is the JSON shape returned to the proxy.
type EvalResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        Reason `json:"reason"`
	EvaluatedAtMS int64  `json:"evaluated_at_ms"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Response converts a Decision to its wire form.
func (d *Decision) Response() EvalResponse {
	return EvalResponse{
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		EvaluatedAtMS: d.EvaluatedAt.UnixMilli(),
		CorrelationID: d.CorrelationID,
	}
}
