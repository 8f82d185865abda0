package contracts

// Message-bus topics. Streams are partitioned by principal id so that a
// principal's causal order (issue before delegate before revoke) survives
// transport.
const (
	TopicMetering      = "metering.events"
	TopicDecisions     = "policy.decisions"
	TopicLifecycle     = "agent.lifecycle"
	TopicPolicyChanges = "policy.changes"
	TopicDLQ           = "dlq"
)

// Consumer groups.
const (
	GroupLedgerWriter      = "ledger-writer"
	GroupAggregatorMetrics = "aggregator-metrics"
	GroupAuditLogger       = "audit-logger"
)

// SchemaVersion is the current wire schema version for bus payloads.
// Readers tolerate unknown optional fields; the version integer only bumps
// on incompatible changes.
const SchemaVersion = 1

// MeteringEvent is the bus payload produced after a successful execution.
type MeteringEvent struct {
	SchemaVersion int            `json:"schema_version"`
	PrincipalID   string         `json:"principal_id"`
	MandateID     string         `json:"mandate_id,omitempty"`
	ResourceType  string         `json:"resource_type"`
	Quantity      int64          `json:"quantity"`
	CostMinor     int64          `json:"cost_minor_units"`
	Currency      string         `json:"currency"`
	TSMillis      int64          `json:"ts_ms"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DecisionEvent is the bus payload emitted for every evaluation outcome,
// allow and deny alike.
type DecisionEvent struct {
	SchemaVersion int    `json:"schema_version"`
	PrincipalID   string `json:"principal_id"`
	MandateID     string `json:"mandate_id,omitempty"`
	Action        string `json:"action"`
	Resource      string `json:"resource"`
	Allowed       bool   `json:"allowed"`
	Reason        Reason `json:"reason"`
	TSMillis      int64  `json:"ts_ms"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// PolicyChangeEvent invalidates evaluator caches when mandates are revoked
// or a policy version is activated.
type PolicyChangeEvent struct {
	SchemaVersion int    `json:"schema_version"`
	PrincipalID   string `json:"principal_id,omitempty"`
	MandateID     string `json:"mandate_id,omitempty"`
	Change        string `json:"change"` // "revoke" | "policy_activated"
	TSMillis      int64  `json:"ts_ms"`
}

// DLQEvent wraps a message that exhausted its retry budget.
type DLQEvent struct {
	DLQID             string `json:"dlq_id"`
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key,omitempty"`
	OriginalValue     string `json:"original_value"`
	ErrorType         string `json:"error_type"`
	ErrorMessage      string `json:"error_message"`
	RetryCount        int    `json:"retry_count"`
	FailureTimestamp  string `json:"failure_timestamp"`
	ConsumerGroup     string `json:"consumer_group"`
}
