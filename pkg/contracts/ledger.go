package contracts

import (
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes ledger events.
type EventType string

const (
	EventIssue         EventType = "issue"
	EventDelegate      EventType = "delegate"
	EventRevoke        EventType = "revoke"
	EventDecisionAllow EventType = "decision_allow"
	EventDecisionDeny  EventType = "decision_deny"
	EventMetering      EventType = "metering"
)

// Outcome is the recorded result of a decision event.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// LedgerEvent is a write-once record of what happened. IDs are dense and
// strictly increasing per partition; across partitions there is no global
// order — reason about (partition, id) pairs or timestamps.
type LedgerEvent struct {
	ID          int64      `json:"id"`
	Partition   int32      `json:"partition"`
	TSMillis    int64      `json:"ts_ms"`
	PrincipalID uuid.UUID  `json:"principal_id"`
	Type        EventType  `json:"type"`
	MandateID   *uuid.UUID `json:"mandate_id,omitempty"`
	Action      string     `json:"action,omitempty"`
	Resource    string     `json:"resource,omitempty"`
	// Costs are fixed-point minor units with an explicit ISO currency;
	// floats never appear in signed or hashed payloads.
	CostMinorUnits *int64  `json:"cost_minor_units,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	Outcome        Outcome `json:"outcome,omitempty"`
	CorrelationID  string  `json:"correlation_id,omitempty"`
	// ProducerSeq carries the producer sequence number from the bus message
	// the event originated from. Together with the principal id it forms the
	// uniqueness key that turns redelivered messages into no-ops.
	ProducerSeq *int64 `json:"producer_seq,omitempty"`
	Metadata    []byte `json:"metadata,omitempty"`
	ContentHash []byte `json:"content_hash"`
	BatchID     *int64 `json:"batch_id,omitempty"`
}

// CanonicalMap returns the hashed representation of the event. BatchID is
// excluded: it is assigned after the fact when the batch seals and must not
// perturb the content hash.
func (e *LedgerEvent) CanonicalMap() map[string]any {
	m := map[string]any{
		"id":           e.ID,
		"partition":    int64(e.Partition),
		"ts_ms":        e.TSMillis,
		"principal_id": e.PrincipalID.String(),
		"type":         string(e.Type),
	}
	if e.MandateID != nil {
		m["mandate_id"] = e.MandateID.String()
	}
	if e.Action != "" {
		m["action"] = e.Action
	}
	if e.Resource != "" {
		m["resource"] = e.Resource
	}
	if e.CostMinorUnits != nil {
		m["cost_minor_units"] = *e.CostMinorUnits
		m["currency"] = e.Currency
	}
	if e.Outcome != "" {
		m["outcome"] = string(e.Outcome)
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.ProducerSeq != nil {
		m["producer_seq"] = *e.ProducerSeq
	}
	if len(e.Metadata) > 0 {
		m["metadata"] = string(e.Metadata)
	}
	return m
}

// MerkleBatch aggregates a contiguous ledger-id range into a signed binary
// Merkle commitment. Sealed batches are immutable.
type MerkleBatch struct {
	BatchID      int64     `json:"batch_id"`
	Partition    int32     `json:"partition"`
	FirstEventID int64     `json:"first_event_id"`
	LastEventID  int64     `json:"last_event_id"`
	RootHash     []byte    `json:"root_hash"` // 32 bytes
	SigningKeyID string    `json:"signing_key_id"`
	Signature    []byte    `json:"signature"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot is a point-in-time materialization of derived state plus the
// ledger offset it covers, used to bound recovery time.
type Snapshot struct {
	ID           int64     `json:"id"`
	Partition    int32     `json:"partition"`
	LedgerOffset int64     `json:"ledger_offset"`
	State        []byte    `json:"state"` // JSON SnapshotState
	TakenAt      time.Time `json:"taken_at"`
}

// PartitionFor maps a principal to its ledger/bus partition. The bus is
// partitioned by principal id, so a principal's events stay causally ordered.
func PartitionFor(principalID uuid.UUID, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(principalID[:])
	return int32(h.Sum32() % uint32(partitions))
}
