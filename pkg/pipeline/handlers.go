package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caracal-sh/caracal/pkg/bus"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/ledger"
	"github.com/caracal-sh/caracal/pkg/pricebook"
)

// LedgerHandler turns metering and decision records into ledger rows. The
// ledger partition is derived from the principal id, so the handler routes
// each record to that partition's writer.
type LedgerHandler struct {
	writers    map[int32]*ledger.Writer
	partitions int32
	book       *pricebook.Book
}

// NewLedgerHandler wires the per-partition writers. Every partition in
// [0, partitions) must have a writer. book prices metering records that
// arrive without a cost; nil means producers price everything themselves.
func NewLedgerHandler(writers map[int32]*ledger.Writer, partitions int32, book *pricebook.Book) (*LedgerHandler, error) {
	for p := int32(0); p < partitions; p++ {
		if writers[p] == nil {
			return nil, fmt.Errorf("ledger handler: no writer for partition %d", p)
		}
	}
	return &LedgerHandler{writers: writers, partitions: partitions, book: book}, nil
}

func (h *LedgerHandler) Handle(ctx context.Context, msg bus.Message) error {
	ev, err := h.toEvent(msg)
	if err != nil {
		return err
	}
	w := h.writers[contracts.PartitionFor(ev.PrincipalID, h.partitions)]
	err = w.Append(ctx, ev)
	if errors.Is(err, ledger.ErrDuplicate) {
		// Redelivery; the row already exists.
		return nil
	}
	return err
}

func (h *LedgerHandler) toEvent(msg bus.Message) (*contracts.LedgerEvent, error) {
	seq := ProducerSeq(msg.Topic, msg.Offset)
	switch msg.Topic {
	case contracts.TopicMetering:
		var me contracts.MeteringEvent
		if err := json.Unmarshal(msg.Value, &me); err != nil {
			return nil, fmt.Errorf("decode metering event: %w", err)
		}
		principal, err := uuid.Parse(me.PrincipalID)
		if err != nil {
			return nil, fmt.Errorf("metering principal id: %w", err)
		}
		ev := &contracts.LedgerEvent{
			TSMillis:       me.TSMillis,
			PrincipalID:    principal,
			Type:           contracts.EventMetering,
			Resource:       me.ResourceType,
			CostMinorUnits: &me.CostMinor,
			Currency:       me.Currency,
			CorrelationID:  me.CorrelationID,
			ProducerSeq:    &seq,
		}
		if me.MandateID != "" {
			id, err := uuid.Parse(me.MandateID)
			if err != nil {
				return nil, fmt.Errorf("metering mandate id: %w", err)
			}
			ev.MandateID = &id
		}
		meta := map[string]any{"quantity": me.Quantity}
		for k, v := range me.Metadata {
			meta[k] = v
		}
		// A zero cost means the producer left pricing to us. An unknown
		// resource never blocks the row: one reload retry, then the event
		// is recorded unpriced and flagged for reconciliation.
		if h.book != nil && me.CostMinor == 0 {
			cost, currency, err := h.book.Price(me.ResourceType, me.Quantity)
			if errors.Is(err, pricebook.ErrUnknownResource) {
				if h.book.Reload() == nil {
					cost, currency, err = h.book.Price(me.ResourceType, me.Quantity)
				}
			}
			if err != nil {
				meta["unpriced"] = true
			} else {
				ev.CostMinorUnits = &cost
				ev.Currency = currency
			}
		}
		ev.Metadata, _ = json.Marshal(meta)
		return ev, nil

	case contracts.TopicDecisions:
		var de contracts.DecisionEvent
		if err := json.Unmarshal(msg.Value, &de); err != nil {
			return nil, fmt.Errorf("decode decision event: %w", err)
		}
		principal, err := uuid.Parse(de.PrincipalID)
		if err != nil {
			return nil, fmt.Errorf("decision principal id: %w", err)
		}
		ev := &contracts.LedgerEvent{
			TSMillis:      de.TSMillis,
			PrincipalID:   principal,
			Type:          contracts.EventDecisionDeny,
			Action:        de.Action,
			Resource:      de.Resource,
			Outcome:       contracts.OutcomeDenied,
			CorrelationID: de.CorrelationID,
			ProducerSeq:   &seq,
		}
		if de.Allowed {
			ev.Type = contracts.EventDecisionAllow
			ev.Outcome = contracts.OutcomeAllowed
		}
		if de.MandateID != "" {
			id, err := uuid.Parse(de.MandateID)
			if err != nil {
				return nil, fmt.Errorf("decision mandate id: %w", err)
			}
			ev.MandateID = &id
		}
		ev.Metadata, _ = json.Marshal(map[string]any{"reason": string(de.Reason)})
		return ev, nil

	default:
		return nil, fmt.Errorf("ledger handler: unsupported topic %q", msg.Topic)
	}
}

// MetricsHandler feeds usage and decision counters from the bus. Cost stays
// in minor units; dashboards divide by the currency exponent.
type MetricsHandler struct {
	costCtr     metric.Int64Counter
	quantityCtr metric.Int64Counter
	decisionCtr metric.Int64Counter
}

func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	h := &MetricsHandler{}
	var err error
	h.costCtr, err = meter.Int64Counter("caracal.metering.cost_minor_units",
		metric.WithDescription("Metered cost in currency minor units"),
		metric.WithUnit("{minor_unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	h.quantityCtr, err = meter.Int64Counter("caracal.metering.quantity",
		metric.WithDescription("Metered resource quantity"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create quantity counter: %w", err)
	}
	h.decisionCtr, err = meter.Int64Counter("caracal.decisions.total",
		metric.WithDescription("Evaluation outcomes by reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decision counter: %w", err)
	}
	return h, nil
}

func (h *MetricsHandler) Handle(ctx context.Context, msg bus.Message) error {
	switch msg.Topic {
	case contracts.TopicMetering:
		var me contracts.MeteringEvent
		if err := json.Unmarshal(msg.Value, &me); err != nil {
			return fmt.Errorf("decode metering event: %w", err)
		}
		attrs := metric.WithAttributes(
			attribute.String("caracal.resource_type", me.ResourceType),
			attribute.String("caracal.currency", me.Currency),
		)
		h.costCtr.Add(ctx, me.CostMinor, attrs)
		h.quantityCtr.Add(ctx, me.Quantity, attrs)
		return nil
	case contracts.TopicDecisions:
		var de contracts.DecisionEvent
		if err := json.Unmarshal(msg.Value, &de); err != nil {
			return fmt.Errorf("decode decision event: %w", err)
		}
		h.decisionCtr.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("caracal.allowed", de.Allowed),
			attribute.String("caracal.reason", string(de.Reason)),
		))
		return nil
	default:
		return fmt.Errorf("metrics handler: unsupported topic %q", msg.Topic)
	}
}

// AuditHandler writes one structured log line per record for operators
// tailing the audit stream.
type AuditHandler struct {
	log *slog.Logger
}

func NewAuditHandler(log *slog.Logger) *AuditHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuditHandler{log: log.With("component", "audit")}
}

func (h *AuditHandler) Handle(_ context.Context, msg bus.Message) error {
	switch msg.Topic {
	case contracts.TopicDecisions:
		var de contracts.DecisionEvent
		if err := json.Unmarshal(msg.Value, &de); err != nil {
			return fmt.Errorf("decode decision event: %w", err)
		}
		h.log.Info("decision",
			"principal", de.PrincipalID, "mandate", de.MandateID,
			"action", de.Action, "resource", de.Resource,
			"allowed", de.Allowed, "reason", string(de.Reason),
			"correlation_id", de.CorrelationID)
	case contracts.TopicLifecycle:
		var pe contracts.PolicyChangeEvent
		if err := json.Unmarshal(msg.Value, &pe); err != nil {
			return fmt.Errorf("decode lifecycle event: %w", err)
		}
		h.log.Info("lifecycle",
			"principal", pe.PrincipalID, "mandate", pe.MandateID, "change", pe.Change)
	case contracts.TopicDLQ:
		var dl contracts.DLQEvent
		if err := json.Unmarshal(msg.Value, &dl); err != nil {
			return fmt.Errorf("decode dlq event: %w", err)
		}
		h.log.Warn("dead letter",
			"dlq_id", dl.DLQID, "original_topic", dl.OriginalTopic,
			"error_type", dl.ErrorType, "error", dl.ErrorMessage,
			"retries", dl.RetryCount, "group", dl.ConsumerGroup)
	default:
		var raw map[string]any
		_ = json.Unmarshal(msg.Value, &raw)
		h.log.Info("event", "topic", msg.Topic, "key", msg.Key, "payload", raw)
	}
	return nil
}
