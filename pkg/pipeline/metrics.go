package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts pipeline throughput per (topic, group). A nil *Metrics is a
// no-op so tests and stripped-down deployments skip the meter entirely.
type Metrics struct {
	processedCtr    metric.Int64Counter
	retriedCtr      metric.Int64Counter
	deadLetteredCtr metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	m.processedCtr, err = meter.Int64Counter("caracal.pipeline.processed.total",
		metric.WithDescription("Records processed successfully"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create processed counter: %w", err)
	}
	m.retriedCtr, err = meter.Int64Counter("caracal.pipeline.retries.total",
		metric.WithDescription("Handler retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	m.deadLetteredCtr, err = meter.Int64Counter("caracal.pipeline.dead_lettered.total",
		metric.WithDescription("Records moved to the DLQ"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead-lettered counter: %w", err)
	}
	return m, nil
}

func groupAttrs(topic, group string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("caracal.topic", topic),
		attribute.String("caracal.consumer_group", group),
	)
}

func (m *Metrics) processed(ctx context.Context, topic, group string) {
	if m == nil {
		return
	}
	m.processedCtr.Add(ctx, 1, groupAttrs(topic, group))
}

func (m *Metrics) retried(ctx context.Context, topic, group string) {
	if m == nil {
		return
	}
	m.retriedCtr.Add(ctx, 1, groupAttrs(topic, group))
}

func (m *Metrics) deadLettered(ctx context.Context, topic, group string) {
	if m == nil {
		return
	}
	m.deadLetteredCtr.Add(ctx, 1, groupAttrs(topic, group))
}
