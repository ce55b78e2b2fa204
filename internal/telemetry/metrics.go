package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine's counters.
type Metrics struct {
	transitions     metric.Int64Counter
	documentNumbers metric.Int64Counter
	bulkItems       metric.Int64Counter
	sideEffects     metric.Int64Counter
}

// NewMetrics registers the counters on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	transitions, err := m.Int64Counter("wf.transitions",
		metric.WithDescription("Workflow actions by action type and outcome"),
		metric.WithUnit("{action}"))
	if err != nil {
		return nil, err
	}
	documentNumbers, err := m.Int64Counter("wf.document_numbers.issued",
		metric.WithDescription("Document numbers issued"),
		metric.WithUnit("{number}"))
	if err != nil {
		return nil, err
	}
	bulkItems, err := m.Int64Counter("wf.bulk.items",
		metric.WithDescription("Bulk action items by outcome"),
		metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}
	sideEffects, err := m.Int64Counter("wf.side_effects.failed",
		metric.WithDescription("Discarded notification and audit failures"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		transitions:     transitions,
		documentNumbers: documentNumbers,
		bulkItems:       bulkItems,
		sideEffects:     sideEffects,
	}, nil
}

// Noop returns Metrics that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(metricnoop.NewMeterProvider().Meter(instrumentationScope))
	return m
}

// Transition counts one performed action. outcome is "advanced", "pending"
// or an error code.
func (m *Metrics) Transition(ctx context.Context, actionType, outcome string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.String("outcome", outcome),
	))
}

// DocumentNumberIssued counts one committed document number.
func (m *Metrics) DocumentNumberIssued(ctx context.Context, categoryID int64) {
	m.documentNumbers.Add(ctx, 1, metric.WithAttributes(attribute.Int64("category_id", categoryID)))
}

// BulkItem counts one bulk element.
func (m *Metrics) BulkItem(ctx context.Context, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.bulkItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SideEffectFailed counts one discarded notification or audit failure.
func (m *Metrics) SideEffectFailed(ctx context.Context, kind string) {
	m.sideEffects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
