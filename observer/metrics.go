package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/reverie-ai/reverie"
)

// Metrics emits orchestration counters and the retrieval latency histogram
// through OTEL instruments. Plug it in with reverie.WithTurnMetrics.
type Metrics struct {
	inst *Instruments
}

var _ reverie.TurnMetrics = (*Metrics)(nil)

// NewMetrics builds the metrics hook over initialized instruments.
func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{inst: inst}
}

func (m *Metrics) TurnCompleted(ctx context.Context, roleID string) {
	m.inst.Turns.Add(ctx, 1, metric.WithAttributes(AttrRoleID.String(roleID)))
}

func (m *Metrics) RetrievalObserved(ctx context.Context, partition string, elapsed time.Duration) {
	m.inst.RetrievalDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(AttrPartition.String(partition)))
}

func (m *Metrics) ExtractionObserved(ctx context.Context, partition string, extracted, stored int) {
	attrs := metric.WithAttributes(AttrPartition.String(partition))
	m.inst.FragmentsExtracted.Add(ctx, int64(extracted), attrs)
	m.inst.FragmentsStored.Add(ctx, int64(stored), attrs)
}
