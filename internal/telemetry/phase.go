package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PhaseMetrics records agent phase runs. A nil *PhaseMetrics records nothing.
type PhaseMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	cost     metric.Float64Counter
}

// NewPhaseMetrics creates the phase instruments on m. Instrument creation
// errors leave that instrument unset; recording into it is then skipped.
func NewPhaseMetrics(m metric.Meter) *PhaseMetrics {
	pm := &PhaseMetrics{}
	pm.runs, _ = m.Int64Counter("jakeops.phase.runs",
		metric.WithDescription("Agent phase runs by phase and outcome"))
	pm.duration, _ = m.Float64Histogram("jakeops.phase.duration",
		metric.WithDescription("Agent phase run duration"),
		metric.WithUnit("ms"))
	pm.cost, _ = m.Float64Counter("jakeops.agent.cost_usd",
		metric.WithDescription("Agent spend reported by the CLI"),
		metric.WithUnit("USD"))
	return pm
}

// RecordRun counts one finished run of phase with its outcome.
func (pm *PhaseMetrics) RecordRun(ctx context.Context, phase, runStatus string, elapsed time.Duration, costUSD float64) {
	if pm == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("run_status", runStatus),
	)
	if pm.runs != nil {
		pm.runs.Add(ctx, 1, attrs)
	}
	if pm.duration != nil {
		pm.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	if pm.cost != nil && costUSD > 0 {
		pm.cost.Add(ctx, costUSD, metric.WithAttributes(attribute.String("phase", phase)))
	}
}

// ObserveGauge registers an int64 gauge whose value is read from fn at
// each collection.
func ObserveGauge(m metric.Meter, name, description string, fn func() int64) error {
	_, err := m.Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}
