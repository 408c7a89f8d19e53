package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	evaluationsTotal metric.Int64Counter
	evalDuration     metric.Float64Histogram
	riskScore        metric.Float64Histogram
	storeErrors      metric.Int64Counter

	multiplierGauge   metric.Float64ObservableGauge
	activeBlocksGauge metric.Int64ObservableGauge
	registration      metric.Registration
}

// NewMetrics creates the engine instruments. multiplier and activeBlocks
// supply the current values for the observable gauges.
func NewMetrics(meter metric.Meter, multiplier func() float64, activeBlocks func() int64) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.evaluationsTotal, err = meter.Int64Counter(
		"gatekeeper_evaluations_total",
		metric.WithDescription("Evaluations by verdict and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluations counter: %w", err)
	}

	m.evalDuration, err = meter.Float64Histogram(
		"gatekeeper_evaluation_duration_seconds",
		metric.WithDescription("Evaluation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.riskScore, err = meter.Float64Histogram(
		"gatekeeper_risk_score",
		metric.WithDescription("Risk score distribution over evaluations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk histogram: %w", err)
	}

	m.storeErrors, err = meter.Int64Counter(
		"gatekeeper_store_errors_total",
		metric.WithDescription("Store failures handled by the fail-open/fail-closed policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	m.multiplierGauge, err = meter.Float64ObservableGauge(
		"gatekeeper_adaptive_multiplier",
		metric.WithDescription("Current adaptive limit multiplier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create multiplier gauge: %w", err)
	}

	m.activeBlocksGauge, err = meter.Int64ObservableGauge(
		"gatekeeper_active_blocks",
		metric.WithDescription("Temporarily blocked IPs currently in force"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active blocks gauge: %w", err)
	}

	m.registration, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveFloat64(m.multiplierGauge, multiplier())
			o.ObserveInt64(m.activeBlocksGauge, activeBlocks())
			return nil
		},
		m.multiplierGauge, m.activeBlocksGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return m, nil
}

// RecordEvaluation records one evaluation outcome.
func (m *Metrics) RecordEvaluation(ctx context.Context, allowed bool, reason string, riskScore int, duration time.Duration) {
	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	attrs := metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("reason", reason),
	)
	m.evaluationsTotal.Add(ctx, 1, attrs)
	m.evalDuration.Record(ctx, duration.Seconds(), attrs)
	m.riskScore.Record(ctx, float64(riskScore))
}

// RecordStoreError records one store failure.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// Unregister releases the gauge callback.
func (m *Metrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
