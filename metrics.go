package tenantdb

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/nhalm/tenantdb"

// poolMetrics holds the OpenTelemetry instruments of one Pool. The gauges
// are observed from Pool.Status on every collection.
type poolMetrics struct {
	attrs        metric.MeasurementOption
	size         metric.Int64ObservableGauge
	available    metric.Int64ObservableGauge
	inUse        metric.Int64ObservableGauge
	maxSize      metric.Int64ObservableGauge
	waiting      metric.Int64ObservableGauge
	waitDuration metric.Float64Histogram
	timeouts     metric.Int64Counter
	discarded    metric.Int64Counter
	migrations   metric.Int64Counter
	registration metric.Registration
}

func newPoolMetrics(provider metric.MeterProvider, label string, p *Pool) (*poolMetrics, error) {
	meter := provider.Meter(meterName)
	m := &poolMetrics{
		attrs: metric.WithAttributes(attribute.String("pool", label)),
	}

	var err error
	if m.size, err = meter.Int64ObservableGauge(
		"tenantdb.pool.connections.size",
		metric.WithDescription("Number of open connections, including ones being created"),
	); err != nil {
		return nil, fmt.Errorf("init size gauge: %w", err)
	}
	if m.available, err = meter.Int64ObservableGauge(
		"tenantdb.pool.connections.available",
		metric.WithDescription("Number of idle connections ready for reuse"),
	); err != nil {
		return nil, fmt.Errorf("init available gauge: %w", err)
	}
	if m.inUse, err = meter.Int64ObservableGauge(
		"tenantdb.pool.connections.in_use",
		metric.WithDescription("Number of connections checked out by callers"),
	); err != nil {
		return nil, fmt.Errorf("init in_use gauge: %w", err)
	}
	if m.maxSize, err = meter.Int64ObservableGauge(
		"tenantdb.pool.connections.max",
		metric.WithDescription("Configured maximum pool size"),
	); err != nil {
		return nil, fmt.Errorf("init max gauge: %w", err)
	}
	if m.waiting, err = meter.Int64ObservableGauge(
		"tenantdb.pool.connections.waiting",
		metric.WithDescription("Number of callers queued for a free slot"),
	); err != nil {
		return nil, fmt.Errorf("init waiting gauge: %w", err)
	}
	if m.waitDuration, err = meter.Float64Histogram(
		"tenantdb.pool.acquire.wait",
		metric.WithDescription("Time spent waiting for a free pool slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2),
	); err != nil {
		return nil, fmt.Errorf("init wait histogram: %w", err)
	}
	if m.timeouts, err = meter.Int64Counter(
		"tenantdb.pool.timeouts",
		metric.WithDescription("Number of exceeded create, wait and recycle budgets"),
	); err != nil {
		return nil, fmt.Errorf("init timeouts counter: %w", err)
	}
	if m.discarded, err = meter.Int64Counter(
		"tenantdb.pool.connections.discarded",
		metric.WithDescription("Number of connections destroyed instead of reused"),
	); err != nil {
		return nil, fmt.Errorf("init discarded counter: %w", err)
	}
	if m.migrations, err = meter.Int64Counter(
		"tenantdb.migrations.steps",
		metric.WithDescription("Number of migration steps applied or rolled back"),
	); err != nil {
		return nil, fmt.Errorf("init migration counter: %w", err)
	}

	m.registration, err = meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			s := p.Status()
			observer.ObserveInt64(m.size, int64(s.Size), m.attrs)
			observer.ObserveInt64(m.available, int64(s.Available), m.attrs)
			observer.ObserveInt64(m.inUse, int64(s.Size-s.Available), m.attrs)
			observer.ObserveInt64(m.maxSize, int64(s.MaxSize), m.attrs)
			observer.ObserveInt64(m.waiting, int64(s.Waiting), m.attrs)
			return nil
		},
		m.size, m.available, m.inUse, m.maxSize, m.waiting,
	)
	if err != nil {
		return nil, fmt.Errorf("register pool callback: %w", err)
	}
	return m, nil
}

func (m *poolMetrics) recordWait(ctx context.Context, d time.Duration) {
	m.waitDuration.Record(ctx, d.Seconds(), m.attrs)
}

func (m *poolMetrics) recordTimeout(ctx context.Context, phase TimeoutPhase) {
	m.timeouts.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("phase", phase.String())))
}

func (m *poolMetrics) recordDiscard(ctx context.Context, reason string) {
	m.discarded.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *poolMetrics) recordMigrationSteps(ctx context.Context, direction Direction, n int) {
	if n == 0 {
		return
	}
	m.migrations.Add(ctx, int64(n), m.attrs, metric.WithAttributes(attribute.String("direction", direction.String())))
}

func (m *poolMetrics) unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
