package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the queue instruments. A nil *Metrics records nothing.
type Metrics struct {
	queue      attribute.KeyValue
	dispatched metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	requeued   metric.Int64Counter
	replaced   metric.Int64Counter
	paused     metric.Int64Counter
}

// QueueStats is read by the observable gauges on every collection.
type QueueStats interface {
	PendingCount(ctx context.Context) (int64, error)
	ProcessingCount(ctx context.Context) (int64, error)
	ActiveWorkers() int
}

// NewMetrics creates the queue instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter, queueName string) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{queue: attribute.String("queue", queueName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dispatched, "workq.jobs.dispatched", "Jobs handed to a worker"},
		{&m.completed, "workq.jobs.completed", "Jobs that reported completion"},
		{&m.failed, "workq.jobs.failed", "Jobs that reported failure"},
		{&m.requeued, "workq.jobs.requeued", "Jobs pushed back to the pending list"},
		{&m.replaced, "workq.workers.replaced", "Execution units replaced after a crash or timeout"},
		{&m.paused, "workq.dispatcher.paused", "Dispatch ticks skipped because the host was overloaded"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RegisterQueueGauges reports pending depth, processing depth and busy workers.
func RegisterQueueGauges(meter metric.Meter, queueName string, stats QueueStats) (metric.Registration, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	pending, err := meter.Int64ObservableGauge("workq.queue.pending", metric.WithDescription("Jobs waiting in the pending list"))
	if err != nil {
		return nil, err
	}
	processing, err := meter.Int64ObservableGauge("workq.queue.processing", metric.WithDescription("Jobs in the processing list"))
	if err != nil {
		return nil, err
	}
	busy, err := meter.Int64ObservableGauge("workq.workers.busy", metric.WithDescription("Workers currently holding a job"))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("queue", queueName))
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if n, err := stats.PendingCount(ctx); err == nil {
			o.ObserveInt64(pending, n, attrs)
		}
		if n, err := stats.ProcessingCount(ctx); err == nil {
			o.ObserveInt64(processing, n, attrs)
		}
		o.ObserveInt64(busy, int64(stats.ActiveWorkers()), attrs)
		return nil
	}, pending, processing, busy)
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, extra ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(append([]attribute.KeyValue{m.queue}, extra...)...))
}

func (m *Metrics) JobDispatched(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.dispatched)
	}
}

func (m *Metrics) JobCompleted(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.completed)
	}
}

func (m *Metrics) JobFailed(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.failed)
	}
}

// JobRequeued counts a compensating push back to pending, tagged with why.
func (m *Metrics) JobRequeued(ctx context.Context, reason string) {
	if m != nil {
		m.add(ctx, m.requeued, attribute.String("reason", reason))
	}
}

func (m *Metrics) WorkerReplaced(ctx context.Context, reason string) {
	if m != nil {
		m.add(ctx, m.replaced, attribute.String("reason", reason))
	}
}

func (m *Metrics) DispatcherPaused(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.paused)
	}
}
