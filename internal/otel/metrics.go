package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	turnsCounter        metric.Int64Counter
	turnDuration        metric.Float64Histogram
	jobsCounter         metric.Int64Counter
	jobDuration         metric.Float64Histogram
	forksCounter        metric.Int64Counter
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		turnsCounter, err = m.Int64Counter("loom_turns_total", metric.WithDescription("Total model turns executed"))
		if err != nil {
			return
		}
		turnDuration, err = m.Float64Histogram("loom_turn_duration_seconds", metric.WithDescription("Model turn duration in seconds"))
		if err != nil {
			return
		}
		jobsCounter, err = m.Int64Counter("loom_jobs_total", metric.WithDescription("Total background jobs finished"))
		if err != nil {
			return
		}
		jobDuration, err = m.Float64Histogram("loom_job_duration_seconds", metric.WithDescription("Background job duration in seconds"))
		if err != nil {
			return
		}
		forksCounter, err = m.Int64Counter("loom_forks_total", metric.WithDescription("Total branch forks created"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("loom_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("loom_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTurn records one model turn and its duration.
func RecordTurn(ctx context.Context, providerID, status string, duration time.Duration) {
	attrs := metric.WithAttributes(AttrProvider.String(providerID), AttrStatus.String(status))
	if turnsCounter != nil {
		turnsCounter.Add(ctx, 1, attrs)
	}
	if turnDuration != nil {
		turnDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordJob records a finished background job and its duration.
func RecordJob(ctx context.Context, jobType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(AttrJobType.String(jobType), AttrStatus.String(status))
	if jobsCounter != nil {
		jobsCounter.Add(ctx, 1, attrs)
	}
	if jobDuration != nil {
		jobDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordFork records one branch fork.
func RecordFork(ctx context.Context) {
	if forksCounter != nil {
		forksCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "edit")))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}
