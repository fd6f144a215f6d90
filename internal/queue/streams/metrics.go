package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	runsRequested     otelmetric.Int64Counter
	runDuration       otelmetric.Float64Histogram
	runIssues         otelmetric.Int64Histogram
	eventsDiscarded   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("dqagent/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"dq_stream_events_total",
		otelmetric.WithDescription("Events published to run streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dq_stream_events_total: %v", err)
	}
	runsRequested, err = meter.Int64Counter(
		"dq_runs_requested_total",
		otelmetric.WithDescription("Run requests published, by trigger"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dq_runs_requested_total: %v", err)
	}
	runDuration, err = meter.Float64Histogram(
		"dq_run_duration_seconds",
		otelmetric.WithDescription("Wall time of finished runs"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dq_run_duration_seconds: %v", err)
	}
	runIssues, err = meter.Int64Histogram(
		"dq_run_issues",
		otelmetric.WithDescription("Data quality issues reported per finished run"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dq_run_issues: %v", err)
	}
	eventsDiscarded, err = meter.Int64Counter(
		"dq_stream_events_discarded_total",
		otelmetric.WithDescription("Stream entries acked without handling because they could not be decoded"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dq_stream_events_discarded_total: %v", err)
	}
}

func recordStreamMetrics(ctx context.Context, env Envelope) {
	streamMetricsOnce.Do(initStreamMetrics)
	ctx = contextOrBackground(ctx)
	if eventsPublished != nil {
		eventsPublished.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", env.Type)))
	}

	payload := env.Data
	switch env.Type {
	case EventRunRequested:
		if runsRequested == nil {
			return
		}
		var doc RunRequested
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		runsRequested.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("trigger", doc.Trigger)))
	case EventRunFinished:
		var doc RunFinished
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		attrs := otelmetric.WithAttributes(attribute.Bool("success", doc.Success))
		if runDuration != nil {
			runDuration.Record(ctx, doc.DurationSeconds, attrs)
		}
		if runIssues != nil {
			runIssues.Record(ctx, int64(doc.Issues), attrs)
		}
	}
}

func recordDiscard(ctx context.Context, stream string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsDiscarded != nil {
		eventsDiscarded.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("stream", stream)))
	}
}

// registerBacklogGauges reports the latest sample of m on every collection.
// The returned func removes the callback.
func registerBacklogGauges(m *Monitor) func() {
	meter := otel.Meter("dqagent/queue/streams")
	waiting, err := meter.Int64ObservableGauge("dq_run_queue_waiting",
		otelmetric.WithDescription("Run requests not yet read by any worker"))
	if err != nil {
		m.logger.Printf("warn: queue gauge dq_run_queue_waiting: %v", err)
		return func() {}
	}
	pending, err := meter.Int64ObservableGauge("dq_run_queue_pending",
		otelmetric.WithDescription("Run requests read but not acked"))
	if err != nil {
		m.logger.Printf("warn: queue gauge dq_run_queue_pending: %v", err)
		return func() {}
	}
	oldest, err := meter.Float64ObservableGauge("dq_run_queue_oldest_pending_seconds",
		otelmetric.WithDescription("Idle time of the oldest unacked run request"),
		otelmetric.WithUnit("s"))
	if err != nil {
		m.logger.Printf("warn: queue gauge dq_run_queue_oldest_pending_seconds: %v", err)
		return func() {}
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o otelmetric.Observer) error {
		b, ok := m.Last()
		if !ok {
			return nil
		}
		attrs := otelmetric.WithAttributes(attribute.String("stream", b.Stream), attribute.String("group", b.Group))
		o.ObserveInt64(waiting, b.Waiting, attrs)
		o.ObserveInt64(pending, b.Pending, attrs)
		o.ObserveFloat64(oldest, b.OldestPending, attrs)
		return nil
	}, waiting, pending, oldest)
	if err != nil {
		m.logger.Printf("warn: register queue gauges: %v", err)
		return func() {}
	}
	return func() {
		if err := reg.Unregister(); err != nil {
			m.logger.Printf("warn: unregister queue gauges: %v", err)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
