package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	claimCount     = 4
	claimMinIdle   = 10 * time.Minute
	defaultLockTTL = 2 * time.Hour
)

// Runner executes one run under a caller-chosen ID.
type Runner interface {
	RunWithID(ctx context.Context, runID, goal string) core.RunResult
}

// Source is the part of streams.Consumer the processor reads from.
type Source interface {
	Read(ctx context.Context, stream string) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Locker guards against two workers executing the same run.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Processor executes run.requested events from a Redis stream.
type Processor struct {
	logger    *log.Logger
	runner    Runner
	source    Source
	locker    Locker
	stream    string
	lockTTL   time.Duration
	tracer    trace.Tracer
	processed otelmetric.Int64Counter
	skipped   otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. locker, meter and tracer may be nil.
func NewProcessor(logger *log.Logger, runner Runner, source Source, locker Locker, stream string, lockTTL time.Duration, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	p := &Processor{
		logger:  logger,
		runner:  runner,
		source:  source,
		locker:  locker,
		stream:  stream,
		lockTTL: lockTTL,
		tracer:  tracer,
	}
	if meter != nil {
		var err error
		p.processed, err = meter.Int64Counter("worker_runs_processed")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		p.skipped, err = meter.Int64Counter("worker_runs_skipped")
		if err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, executing requested runs until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.stream)
	if err := p.resumePending(ctx); err != nil {
		p.logger.Printf("warn: reclaiming pending runs failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.source.Read(ctx, p.stream)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.handle(ctx, msg); err != nil {
			p.logger.Printf("error handling message %s: %v", msg.ID, err)
		}
		if err := p.source.Ack(context.WithoutCancel(ctx), p.stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

// handle executes one request. Malformed requests are reported and acked.
func (p *Processor) handle(ctx context.Context, msg streams.Message) error {
	if msg.Envelope.Type != streams.EventRunRequested {
		return fmt.Errorf("unexpected event type %q", msg.Envelope.Type)
	}
	var req streams.RunRequested
	if err := msg.Envelope.Decode(&req); err != nil {
		return err
	}
	if req.RunID == "" || req.Goal == "" {
		return fmt.Errorf("run request %s lacks run_id or goal", msg.Envelope.ID)
	}

	ctx, span := p.tracer.Start(ctx, "worker.handle_run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("run.trigger", req.Trigger),
	))
	defer span.End()

	if p.locker != nil {
		ok, err := p.locker.TryLock(ctx, "run:"+req.RunID, p.lockTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("lock run %s: %w", req.RunID, err)
		}
		if !ok {
			p.logger.Printf("skip run %s, already taken by another worker", req.RunID)
			if p.skipped != nil {
				p.skipped.Add(ctx, 1)
			}
			return nil
		}
	}

	p.logger.Printf("executing run %s (%s): %s", req.RunID, req.Trigger, req.Goal)
	res := p.runner.RunWithID(ctx, req.RunID, req.Goal)
	span.SetAttributes(attribute.Bool("run.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	if p.processed != nil {
		p.processed.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("success", res.Success)))
	}
	p.logger.Printf("run %s finished (success=%t)", req.RunID, res.Success)
	return nil
}

// resumePending takes over requests left unacknowledged by crashed workers.
func (p *Processor) resumePending(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.source.AutoClaim(ctx, p.stream, claimMinIdle, start, claimCount)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			p.logger.Printf("reclaimed %d pending run requests", len(msgs))
			p.handleBatch(ctx, msgs)
		}
		if next == "" || next == "0-0" || ctx.Err() != nil {
			return nil
		}
		start = next
	}
}
