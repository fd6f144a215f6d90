package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stream entry fields. type and run_id sit beside the envelope so entries can
// be read with redis-cli.
const (
	fieldEnvelope = "envelope"
	fieldType     = "type"
	fieldRunID    = "run_id"
)

// Publisher appends run events to Redis streams, trimming each stream to
// roughly maxLen entries. Payloads are checked against the registry when one
// is set.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
	maxLen   int64
	tracer   trace.Tracer
}

// NewPublisher builds a Publisher. maxLen <= 0 leaves streams untrimmed.
func NewPublisher(client *redis.Client, registry *SchemaRegistry, maxLen int64) *Publisher {
	return &Publisher{
		client:   client,
		registry: registry,
		maxLen:   maxLen,
		tracer:   otel.Tracer("dqagent/queue/streams"),
	}
}

// Publish appends env to stream and returns the entry ID.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	if stream == "" {
		return "", errors.New("publish: no stream")
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.Type, env.Version, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "streams.publish", trace.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event.type", env.Type),
		attribute.String("run.id", env.RunID),
	))
	defer span.End()

	args := &redis.XAddArgs{
		Stream: stream,
		Values: []any{fieldType, env.Type, fieldRunID, env.RunID, fieldEnvelope, raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("append %s to %s: %w", env.Type, stream, err)
	}
	recordStreamMetrics(ctx, env)
	return id, nil
}

// publishEvent wraps payload in a fresh envelope and publishes it.
func (p *Publisher) publishEvent(ctx context.Context, stream, eventType, runID string, payload any) (string, error) {
	env, err := NewEnvelope(ctx, eventType, runID, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env)
}
