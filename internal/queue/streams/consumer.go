package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBlock = 5 * time.Second
	defaultCount = 8
)

// ConsumerConfig names the group member a Consumer reads as. Block and Count
// bound each read; zero values fall back to 5s and 8 entries.
type ConsumerConfig struct {
	Group string
	Name  string
	Block time.Duration
	Count int64
}

// Consumer reads run events as one member of a consumer group. Entries that
// can never be handled (bad envelope, unknown event, schema mismatch) are
// acked and logged rather than returned.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	cfg      ConsumerConfig
	logger   *log.Logger
}

// Message is one decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

func NewConsumer(client *redis.Client, registry *SchemaRegistry, cfg ConsumerConfig, logger *log.Logger) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if cfg.Count <= 0 {
		cfg.Count = defaultCount
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[STREAMS] ", log.LstdFlags)
	}
	return &Consumer{client: client, registry: registry, cfg: cfg, logger: logger}
}

// EnsureGroup creates group on stream, and the stream itself, unless it
// exists. New groups start at the first entry so runs requested before any
// worker was up still execute.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return errors.New("ensure group: stream and group are required")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return errors.New("no stream")
	}
	if c.cfg.Group == "" || c.cfg.Name == "" {
		return errors.New("consumer group and name are required")
	}
	return nil
}

// Read waits up to the configured block time for new entries on stream.
// A timeout returns no messages and no error.
func (c *Consumer) Read(ctx context.Context, stream string) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s as %s/%s: %w", stream, c.cfg.Group, c.cfg.Name, err)
	}

	var out []Message
	for _, st := range res {
		out = append(out, c.accept(ctx, stream, st.Messages)...)
	}
	return out, nil
}

// Ack marks entries as handled by the group.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), stream, err)
	}
	return nil
}

// AutoClaim takes over entries another member left pending for at least
// minIdle. Pass the returned cursor as start to continue; "0-0" means done.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = c.cfg.Count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("claim idle entries on %s: %w", stream, err)
	}
	return c.accept(ctx, stream, msgs), next, nil
}

// Backlog reports how far the group is behind on stream.
func (c *Consumer) Backlog(ctx context.Context, stream string) (Backlog, error) {
	return readBacklog(ctx, c.client, stream, c.cfg.Group)
}

// accept decodes entries, discarding the ones that fail.
func (c *Consumer) accept(ctx context.Context, stream string, entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		env, err := c.decode(e)
		if err != nil {
			c.discard(ctx, stream, e.ID, err)
			continue
		}
		out = append(out, Message{ID: e.ID, Envelope: env})
	}
	return out
}

func (c *Consumer) decode(e redis.XMessage) (Envelope, error) {
	var raw []byte
	switch v := e.Values[fieldEnvelope].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return Envelope{}, errors.New("entry has no envelope")
	default:
		return Envelope{}, fmt.Errorf("envelope field is %T", v)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Envelope{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.Type, env.Version, env.Data); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// discard acks an entry no member of the group will ever handle.
func (c *Consumer) discard(ctx context.Context, stream, id string, reason error) {
	c.logger.Printf("warn: discarding %s entry %s: %v", stream, id, reason)
	recordDiscard(ctx, stream)
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Printf("warn: ack discarded entry %s: %v", id, err)
	}
}
