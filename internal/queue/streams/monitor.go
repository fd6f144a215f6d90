package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBacklogInterval is how often a Monitor samples when not told otherwise.
const DefaultBacklogInterval = 15 * time.Second

// Backlog is how far a consumer group is behind on a stream. Waiting counts
// entries no member has read yet; Pending counts entries read but not acked,
// i.e. runs in flight or abandoned by a crashed worker.
type Backlog struct {
	Stream        string    `json:"stream"`
	Group         string    `json:"group"`
	Waiting       int64     `json:"waiting"`
	Pending       int64     `json:"pending"`
	Consumers     int64     `json:"consumers"`
	OldestPending float64   `json:"oldest_pending_seconds"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ErrNoGroup is returned when the stream has no such consumer group.
var ErrNoGroup = errors.New("consumer group not found")

func readBacklog(ctx context.Context, client *redis.Client, stream, group string) (Backlog, error) {
	if stream == "" || group == "" {
		return Backlog{}, errors.New("backlog: stream and group are required")
	}
	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return Backlog{}, fmt.Errorf("describe groups of %s: %w", stream, err)
	}

	b := Backlog{Stream: stream, Group: group, SampledAt: time.Now().UTC()}
	found := false
	for _, g := range groups {
		if g.Name == group {
			b.Waiting, b.Pending, b.Consumers = g.Lag, g.Pending, int64(g.Consumers)
			found = true
			break
		}
	}
	if !found {
		return Backlog{}, fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
	}
	if b.Pending == 0 {
		return b, nil
	}

	oldest, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Backlog{}, fmt.Errorf("oldest pending entry on %s: %w", stream, err)
	}
	if len(oldest) > 0 {
		b.OldestPending = oldest[0].Idle.Seconds()
	}
	return b, nil
}

// BacklogReader reads the backlog of a stream. *Consumer implements it for
// its own group.
type BacklogReader interface {
	Backlog(ctx context.Context, stream string) (Backlog, error)
}

// Monitor samples the run request backlog on an interval. The latest sample
// feeds the queue gauges and the ops API.
type Monitor struct {
	reader   BacklogReader
	stream   string
	interval time.Duration
	logger   *log.Logger

	mu   sync.RWMutex
	last Backlog
	ok   bool
}

func NewMonitor(reader BacklogReader, stream string, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultBacklogInterval
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[STREAMS] ", log.LstdFlags)
	}
	return &Monitor{reader: reader, stream: stream, interval: interval, logger: logger}
}

// Start samples immediately, then every interval, until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	unregister := registerBacklogGauges(m)
	defer unregister()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
			m.logger.Printf("warn: backlog of %s: %v", m.stream, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample reads the backlog once and keeps it as the latest sample. A failed
// read keeps the previous sample.
func (m *Monitor) Sample(ctx context.Context) (Backlog, error) {
	b, err := m.reader.Backlog(ctx, m.stream)
	if err != nil {
		return Backlog{}, err
	}
	m.mu.Lock()
	m.last, m.ok = b, true
	m.mu.Unlock()
	return b, nil
}

// Last returns the latest sample, false until one succeeded.
func (m *Monitor) Last() (Backlog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.ok
}
