package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no status is cached for a run.
var ErrMiss = errors.New("run status not cached")

const (
	defaultStatusTTL = 24 * time.Hour
	writeTimeout     = 5 * time.Second
	phaseFieldPrefix = "phase:"
)

// RunState is the live status of a run as seen by any process.
type RunState struct {
	core.RunStatus
	Detail  string `json:"detail,omitempty"`
	Done    bool   `json:"done"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusCache keeps one Redis hash per run with its phase statuses. It
// implements core.Observer.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewStatusCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[CACHE] ", log.LstdFlags)
	}
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

func statusKey(runID string) string { return "dq:run:" + runID + ":status" }

// phaseFields renders a phase update as hash fields.
func phaseFields(u core.PhaseUpdate) map[string]any {
	return map[string]any{
		"goal":                             u.Goal,
		"current":                          string(u.Phase),
		phaseFieldPrefix + string(u.Phase): u.Status.String(),
		"last_updated":                     u.At.UTC().Format(time.RFC3339Nano),
		"detail":                           u.Detail,
	}
}

// finishedFields renders a run result as hash fields.
func finishedFields(res core.RunResult) map[string]any {
	f := map[string]any{
		"goal":         res.Goal,
		"started_at":   res.StartedAt.UTC().Format(time.RFC3339Nano),
		"last_updated": res.FinishedAt.UTC().Format(time.RFC3339Nano),
		"done":         "1",
		"success":      strconv.FormatBool(res.Success),
		"error":        res.Error,
		"current":      "",
	}
	for phase, status := range res.Phases {
		f[phaseFieldPrefix+string(phase)] = status.String()
	}
	return f
}

// parseState decodes a status hash.
func parseState(runID string, h map[string]string) (RunState, error) {
	st := RunState{RunStatus: core.RunStatus{RunID: runID, Phases: map[core.Phase]core.PhaseStatus{}}}
	for k, v := range h {
		switch {
		case k == "goal":
			st.Goal = v
		case k == "current":
			st.Current = core.Phase(v)
		case k == "detail":
			st.Detail = v
		case k == "error":
			st.Error = v
		case k == "done":
			st.Done = v == "1"
		case k == "success":
			st.Success = v == "true"
		case k == "started_at", k == "last_updated":
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return RunState{}, fmt.Errorf("parse %s: %w", k, err)
			}
			if k == "started_at" {
				st.StartedAt = t
			} else {
				st.LastUpdated = t
			}
		case strings.HasPrefix(k, phaseFieldPrefix):
			var s core.PhaseStatus
			if err := s.UnmarshalText([]byte(v)); err != nil {
				return RunState{}, err
			}
			st.Phases[core.Phase(strings.TrimPrefix(k, phaseFieldPrefix))] = s
		}
	}
	return st, nil
}

func (c *StatusCache) write(ctx context.Context, runID string, fields map[string]any, setStart bool, at time.Time) error {
	key := statusKey(runID)
	pipe := c.client.TxPipeline()
	if setStart {
		pipe.HSetNX(ctx, key, "started_at", at.UTC().Format(time.RFC3339Nano))
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the cached state of runID or ErrMiss.
func (c *StatusCache) Get(ctx context.Context, runID string) (RunState, error) {
	h, err := c.client.HGetAll(ctx, statusKey(runID)).Result()
	if err != nil {
		return RunState{}, err
	}
	if len(h) == 0 {
		return RunState{}, ErrMiss
	}
	return parseState(runID, h)
}

// MarkQueued records a run that has been requested but not started.
func (c *StatusCache) MarkQueued(ctx context.Context, runID, goal string) error {
	now := time.Now().UTC()
	return c.write(ctx, runID, map[string]any{
		"goal":         goal,
		"last_updated": now.Format(time.RFC3339Nano),
		"done":         "0",
	}, true, now)
}

func (c *StatusCache) PhaseChanged(ctx context.Context, u core.PhaseUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.write(ctx, u.RunID, phaseFields(u), true, u.At); err != nil {
		c.logger.Printf("cache phase %s of run %s: %v", u.Phase, u.RunID, err)
	}
}

func (c *StatusCache) RunFinished(ctx context.Context, res core.RunResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.write(ctx, res.ID, finishedFields(res), false, res.FinishedAt); err != nil {
		c.logger.Printf("cache result of run %s: %v", res.ID, err)
	}
}

// TryLock takes a best-effort lock that expires after ttl.
func (c *StatusCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, "dq:lock:"+key, strconv.FormatInt(time.Now().Unix(), 10), ttl).Result()
}
