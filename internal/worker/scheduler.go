package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
)

// Requester hands a run request to whatever executes runs.
type Requester interface {
	RequestRun(ctx context.Context, req streams.RunRequested) error
}

// StreamRequester publishes run requests for workers to pick up.
type StreamRequester struct {
	Publisher *streams.Publisher
	Stream    string
}

func (r StreamRequester) RequestRun(ctx context.Context, req streams.RunRequested) error {
	_, err := streams.RequestRun(ctx, r.Publisher, r.Stream, req)
	return err
}

// LocalRequester executes runs in this process, one goroutine per run.
type LocalRequester struct {
	Runner Runner
	wg     sync.WaitGroup
}

func (r *LocalRequester) RequestRun(ctx context.Context, req streams.RunRequested) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Runner.RunWithID(context.WithoutCancel(ctx), req.RunID, req.Goal)
	}()
	return nil
}

// Wait blocks until every started run has finished.
func (r *LocalRequester) Wait() { r.wg.Wait() }

type schedule struct {
	cfg  config.ScheduleConfig
	expr *cronexpr.Expression
	last time.Time
}

// Scheduler requests runs for the configured recurring goals.
type Scheduler struct {
	schedules []*schedule
	requester Requester
	locker    Locker
	interval  time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// NewScheduler parses every schedule. Schedules are first due at their next
// cron time after start. locker may be nil for a single scheduler instance.
func NewScheduler(cfgs []config.ScheduleConfig, requester Requester, locker Locker, interval time.Duration, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[SCHED] ", log.LstdFlags)
	}
	if interval <= 0 {
		interval = config.DefaultSchedulerInterval
	}
	s := &Scheduler{requester: requester, locker: locker, interval: interval, now: time.Now, logger: logger}
	start := s.now()
	for _, c := range cfgs {
		expr, err := cronexpr.Parse(c.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", c.Name, err)
		}
		s.schedules = append(s.schedules, &schedule{cfg: c, expr: expr, last: start})
	}
	return s, nil
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.schedules) == 0 {
		s.logger.Printf("no schedules configured")
		return
	}
	s.logger.Printf("scheduler started with %d schedules", len(s.schedules))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick requests every schedule whose next cron time has passed.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now()
	fired := 0
	for _, sc := range s.schedules {
		due := sc.expr.Next(sc.last)
		if due.IsZero() || due.After(now) {
			continue
		}
		sc.last = now

		if s.locker != nil {
			// one lock per due slot so replicas fire the slot once
			key := "sched:" + sc.cfg.Name + ":" + strconv.FormatInt(due.Unix(), 10)
			ok, err := s.locker.TryLock(ctx, key, 2*s.interval)
			if err != nil {
				s.logger.Printf("lock schedule %s: %v", sc.cfg.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}

		req := streams.RunRequested{
			RunID:       uuid.NewString(),
			Goal:        sc.cfg.Goal,
			Trigger:     streams.TriggerSchedule,
			Schedule:    sc.cfg.Name,
			RequestedAt: now.UTC(),
		}
		if err := s.requester.RequestRun(ctx, req); err != nil {
			s.logger.Printf("request run for schedule %s: %v", sc.cfg.Name, err)
			continue
		}
		fired++
		s.logger.Printf("schedule %s requested run %s", sc.cfg.Name, req.RunID)
	}
	return fired
}
