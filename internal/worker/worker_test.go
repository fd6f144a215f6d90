package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dqagent/config"
	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
)

var quiet = log.New(io.Discard, "", 0)

type stubRunner struct {
	mu   sync.Mutex
	runs map[string]string
}

func (r *stubRunner) RunWithID(_ context.Context, runID, goal string) core.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]string{}
	}
	r.runs[runID] = goal
	return core.RunResult{ID: runID, Goal: goal, Success: true}
}

type stubSource struct {
	pending []streams.Message
	acked   []string
}

func (s *stubSource) Read(context.Context, string) ([]streams.Message, error) {
	return nil, nil
}

func (s *stubSource) Ack(_ context.Context, _ string, ids ...string) error {
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *stubSource) AutoClaim(context.Context, string, time.Duration, string, int64) ([]streams.Message, string, error) {
	msgs := s.pending
	s.pending = nil
	return msgs, "0-0", nil
}

type stubLocker struct{ taken map[string]bool }

func (l *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.taken == nil {
		l.taken = map[string]bool{}
	}
	if l.taken[key] {
		return false, nil
	}
	l.taken[key] = true
	return true, nil
}

func requestMessage(t *testing.T, id string, req streams.RunRequested) streams.Message {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return streams.Message{ID: id, Envelope: streams.Envelope{
		ID:      "evt-" + id,
		Type:    streams.EventRunRequested,
		Version: streams.PayloadVersion,
		RunID:   req.RunID,
		Data:    data,
	}}
}

func TestProcessorExecutesAndAcks(t *testing.T) {
	runner := &stubRunner{}
	src := &stubSource{}
	p := NewProcessor(quiet, runner, src, &stubLocker{}, "dq:runs", 0, nil, nil)

	p.handleBatch(context.Background(), []streams.Message{
		requestMessage(t, "1-0", streams.RunRequested{RunID: "run-1", Goal: "check nulls", Trigger: streams.TriggerAPI}),
		requestMessage(t, "2-0", streams.RunRequested{RunID: "run-1", Goal: "check nulls", Trigger: streams.TriggerAPI}),
		requestMessage(t, "3-0", streams.RunRequested{Goal: "no id"}),
	})

	if len(runner.runs) != 1 || runner.runs["run-1"] != "check nulls" {
		t.Fatalf("expected run-1 executed once, got %v", runner.runs)
	}
	if len(src.acked) != 3 {
		t.Fatalf("expected every message acked, got %v", src.acked)
	}
}

func TestProcessorRejectsOtherEvents(t *testing.T) {
	p := NewProcessor(quiet, &stubRunner{}, &stubSource{}, nil, "dq:runs", 0, nil, nil)
	msg := requestMessage(t, "1-0", streams.RunRequested{RunID: "r", Goal: "g"})
	msg.Envelope.Type = streams.EventRunFinished
	if err := p.handle(context.Background(), msg); err == nil {
		t.Fatalf("expected error for non-request event")
	}
}

func TestProcessorStartReclaimsPendingAndStops(t *testing.T) {
	runner := &stubRunner{}
	src := &stubSource{pending: []streams.Message{
		requestMessage(t, "9-0", streams.RunRequested{RunID: "stale", Goal: "g"}),
	}}
	p := NewProcessor(quiet, runner, src, nil, "dq:runs", 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runner.runs["stale"] != "g" {
		t.Fatalf("expected stale request to be executed, got %v", runner.runs)
	}
}

type recordingRequester struct{ reqs []streams.RunRequested }

func (r *recordingRequester) RequestRun(_ context.Context, req streams.RunRequested) error {
	r.reqs = append(r.reqs, req)
	return nil
}

func TestSchedulerFiresDueSchedulesOnce(t *testing.T) {
	req := &recordingRequester{}
	s, err := NewScheduler([]config.ScheduleConfig{
		{Name: "hourly", Goal: "hourly goal", Cron: "@hourly"},
		{Name: "daily", Goal: "daily goal", Cron: "0 6 * * *"},
	}, req, &stubLocker{}, time.Minute, quiet)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	start := time.Date(2024, 3, 5, 5, 30, 0, 0, time.Local)
	for _, sc := range s.schedules {
		sc.last = start
	}

	s.now = func() time.Time { return start.Add(10 * time.Minute) }
	if n := s.tick(context.Background()); n != 0 {
		t.Fatalf("expected nothing due at 05:40, fired %d", n)
	}

	s.now = func() time.Time { return start.Add(31 * time.Minute) }
	if n := s.tick(context.Background()); n != 2 {
		t.Fatalf("expected both schedules due at 06:01, fired %d", n)
	}
	if n := s.tick(context.Background()); n != 0 {
		t.Fatalf("expected no repeat within the same slot, fired %d", n)
	}
	for _, r := range req.reqs {
		if r.Trigger != streams.TriggerSchedule || r.RunID == "" || r.Schedule == "" {
			t.Fatalf("unexpected request %+v", r)
		}
	}
}

func TestSchedulerLockPreventsDuplicateReplicas(t *testing.T) {
	locker := &stubLocker{}
	start := time.Date(2024, 3, 5, 5, 30, 0, 0, time.Local)
	cfgs := []config.ScheduleConfig{{Name: "hourly", Goal: "g", Cron: "@hourly"}}

	var fired int
	for i := 0; i < 2; i++ {
		s, err := NewScheduler(cfgs, &recordingRequester{}, locker, time.Minute, quiet)
		if err != nil {
			t.Fatalf("NewScheduler: %v", err)
		}
		s.schedules[0].last = start
		s.now = func() time.Time { return start.Add(45 * time.Minute) }
		fired += s.tick(context.Background())
	}
	if fired != 1 {
		t.Fatalf("expected one replica to fire, got %d", fired)
	}
}

func TestNewSchedulerRejectsBadCron(t *testing.T) {
	if _, err := NewScheduler([]config.ScheduleConfig{{Name: "bad", Goal: "g", Cron: "not a cron"}}, &recordingRequester{}, nil, 0, quiet); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
}

func TestLocalRequesterRunsInBackground(t *testing.T) {
	runner := &stubRunner{}
	lr := &LocalRequester{Runner: runner}
	if err := lr.RequestRun(context.Background(), streams.RunRequested{RunID: "r1", Goal: "g"}); err != nil {
		t.Fatalf("RequestRun: %v", err)
	}
	lr.Wait()
	if runner.runs["r1"] != "g" {
		t.Fatalf("expected run executed, got %v", runner.runs)
	}
}
