package streams

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type stubBacklog struct {
	mu    sync.Mutex
	calls int
	seq   []Backlog
	err   error
}

func (s *stubBacklog) Backlog(_ context.Context, stream string) (Backlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Backlog{}, s.err
	}
	b := s.seq[0]
	if len(s.seq) > 1 {
		s.seq = s.seq[1:]
	}
	b.Stream = stream
	return b, nil
}

func (s *stubBacklog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var quietLogger = log.New(io.Discard, "", 0)

func TestMonitorKeepsLastGoodSample(t *testing.T) {
	reader := &stubBacklog{seq: []Backlog{{Group: "dq-workers", Waiting: 5, Pending: 2, OldestPending: 30}}}
	m := NewMonitor(reader, "dq:runs", time.Minute, quietLogger)

	if _, ok := m.Last(); ok {
		t.Fatalf("expected no sample before the first read")
	}
	b, err := m.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if b.Stream != "dq:runs" || b.Waiting != 5 || b.Pending != 2 {
		t.Fatalf("unexpected sample %+v", b)
	}

	reader.err = ErrNoGroup
	if _, err := m.Sample(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
	last, ok := m.Last()
	if !ok || last.Waiting != 5 || last.OldestPending != 30 {
		t.Fatalf("failed read replaced the last sample: %+v (%t)", last, ok)
	}
}

func TestMonitorSamplesUntilCancelled(t *testing.T) {
	reader := &stubBacklog{seq: []Backlog{{Waiting: 1}, {Waiting: 2}, {Waiting: 3}}}
	m := NewMonitor(reader, "dq:runs", 5*time.Millisecond, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reader.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop after cancel")
	}

	if n := reader.count(); n < 3 {
		t.Fatalf("expected at least 3 samples, got %d", n)
	}
	if last, ok := m.Last(); !ok || last.Waiting != 3 {
		t.Fatalf("expected latest sample to be kept, got %+v (%t)", last, ok)
	}
}

func TestNewMonitorDefaultsInterval(t *testing.T) {
	m := NewMonitor(&stubBacklog{}, "dq:runs", 0, nil)
	if m.interval != DefaultBacklogInterval || m.logger == nil {
		t.Fatalf("defaults not applied: %v %v", m.interval, m.logger)
	}
}
