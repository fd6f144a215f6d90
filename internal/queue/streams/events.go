package streams

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

// Event types and the payload version they are published with.
const (
	EventRunRequested = "run.requested"
	EventRunPhase     = "run.phase"
	EventRunFinished  = "run.finished"

	PayloadVersion = "v1"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// RunRequested asks a worker to execute one goal.
type RunRequested struct {
	RunID       string    `json:"run_id"`
	Goal        string    `json:"goal"`
	Trigger     string    `json:"trigger"`
	Schedule    string    `json:"schedule,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunPhase mirrors core.PhaseUpdate on the events stream.
type RunPhase struct {
	RunID  string           `json:"run_id"`
	Goal   string           `json:"goal,omitempty"`
	Phase  core.Phase       `json:"phase"`
	Status core.PhaseStatus `json:"status"`
	Detail string           `json:"detail,omitempty"`
	At     time.Time        `json:"at"`
}

// RunFinished is the compact outcome of a run.
type RunFinished struct {
	RunID           string                          `json:"run_id"`
	Goal            string                          `json:"goal"`
	Success         bool                            `json:"success"`
	Error           string                          `json:"error,omitempty"`
	ReportPath      string                          `json:"report_path,omitempty"`
	Issues          int                             `json:"issues"`
	Phases          map[core.Phase]core.PhaseStatus `json:"phases"`
	Cost            float64                         `json:"cost"`
	Tokens          int64                           `json:"tokens"`
	DurationSeconds float64                         `json:"duration_seconds"`
}

// FinishedFrom condenses a run result.
func FinishedFrom(res core.RunResult) RunFinished {
	out := RunFinished{
		RunID:      res.ID,
		Goal:       res.Goal,
		Success:    res.Success,
		Error:      res.Error,
		ReportPath: res.ReportPath,
		Phases:     res.Phases,
		Cost:       res.Usage.Cost,
		Tokens:     res.Usage.InputTokens + res.Usage.OutputTokens,
	}
	if out.Phases == nil {
		out.Phases = map[core.Phase]core.PhaseStatus{}
	}
	if res.Analysis != nil {
		out.Issues = len(res.Analysis.Issues)
	}
	if d := res.FinishedAt.Sub(res.StartedAt); d > 0 {
		out.DurationSeconds = d.Seconds()
	}
	return out
}

// RequestRun publishes a run.requested event and returns the stream entry ID.
// Trigger defaults to manual.
func RequestRun(ctx context.Context, p *Publisher, stream string, req RunRequested) (string, error) {
	if req.RunID == "" || req.Goal == "" {
		return "", fmt.Errorf("run request needs run_id and goal")
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	return p.publishEvent(ctx, stream, EventRunRequested, req.RunID, req)
}

// EventObserver publishes run progress to the events stream. It implements
// core.Observer. Publish failures are logged; runs never wait on Redis.
type EventObserver struct {
	publisher *Publisher
	stream    string
	logger    *log.Logger
}

func NewEventObserver(p *Publisher, stream string, logger *log.Logger) *EventObserver {
	if logger == nil {
		logger = log.New(os.Stdout, "[STREAMS] ", log.LstdFlags)
	}
	return &EventObserver{publisher: p, stream: stream, logger: logger}
}

func (o *EventObserver) PhaseChanged(ctx context.Context, u core.PhaseUpdate) {
	evt := RunPhase{RunID: u.RunID, Goal: u.Goal, Phase: u.Phase, Status: u.Status, Detail: u.Detail, At: u.At}
	if _, err := o.publisher.publishEvent(context.WithoutCancel(ctx), o.stream, EventRunPhase, u.RunID, evt); err != nil {
		o.logger.Printf("publish %s %s for run %s: %v", EventRunPhase, u.Phase, u.RunID, err)
	}
}

func (o *EventObserver) RunFinished(ctx context.Context, res core.RunResult) {
	if _, err := o.publisher.publishEvent(context.WithoutCancel(ctx), o.stream, EventRunFinished, res.ID, FinishedFrom(res)); err != nil {
		o.logger.Printf("publish %s for run %s: %v", EventRunFinished, res.ID, err)
	}
}
