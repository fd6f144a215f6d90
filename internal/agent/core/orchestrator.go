package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase names one step of the workflow.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseInvestigation Phase = "investigation"
	PhaseAnalysis      Phase = "analysis"
	PhaseReporting     Phase = "reporting"
)

// Phases lists the workflow steps in execution order.
var Phases = []Phase{PhasePlanning, PhaseInvestigation, PhaseAnalysis, PhaseReporting}

// PhaseStatus is the outcome of a phase.
type PhaseStatus int

const (
	PhaseNotRun PhaseStatus = iota
	// PhaseRunning is only reported to observers while a phase is in flight.
	PhaseRunning
	PhaseSucceeded
	// PhaseDegradedNoResult means the phase finished but produced nothing (or
	// only part of what was requested).
	PhaseDegradedNoResult
	PhaseFailed
)

var phaseStatusNames = map[PhaseStatus]string{
	PhaseNotRun:           "not_run",
	PhaseRunning:          "running",
	PhaseSucceeded:        "succeeded",
	PhaseDegradedNoResult: "degraded_no_result",
	PhaseFailed:           "failed",
}

func (s PhaseStatus) String() string {
	if name, ok := phaseStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("phase_status(%d)", int(s))
}

func (s PhaseStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PhaseStatus) UnmarshalText(b []byte) error {
	for k, v := range phaseStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown phase status %q", string(b))
}

// TaskFailure records an investigation task that produced no report.
type TaskFailure struct {
	Kind     string `json:"kind"` // query or profiling
	Goal     string `json:"goal"`
	Error    string `json:"error,omitempty"`
	NoResult bool   `json:"no_result,omitempty"`
}

// RunResult is the envelope of one end-to-end execution. Nil slices and
// pointers mean "absent".
type RunResult struct {
	ID                   string                `json:"id"`
	Goal                 string                `json:"goal"`
	StartedAt            time.Time             `json:"started_at"`
	FinishedAt           time.Time             `json:"finished_at"`
	Success              bool                  `json:"success"`
	Plan                 *Plan                 `json:"plan,omitempty"`
	InvestigationResults []InvestigationReport `json:"investigation_results,omitempty"`
	ProfilingResults     []ProfilingReport     `json:"profiling_results,omitempty"`
	Analysis             *AnalysisReport       `json:"analysis,omitempty"`
	Report               *string               `json:"report,omitempty"`
	ReportPath           string                `json:"report_path,omitempty"`
	ResultPath           string                `json:"result_path,omitempty"`
	Error                string                `json:"error,omitempty"`
	Traceback            string                `json:"traceback,omitempty"`
	Phases               map[Phase]PhaseStatus `json:"phases"`
	TaskFailures         []TaskFailure         `json:"task_failures,omitempty"`
	Usage                Usage                 `json:"usage"`
	AgentsUsed           []string              `json:"agents_used,omitempty"`
}

// PhaseUpdate is delivered to observers whenever a phase starts or finishes.
type PhaseUpdate struct {
	RunID  string      `json:"run_id"`
	Goal   string      `json:"goal"`
	Phase  Phase       `json:"phase"`
	Status PhaseStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
	At     time.Time   `json:"at"`
}

// Observer receives progress of runs. Implementations must not block for long;
// errors are theirs to log.
type Observer interface {
	PhaseChanged(ctx context.Context, update PhaseUpdate)
	RunFinished(ctx context.Context, result RunResult)
}

// Agents are the five injected agent handles.
type Agents struct {
	Planner      Agent
	Investigator Agent
	Profiler     Agent
	Summarizer   Agent
	Reporter     Agent
}

func (a Agents) validate() error {
	missing := make([]string, 0)
	if a.Planner == nil {
		missing = append(missing, "planner")
	}
	if a.Investigator == nil {
		missing = append(missing, "investigator")
	}
	if a.Profiler == nil {
		missing = append(missing, "profiler")
	}
	if a.Summarizer == nil {
		missing = append(missing, "summarizer")
	}
	if a.Reporter == nil {
		missing = append(missing, "reporter")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrNoAgent, strings.Join(missing, ", "))
	}
	return nil
}

// Ceilings are the per-phase message limits of one agent conversation.
type Ceilings struct {
	Planning      int
	Investigation int
	Analysis      int
	Reporting     int
}

// DefaultCeilings returns the standard limits.
func DefaultCeilings() Ceilings {
	return Ceilings{Planning: 3, Investigation: 5, Analysis: 5, Reporting: 3}
}

// Options configures an Orchestrator.
type Options struct {
	ReportsDir string
	// Console mirrors every agent conversation when non-nil.
	Console            io.Writer
	Ceilings           Ceilings
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	Observers          []Observer
	Now                func() time.Time
}

// RunStatus is the in-memory progress of an active run.
type RunStatus struct {
	RunID       string                `json:"run_id"`
	Goal        string                `json:"goal"`
	Phases      map[Phase]PhaseStatus `json:"phases"`
	Current     Phase                 `json:"current"`
	StartedAt   time.Time             `json:"started_at"`
	LastUpdated time.Time             `json:"last_updated"`
}

// Orchestrator drives the planning, investigation, analysis and reporting phases.
type Orchestrator struct {
	agents    Agents
	opts      Options
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	invoker   *Invoker

	// Processing state
	processing map[string]*RunStatus
	mu         sync.RWMutex
}

var orchestratorTracer trace.Tracer = otel.Tracer("dqagent/internal/agent/orchestrator")

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(agents Agents, opts Options, logger *log.Logger, tele *telemetry.Telemetry) (*Orchestrator, error) {
	if err := agents.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if opts.ReportsDir == "" {
		opts.ReportsDir = "ge_reports"
	}
	def := DefaultCeilings()
	if opts.Ceilings.Planning <= 0 {
		opts.Ceilings.Planning = def.Planning
	}
	if opts.Ceilings.Investigation <= 0 {
		opts.Ceilings.Investigation = def.Investigation
	}
	if opts.Ceilings.Analysis <= 0 {
		opts.Ceilings.Analysis = def.Analysis
	}
	if opts.Ceilings.Reporting <= 0 {
		opts.Ceilings.Reporting = def.Reporting
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		agents:     agents,
		opts:       opts,
		logger:     logger,
		telemetry:  tele,
		invoker:    NewInvoker(opts.Console, tele),
		processing: make(map[string]*RunStatus),
	}, nil
}

// AddObserver registers an observer. It must be called before runs start.
func (o *Orchestrator) AddObserver(obs Observer) {
	if obs != nil {
		o.opts.Observers = append(o.opts.Observers, obs)
	}
}

// ReportsDir returns the directory artifacts are written to.
func (o *Orchestrator) ReportsDir() string { return o.opts.ReportsDir }

// Run executes the full workflow for goal under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, goal string) RunResult {
	return o.RunWithID(ctx, uuid.NewString(), goal)
}

// RunWithID executes the full workflow for goal. The returned result always
// reflects the outcome: a fatal phase error sets Success=false with Error and
// Traceback and skips the remaining phases. The result is persisted to the
// reports directory before returning.
func (o *Orchestrator) RunWithID(ctx context.Context, runID, goal string) RunResult {
	if runID == "" {
		runID = uuid.NewString()
	}
	start := o.opts.Now()
	ctx, span := orchestratorTracer.Start(ctx, "dq.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.goal", goal),
		))
	defer span.End()

	res := RunResult{ID: runID, Goal: goal, StartedAt: start, Phases: make(map[Phase]PhaseStatus, len(Phases))}
	for _, p := range Phases {
		res.Phases[p] = PhaseNotRun
	}

	o.track(res)
	defer o.untrack(runID)

	inv := o.invoker.forRun()
	o.logger.Printf("Starting data quality analysis %s: %s", runID, goal)

	if err := o.runPhases(ctx, inv, &res); err != nil {
		res.Success = false
		res.Error = err.Error()
		res.Traceback = traceback(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Printf("Error during analysis %s: %v", runID, err)
	} else {
		res.Success = true
		span.SetStatus(codes.Ok, "completed")
		o.logger.Printf("Data quality analysis %s complete in %v", runID, o.opts.Now().Sub(start))
	}

	res.FinishedAt = o.opts.Now()
	res.Usage, res.AgentsUsed, _ = inv.Usage()
	span.SetAttributes(
		attribute.Bool("run.success", res.Success),
		attribute.Float64("run.cost_usd", res.Usage.Cost),
		attribute.Int64("run.tokens", res.Usage.InputTokens+res.Usage.OutputTokens),
	)

	if path, err := SaveRunResult(o.opts.ReportsDir, res, res.FinishedAt); err != nil {
		o.logger.Printf("warn: saving workflow results failed: %v", err)
	} else {
		res.ResultPath = path
		o.logger.Printf("Workflow results saved to: %s", path)
	}

	if o.telemetry != nil {
		_, _, models := inv.Usage()
		o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
			ID:             runID,
			Goal:           goal,
			StartTime:      start,
			EndTime:        res.FinishedAt,
			ProcessingTime: res.FinishedAt.Sub(start),
			Success:        res.Success,
			Error:          res.Error,
			Cost:           res.Usage.Cost,
			TokensUsed:     res.Usage.InputTokens + res.Usage.OutputTokens,
			AgentsUsed:     res.AgentsUsed,
			LLMModelsUsed:  models,
		})
	}
	for _, obs := range o.opts.Observers {
		o.notify(obs, "RunFinished", func() { obs.RunFinished(ctx, res) })
	}
	return res
}

// notify calls one observer. A panicking observer is logged and skipped.
func (o *Orchestrator) notify(obs Observer, method string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("error: observer %T.%s panicked: %v", obs, method, r)
		}
	}()
	call()
}

// phaseError is a fatal failure of one phase. stack is only set for panics;
// a returned error carries its chain, not the site that produced it.
type phaseError struct {
	phase Phase
	err   error
	stack []byte
}

func (e *phaseError) Error() string { return fmt.Sprintf("%s phase: %v", e.phase, e.err) }
func (e *phaseError) Unwrap() error { return e.err }

// traceback renders the error chain, followed by the goroutine stack when the
// phase panicked.
func traceback(err error) string {
	var b strings.Builder
	b.WriteString("Traceback (error chain):\n")
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "  %s\n", e.Error())
	}
	var pe *phaseError
	if errors.As(err, &pe) && len(pe.stack) > 0 {
		b.WriteString("\n")
		b.Write(pe.stack)
	}
	return b.String()
}

func (o *Orchestrator) runPhases(ctx context.Context, inv *Invoker, res *RunResult) (err error) {
	current := PhasePlanning
	defer func() {
		if r := recover(); r != nil {
			err = &phaseError{phase: current, err: fmt.Errorf("panic: %v", r), stack: debug.Stack()}
		}
		if err != nil {
			var pe *phaseError
			if !errors.As(err, &pe) {
				err = &phaseError{phase: current, err: err}
			}
			o.setPhase(ctx, res, current, PhaseFailed, err.Error())
		}
	}()

	// Phase 1: Planning
	o.setPhase(ctx, res, current, PhaseRunning, "Creating execution plan")
	plan, status, err := o.planningPhase(ctx, inv, res.Goal)
	if err != nil {
		return err
	}
	res.Plan = plan
	o.setPhase(ctx, res, current, status, planDetail(plan))

	// Phase 2: Investigation and profiling
	current = PhaseInvestigation
	o.setPhase(ctx, res, current, PhaseRunning, "Executing investigation and profiling tasks")
	investigation, profiling, failures, status, err := o.investigationPhase(ctx, inv, plan)
	if err != nil {
		return err
	}
	res.InvestigationResults = investigation
	res.ProfilingResults = profiling
	res.TaskFailures = failures
	o.setPhase(ctx, res, current, status, fmt.Sprintf("%d query results, %d profiling results, %d failed tasks", len(investigation), len(profiling), len(failures)))

	// Phase 3: Analysis
	current = PhaseAnalysis
	o.setPhase(ctx, res, current, PhaseRunning, "Analyzing and summarizing findings")
	analysis, status, err := o.analysisPhase(ctx, inv, res.Goal, plan, investigation, profiling)
	if err != nil {
		return err
	}
	res.Analysis = analysis
	o.setPhase(ctx, res, current, status, analysisDetail(analysis))

	// Phase 4: Reporting
	current = PhaseReporting
	o.setPhase(ctx, res, current, PhaseRunning, "Generating final report")
	html, path, status, err := o.reportingPhase(ctx, inv, res.ID, res.Goal, plan, investigation, profiling, analysis)
	if err != nil {
		return err
	}
	res.Report = html
	res.ReportPath = path
	o.setPhase(ctx, res, current, status, path)
	return nil
}

func planDetail(p *Plan) string {
	if p == nil {
		return "no plan extracted"
	}
	return fmt.Sprintf("%d query tasks, %d profiling tasks", len(p.QueryTasks), len(p.ProfilingTasks))
}

func analysisDetail(a *AnalysisReport) string {
	if a == nil {
		return "no analysis extracted"
	}
	return fmt.Sprintf("%d issues identified", len(a.Issues))
}

func (o *Orchestrator) setPhase(ctx context.Context, res *RunResult, phase Phase, status PhaseStatus, detail string) {
	if status != PhaseRunning {
		res.Phases[phase] = status
	}
	now := o.opts.Now()

	o.mu.Lock()
	if st, ok := o.processing[res.ID]; ok {
		st.Current = phase
		st.Phases[phase] = status
		st.LastUpdated = now
	}
	o.mu.Unlock()

	if status != PhaseRunning && o.telemetry != nil {
		o.telemetry.RecordPhaseEvent(ctx, telemetry.PhaseEvent{
			RunID:  res.ID,
			Phase:  string(phase),
			Status: status.String(),
			Detail: detail,
		})
	}
	update := PhaseUpdate{RunID: res.ID, Goal: res.Goal, Phase: phase, Status: status, Detail: detail, At: now}
	for _, obs := range o.opts.Observers {
		o.notify(obs, "PhaseChanged", func() { obs.PhaseChanged(ctx, update) })
	}
}

func (o *Orchestrator) track(res RunResult) {
	phases := make(map[Phase]PhaseStatus, len(res.Phases))
	for k, v := range res.Phases {
		phases[k] = v
	}
	o.mu.Lock()
	o.processing[res.ID] = &RunStatus{RunID: res.ID, Goal: res.Goal, Phases: phases, StartedAt: res.StartedAt, LastUpdated: res.StartedAt}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	delete(o.processing, runID)
	o.mu.Unlock()
}

// GetStatus returns the progress of an active run.
func (o *Orchestrator) GetStatus(runID string) (RunStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.processing[runID]
	if !ok {
		return RunStatus{}, false
	}
	cp := *st
	cp.Phases = make(map[Phase]PhaseStatus, len(st.Phases))
	for k, v := range st.Phases {
		cp.Phases[k] = v
	}
	return cp, true
}

// ActiveRuns returns the IDs of runs in flight.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.processing))
	for id := range o.processing {
		ids = append(ids, id)
	}
	return ids
}
