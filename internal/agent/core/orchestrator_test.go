package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubAgent struct {
	name  string
	calls int32
	run   func(task string) (Conversation, error)
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Run(ctx context.Context, task string, maxMessages int) (Conversation, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.run(task)
}

func (s *stubAgent) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func structuredConv(v any) Conversation {
	return Conversation{
		Messages: []Message{
			{Source: "user", Kind: KindText, Content: "task"},
			{Source: "agent", Kind: KindStructured, Payload: v, Usage: &Usage{Model: "m", InputTokens: 10, OutputTokens: 5, Cost: 0.01}},
		},
		StopReason: StopResult,
	}
}

func textConv() Conversation {
	return Conversation{
		Messages: []Message{
			{Source: "user", Kind: KindText, Content: "task"},
			{Source: "agent", Kind: KindText, Content: "I could not do it"},
		},
		StopReason: StopMaxMessages,
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	updates  []PhaseUpdate
	finished []RunResult
}

func (r *recordingObserver) PhaseChanged(ctx context.Context, u PhaseUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingObserver) RunFinished(ctx context.Context, res RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

type fixture struct {
	planner, investigator, profiler, summarizer, reporter *stubAgent
	dir                                                   string
	now                                                   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{dir: filepath.Join(t.TempDir(), "ge_reports"), now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.planner = &stubAgent{name: "planning_agent", run: func(string) (Conversation, error) {
		return structuredConv(Plan{
			Goal:            "audit users",
			QueryTasks:      []QueryTask{{Goal: "count null emails"}, {Goal: "find duplicate ids"}},
			ProfilingTasks:  []ProfilingTask{{Goal: "profile users"}},
			SuccessCriteria: []string{"all checks run"},
		}), nil
	}}
	f.investigator = &stubAgent{name: "data_agent", run: func(task string) (Conversation, error) {
		return structuredConv(InvestigationReport{
			PlanGoal:      task,
			TasksExecuted: []QueryExecution{{InvestigationGoal: task, SQLQuery: "SELECT 1", RowCount: 1, Summary: "ok"}},
		}), nil
	}}
	f.profiler = &stubAgent{name: "data_profiling_agent", run: func(task string) (Conversation, error) {
		return structuredConv(ProfilingReport{
			PlanGoal:      task,
			TasksExecuted: []ProfilingExecution{{TaskPurpose: "users", RowCount: 10, ColumnCount: 3, HTMLReportPath: f.dir + "/p.html", JSONReportPath: f.dir + "/p.json"}},
		}), nil
	}}
	f.summarizer = &stubAgent{name: "summarizer_agent", run: func(task string) (Conversation, error) {
		return structuredConv(AnalysisReport{Summary: "two issues", Issues: []Issue{{Type: "nulls", Severity: "High"}}, AnalysisComplete: true}), nil
	}}
	f.reporter = &stubAgent{name: "report_agent", run: func(task string) (Conversation, error) {
		return structuredConv(ReportOutput{HTML: "<html>report</html>"}), nil
	}}
	return f
}

func (f *fixture) orchestrator(t *testing.T, observers ...Observer) *Orchestrator {
	orch, err := NewOrchestrator(Agents{
		Planner:      f.planner,
		Investigator: f.investigator,
		Profiler:     f.profiler,
		Summarizer:   f.summarizer,
		Reporter:     f.reporter,
	}, Options{
		ReportsDir: f.dir,
		Observers:  observers,
		Now:        func() time.Time { return f.now },
	}, log.New(io.Discard, "", 0), nil)
	require.NoError(t, err)
	return orch
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	res := f.orchestrator(t, obs).RunWithID(context.Background(), "run-1", "audit users")

	require.True(t, res.Success)
	require.Empty(t, res.Error)
	require.Equal(t, "run-1", res.ID)
	require.NotNil(t, res.Plan)
	require.Len(t, res.InvestigationResults, 2)
	require.Len(t, res.ProfilingResults, 1)
	require.NotNil(t, res.Analysis)
	require.NotNil(t, res.Report)
	require.Equal(t, "<html>report</html>", *res.Report)
	for _, p := range Phases {
		require.Equal(t, PhaseSucceeded, res.Phases[p], "phase %s", p)
	}

	require.Equal(t, 1, f.planner.Calls())
	require.Equal(t, 2, f.investigator.Calls())
	require.Equal(t, 1, f.profiler.Calls())
	require.Equal(t, 1, f.summarizer.Calls())
	require.Equal(t, 1, f.reporter.Calls())

	require.Equal(t, filepath.Join(f.dir, "data_quality_report_audit users_20240601_120000.html"), res.ReportPath)
	html, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	require.Equal(t, "<html>report</html>", string(html))

	require.Equal(t, filepath.Join(f.dir, "workflow_results_20240601_120000.json"), res.ResultPath)
	_, err = os.Stat(res.ResultPath)
	require.NoError(t, err)

	require.InDelta(t, 0.06, res.Usage.Cost, 1e-9)
	require.Equal(t, []string{"data_agent", "data_profiling_agent", "planning_agent", "report_agent", "summarizer_agent"}, res.AgentsUsed)

	require.Len(t, obs.finished, 1)
	// running + terminal update per phase
	require.Len(t, obs.updates, 8)
}

func TestRunWithoutPlanStillAnalyzesAndReports(t *testing.T) {
	f := newFixture(t)
	f.planner.run = func(string) (Conversation, error) { return textConv(), nil }

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.True(t, res.Success)
	require.NotEmpty(t, res.ID)
	require.Nil(t, res.Plan)
	require.Nil(t, res.InvestigationResults)
	require.Nil(t, res.ProfilingResults)
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhasePlanning])
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhaseInvestigation])
	require.Equal(t, PhaseSucceeded, res.Phases[PhaseAnalysis])
	require.Equal(t, 0, f.investigator.Calls())
	require.Equal(t, 0, f.profiler.Calls())
	require.Equal(t, 1, f.summarizer.Calls())
	require.Equal(t, 1, f.reporter.Calls())
}

func TestRunAnalysisFailureStopsWorkflow(t *testing.T) {
	f := newFixture(t)
	f.summarizer.run = func(string) (Conversation, error) { return Conversation{}, errors.New("model unavailable") }

	res := f.orchestrator(t).RunWithID(context.Background(), "run-3", "audit users")

	require.False(t, res.Success)
	require.Contains(t, res.Error, "model unavailable")
	require.Contains(t, res.Error, "analysis phase")
	require.Contains(t, res.Traceback, "model unavailable")
	require.NotContains(t, res.Traceback, "goroutine ")
	require.Equal(t, PhaseFailed, res.Phases[PhaseAnalysis])
	require.Equal(t, PhaseNotRun, res.Phases[PhaseReporting])
	require.Nil(t, res.Analysis)
	require.Nil(t, res.Report)
	require.Len(t, res.InvestigationResults, 2)
	require.Equal(t, 0, f.reporter.Calls())

	raw, err := os.ReadFile(res.ResultPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"success": false`)
	require.Contains(t, string(raw), "model unavailable")
}

func TestRunPartialInvestigationFailure(t *testing.T) {
	f := newFixture(t)
	f.investigator.run = func(task string) (Conversation, error) {
		if strings.Contains(task, "duplicate") {
			return Conversation{}, errors.New("warehouse timeout")
		}
		return structuredConv(InvestigationReport{PlanGoal: task}), nil
	}
	f.profiler.run = func(string) (Conversation, error) { return textConv(), nil }

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.True(t, res.Success)
	require.Len(t, res.InvestigationResults, 1)
	require.Nil(t, res.ProfilingResults)
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhaseInvestigation])
	require.Len(t, res.TaskFailures, 2)

	byKind := map[string]TaskFailure{}
	for _, tf := range res.TaskFailures {
		byKind[tf.Kind] = tf
	}
	require.Equal(t, "find duplicate ids", byKind["query"].Goal)
	require.Contains(t, byKind["query"].Error, "warehouse timeout")
	require.True(t, byKind["profiling"].NoResult)
	require.Equal(t, 1, f.summarizer.Calls())
}

func TestRunRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.reporter.run = func(string) (Conversation, error) { panic("template exploded") }

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.False(t, res.Success)
	require.Contains(t, res.Error, "template exploded")
	require.Equal(t, PhaseFailed, res.Phases[PhaseReporting])
	require.NotNil(t, res.Analysis)
	require.Contains(t, res.Traceback, "goroutine")
}

func TestRunReportWithoutHTMLIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.reporter.run = func(string) (Conversation, error) { return textConv(), nil }

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.True(t, res.Success)
	require.Nil(t, res.Report)
	require.Empty(t, res.ReportPath)
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhaseReporting])
}

func TestNewOrchestratorRequiresAllAgents(t *testing.T) {
	f := newFixture(t)
	_, err := NewOrchestrator(Agents{Planner: f.planner}, Options{}, nil, nil)
	require.ErrorIs(t, err, ErrNoAgent)
	require.Contains(t, err.Error(), "reporter")
}

func TestPhaseStatusText(t *testing.T) {
	b, err := PhaseDegradedNoResult.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "degraded_no_result", string(b))

	var s PhaseStatus
	require.NoError(t, s.UnmarshalText([]byte("failed")))
	require.Equal(t, PhaseFailed, s)
	require.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestGetStatusTracksActiveRun(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.summarizer.run = func(string) (Conversation, error) {
		close(entered)
		<-release
		return textConv(), nil
	}
	orch := f.orchestrator(t)

	done := make(chan RunResult)
	go func() { done <- orch.RunWithID(context.Background(), "run-live", "audit users") }()

	<-entered
	st, ok := orch.GetStatus("run-live")
	require.True(t, ok)
	require.Equal(t, PhaseAnalysis, st.Current)
	require.Equal(t, PhaseSucceeded, st.Phases[PhasePlanning])
	require.Equal(t, []string{"run-live"}, orch.ActiveRuns())

	close(release)
	res := <-done
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhaseAnalysis])
	_, ok = orch.GetStatus("run-live")
	require.False(t, ok)
}

func TestRunPlanningFailureSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.planner.run = func(string) (Conversation, error) { return Conversation{}, errors.New("planner offline") }

	res := f.orchestrator(t).RunWithID(context.Background(), "run-plan", "audit users")

	require.False(t, res.Success)
	require.Contains(t, res.Error, "planning phase")
	require.Contains(t, res.Error, "planner offline")
	require.Contains(t, res.Traceback, "planner offline")
	require.Equal(t, PhaseFailed, res.Phases[PhasePlanning])
	for _, p := range []Phase{PhaseInvestigation, PhaseAnalysis, PhaseReporting} {
		require.Equal(t, PhaseNotRun, res.Phases[p], "phase %s", p)
	}
	require.Nil(t, res.Plan)
	require.Nil(t, res.InvestigationResults)
	require.Nil(t, res.ProfilingResults)
	require.Nil(t, res.Analysis)
	require.Nil(t, res.Report)
	require.Equal(t, 0, f.investigator.Calls()+f.profiler.Calls()+f.summarizer.Calls()+f.reporter.Calls())

	raw, err := os.ReadFile(res.ResultPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, false, doc["success"])
	require.Contains(t, doc["traceback"], "planner offline")
	for _, key := range []string{"plan", "investigation_results", "profiling_results", "analysis", "report_path"} {
		require.NotContains(t, doc, key)
	}
}

func TestRunEmptyPlanSucceeds(t *testing.T) {
	f := newFixture(t)
	f.planner.run = func(string) (Conversation, error) {
		return structuredConv(Plan{Goal: "audit users"}), nil
	}
	var analysisTask string
	f.summarizer.run = func(task string) (Conversation, error) {
		analysisTask = task
		return structuredConv(AnalysisReport{Summary: "nothing to check"}), nil
	}

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.True(t, res.Success)
	require.NotNil(t, res.Plan)
	require.Nil(t, res.InvestigationResults)
	require.Nil(t, res.ProfilingResults)
	require.Empty(t, res.TaskFailures)
	require.Equal(t, PhaseSucceeded, res.Phases[PhaseInvestigation])
	require.Equal(t, 0, f.investigator.Calls())
	require.Equal(t, 0, f.profiler.Calls())
	require.NotContains(t, analysisTask, "Query ")
	require.NotContains(t, analysisTask, "Profile ")
	require.NotContains(t, analysisTask, "Investigation Results")
	require.NotContains(t, analysisTask, "Profiling Results")
}

func TestRunDiscardsPlanWithEmptyTaskGoal(t *testing.T) {
	f := newFixture(t)
	f.planner.run = func(string) (Conversation, error) {
		return structuredConv(Plan{Goal: "audit users", QueryTasks: []QueryTask{{Goal: "count nulls"}, {Goal: "  "}}}), nil
	}

	res := f.orchestrator(t).Run(context.Background(), "audit users")

	require.True(t, res.Success)
	require.Nil(t, res.Plan)
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhasePlanning])
	require.Equal(t, PhaseDegradedNoResult, res.Phases[PhaseInvestigation])
	require.Equal(t, 0, f.investigator.Calls())
}

func TestConcurrentRunsKeepSeparateArtifacts(t *testing.T) {
	f := newFixture(t)
	orch := f.orchestrator(t)

	var wg sync.WaitGroup
	results := make([]RunResult, 2)
	for i, id := range []string{"run-a", "run-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = orch.RunWithID(context.Background(), id, "audit users")
		}()
	}
	wg.Wait()

	a, b := results[0], results[1]
	require.True(t, a.Success)
	require.True(t, b.Success)
	require.NotEqual(t, a.ResultPath, b.ResultPath)
	require.NotEqual(t, a.ReportPath, b.ReportPath)
	for _, res := range results {
		raw, err := os.ReadFile(res.ResultPath)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		require.Equal(t, res.ID, doc["run_id"])
		require.Equal(t, res.ReportPath, doc["report_path"])
		_, err = os.Stat(res.ReportPath)
		require.NoError(t, err)
	}
}

type panickingObserver struct{}

func (panickingObserver) PhaseChanged(_ context.Context, u PhaseUpdate) {
	if u.Phase == PhaseReporting && u.Status == PhaseSucceeded {
		panic("status cache bug")
	}
}

func (panickingObserver) RunFinished(context.Context, RunResult) { panic("index bug") }

func TestObserverPanicsDoNotAffectRun(t *testing.T) {
	f := newFixture(t)
	after := &recordingObserver{}

	res := f.orchestrator(t, panickingObserver{}, after).RunWithID(context.Background(), "run-obs", "audit users")

	require.True(t, res.Success)
	require.Empty(t, res.Error)
	require.Equal(t, PhaseSucceeded, res.Phases[PhaseReporting])
	require.Len(t, after.updates, 8)
	require.Len(t, after.finished, 1)
	require.True(t, after.finished[0].Success)
}
