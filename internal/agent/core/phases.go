package core

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	taskKindQuery     = "query"
	taskKindProfiling = "profiling"
)

func (o *Orchestrator) planningPhase(ctx context.Context, inv *Invoker, goal string) (*Plan, PhaseStatus, error) {
	ctx, span := orchestratorTracer.Start(ctx, "dq.plan")
	defer span.End()

	o.logger.Printf("Phase 1: creating execution plan")
	plan, ok, err := Invoke[Plan](ctx, inv, o.agents.Planner, PlanningTask(goal), o.opts.Ceilings.Planning)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, PhaseFailed, err
	}
	if !ok {
		o.logger.Printf("warn: could not extract plan from planning agent")
		span.SetAttributes(attribute.Bool("plan.found", false))
		return nil, PhaseDegradedNoResult, nil
	}
	if verr := plan.Validate(); verr != nil {
		o.logger.Printf("warn: discarding invalid plan: %v", verr)
		span.SetAttributes(attribute.Bool("plan.found", false))
		return nil, PhaseDegradedNoResult, nil
	}

	span.SetAttributes(
		attribute.Bool("plan.found", true),
		attribute.Int("plan.query_tasks", len(plan.QueryTasks)),
		attribute.Int("plan.profiling_tasks", len(plan.ProfilingTasks)),
	)
	o.logger.Printf("Plan created with %d query tasks and %d profiling tasks", len(plan.QueryTasks), len(plan.ProfilingTasks))
	return &plan, PhaseSucceeded, nil
}

// investigationPhase fans out one data agent invocation per query task and one
// profiling agent invocation per profiling task. Both batches run at the same
// time and the phase waits for every task. A failed or empty task is recorded
// and the others carry on.
func (o *Orchestrator) investigationPhase(ctx context.Context, inv *Invoker, plan *Plan) ([]InvestigationReport, []ProfilingReport, []TaskFailure, PhaseStatus, error) {
	if plan == nil {
		o.logger.Printf("warn: skipping investigation phase, no plan available")
		return nil, nil, nil, PhaseDegradedNoResult, nil
	}

	ctx, span := orchestratorTracer.Start(ctx, "dq.investigate",
		trace.WithAttributes(
			attribute.Int("tasks.query", len(plan.QueryTasks)),
			attribute.Int("tasks.profiling", len(plan.ProfilingTasks)),
		))
	defer span.End()

	o.logger.Printf("Phase 2: executing %d query tasks and %d profiling tasks", len(plan.QueryTasks), len(plan.ProfilingTasks))

	queryTasks := make([]TaskFunc[InvestigationReport], len(plan.QueryTasks))
	for i, t := range plan.QueryTasks {
		t := t
		queryTasks[i] = func(ctx context.Context) (InvestigationReport, bool, error) {
			return runTask[InvestigationReport](ctx, o, inv, taskKindQuery, o.agents.Investigator, t.Goal, QueryTaskPrompt(t))
		}
	}
	profilingTasks := make([]TaskFunc[ProfilingReport], len(plan.ProfilingTasks))
	for i, t := range plan.ProfilingTasks {
		t := t
		profilingTasks[i] = func(ctx context.Context) (ProfilingReport, bool, error) {
			return runTask[ProfilingReport](ctx, o, inv, taskKindProfiling, o.agents.Profiler, t.Goal, ProfilingTaskPrompt(t))
		}
	}

	var (
		wg           sync.WaitGroup
		queryOut     []Outcome[InvestigationReport]
		profilingOut []Outcome[ProfilingReport]
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		queryOut = JoinAll(ctx, o.opts.MaxConcurrentTasks, queryTasks)
	}()
	go func() {
		defer wg.Done()
		profilingOut = JoinAll(ctx, o.opts.MaxConcurrentTasks, profilingTasks)
	}()
	wg.Wait()

	investigation, failedQueries := Collect(queryOut)
	profiling, failedProfiles := Collect(profilingOut)

	var failures []TaskFailure
	failures = appendFailures(failures, taskKindQuery, queryOut, func(i int) string { return plan.QueryTasks[i].Goal })
	failures = appendFailures(failures, taskKindProfiling, profilingOut, func(i int) string { return plan.ProfilingTasks[i].Goal })

	span.SetAttributes(
		attribute.Int("results.query", len(investigation)),
		attribute.Int("results.profiling", len(profiling)),
		attribute.Int("tasks.failed", len(failures)),
	)
	if len(failedQueries)+len(failedProfiles) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d tasks failed", len(failedQueries)+len(failedProfiles)))
	}
	o.logger.Printf("Collected %d investigation results and %d profiling results", len(investigation), len(profiling))

	status := PhaseSucceeded
	if len(failures) > 0 {
		status = PhaseDegradedNoResult
	}
	return investigation, profiling, failures, status, nil
}

// appendFailures records every outcome that did not produce a value.
func appendFailures[T any](dst []TaskFailure, kind string, outcomes []Outcome[T], goalAt func(int) string) []TaskFailure {
	for _, out := range outcomes {
		switch {
		case out.Err != nil:
			dst = append(dst, TaskFailure{Kind: kind, Goal: goalAt(out.Index), Error: out.Err.Error()})
		case !out.OK:
			dst = append(dst, TaskFailure{Kind: kind, Goal: goalAt(out.Index), NoResult: true})
		}
	}
	return dst
}

// runTask invokes agent for one investigation task under its own span and
// optional timeout.
func runTask[T any](ctx context.Context, o *Orchestrator, inv *Invoker, kind string, agent Agent, goal, prompt string) (T, bool, error) {
	ctx, span := orchestratorTracer.Start(ctx, "dq.task",
		trace.WithAttributes(
			attribute.String("task.kind", kind),
			attribute.String("task.goal", goal),
		))
	defer span.End()

	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	o.logger.Printf("Starting %s task: %s", kind, goal)
	v, ok, err := Invoke[T](ctx, inv, agent, prompt, o.opts.Ceilings.Investigation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Printf("Error in %s task %q: %v", kind, goal, err)
		return v, false, err
	}
	span.SetAttributes(attribute.Bool("task.result", ok))
	if !ok {
		o.logger.Printf("warn: no structured result for %s task: %s", kind, goal)
		return v, false, nil
	}
	o.logger.Printf("Completed %s task: %s", kind, goal)
	return v, true, nil
}

func (o *Orchestrator) analysisPhase(ctx context.Context, inv *Invoker, goal string, plan *Plan, investigation []InvestigationReport, profiling []ProfilingReport) (*AnalysisReport, PhaseStatus, error) {
	ctx, span := orchestratorTracer.Start(ctx, "dq.analyze")
	defer span.End()

	o.logger.Printf("Phase 3: analyzing and summarizing findings")
	task := BuildAnalysisTask(goal, plan, investigation, profiling)
	analysis, ok, err := Invoke[AnalysisReport](ctx, inv, o.agents.Summarizer, task, o.opts.Ceilings.Analysis)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, PhaseFailed, err
	}
	if !ok {
		o.logger.Printf("warn: could not extract analysis from summarizer")
		span.SetAttributes(attribute.Bool("analysis.found", false))
		return nil, PhaseDegradedNoResult, nil
	}
	span.SetAttributes(
		attribute.Bool("analysis.found", true),
		attribute.Int("analysis.issues", len(analysis.Issues)),
	)
	o.logger.Printf("Analysis complete: %d issues identified", len(analysis.Issues))
	return &analysis, PhaseSucceeded, nil
}

func (o *Orchestrator) reportingPhase(ctx context.Context, inv *Invoker, runID, goal string, plan *Plan, investigation []InvestigationReport, profiling []ProfilingReport, analysis *AnalysisReport) (*string, string, PhaseStatus, error) {
	ctx, span := orchestratorTracer.Start(ctx, "dq.report")
	defer span.End()

	o.logger.Printf("Phase 4: generating final report")
	task := BuildReportingTask(goal, plan, investigation, profiling, analysis, o.opts.ReportsDir)
	report, ok, err := Invoke[ReportOutput](ctx, inv, o.agents.Reporter, task, o.opts.Ceilings.Reporting)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", PhaseFailed, err
	}
	if !ok || report.HTML == "" {
		o.logger.Printf("warn: could not extract HTML report from report agent")
		span.SetAttributes(attribute.Bool("report.found", false))
		return nil, "", PhaseDegradedNoResult, nil
	}

	path, err := SaveHTMLReport(o.opts.ReportsDir, report.HTML, goal, runID, o.opts.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", PhaseFailed, err
	}
	span.SetAttributes(
		attribute.Bool("report.found", true),
		attribute.String("report.path", path),
	)
	o.logger.Printf("Report saved to: %s", path)
	html := report.HTML
	return &html, path, PhaseSucceeded, nil
}
