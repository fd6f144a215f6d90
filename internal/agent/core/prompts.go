package core

import (
	"fmt"
	"strings"
)

// PlanningTask is the instruction handed to the planning agent.
func PlanningTask(goal string) string {
	return fmt.Sprintf("Create a comprehensive execution plan for this data quality goal: %s", goal)
}

// QueryTaskPrompt is the instruction for one investigation task.
func QueryTaskPrompt(t QueryTask) string {
	return fmt.Sprintf("Execute this specific data quality query task:\nGoal: %s\n", t.Goal)
}

// ProfilingTaskPrompt is the instruction for one profiling task.
func ProfilingTaskPrompt(t ProfilingTask) string {
	return fmt.Sprintf("Execute this specific data profiling task:\nGoal: %s\n", t.Goal)
}

func countQueries(reports []InvestigationReport) int {
	n := 0
	for _, r := range reports {
		n += len(r.TasksExecuted)
	}
	return n
}

func countProfiles(reports []ProfilingReport) int {
	n := 0
	for _, r := range reports {
		n += len(r.TasksExecuted)
	}
	return n
}

// BuildAnalysisTask consolidates the goal and every collected report into the
// summarizer's instruction. Absent inputs omit their sections. The plan itself
// is not repeated; the summarizer works from the evidence.
func BuildAnalysisTask(goal string, plan *Plan, investigation []InvestigationReport, profiling []ProfilingReport) string {
	var b strings.Builder
	b.WriteString("Analyze the following data quality investigation results and provide comprehensive insights:\n\n")
	fmt.Fprintf(&b, "Original Goal: %s\n\n", goal)

	if len(investigation) > 0 {
		b.WriteString("Investigation Results from DataAgent:\n")
		fmt.Fprintf(&b, "- %d queries executed across %d tasks\n", countQueries(investigation), len(investigation))
		n := 1
		for _, report := range investigation {
			for _, exec := range report.TasksExecuted {
				fmt.Fprintf(&b, "\nQuery %d: %s\n", n, exec.InvestigationGoal)
				fmt.Fprintf(&b, "  SQL: %s\n", exec.SQLQuery)
				fmt.Fprintf(&b, "  Rows: %d\n", exec.RowCount)
				fmt.Fprintf(&b, "  Summary: %s\n", exec.Summary)
				n++
			}
		}
	}

	if len(profiling) > 0 {
		b.WriteString("\nProfiling Results from DataProfilingAgent:\n")
		fmt.Fprintf(&b, "- %d profiles generated across %d tasks\n", countProfiles(profiling), len(profiling))
		n := 1
		for _, report := range profiling {
			for _, prof := range report.TasksExecuted {
				fmt.Fprintf(&b, "\nProfile %d: %s\n", n, prof.TaskPurpose)
				fmt.Fprintf(&b, "  Dataset: %s\n", prof.QueryOrDataset)
				fmt.Fprintf(&b, "  Rows: %d, Columns: %d\n", prof.RowCount, prof.ColumnCount)
				fmt.Fprintf(&b, "  JSON Report: %s\n", prof.JSONReportPath)
				n++
			}
		}
	}

	b.WriteString("\n\nPlease analyze these results and provide:\n")
	b.WriteString("1. A comprehensive summary of data quality findings\n")
	b.WriteString("2. List of identified issues with severity levels\n")
	b.WriteString("3. Prioritized recommendations for remediation\n")
	b.WriteString("4. Any follow-up queries needed for deeper investigation\n")
	return b.String()
}

// BuildReportingTask consolidates the analysis and run metadata into the report
// agent's instruction. reportsPrefix is stripped from profile report paths.
func BuildReportingTask(goal string, plan *Plan, investigation []InvestigationReport, profiling []ProfilingReport, analysis *AnalysisReport, reportsPrefix string) string {
	var b strings.Builder
	b.WriteString("Generate a professional HTML report for the following data quality analysis:\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)

	if analysis != nil {
		fmt.Fprintf(&b, "Executive Summary:\n%s\n\n", analysis.Summary)
		if len(analysis.Issues) > 0 {
			b.WriteString("Identified Issues:\n")
			for i, issue := range analysis.Issues {
				fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, issue.Severity, issue.Type)
				fmt.Fprintf(&b, "   %s\n\n", issue.EvidenceDescription)
			}
		}
		if len(analysis.Recommendations) > 0 {
			b.WriteString("Recommendations:\n")
			for i, rec := range analysis.Recommendations {
				fmt.Fprintf(&b, "%d. %s\n", i+1, rec)
			}
		}
	}

	if len(investigation) > 0 {
		b.WriteString("\n\nInvestigation Details:\n")
		fmt.Fprintf(&b, "Total queries executed: %d across %d tasks\n", countQueries(investigation), len(investigation))
	}

	if len(profiling) > 0 {
		fmt.Fprintf(&b, "Total profiles generated: %d across %d tasks\n", countProfiles(profiling), len(profiling))
		b.WriteString("\nProfiling Reports Available:\n")
		for _, report := range profiling {
			for _, prof := range report.TasksExecuted {
				fmt.Fprintf(&b, "- %s:\n", prof.TaskPurpose)
				fmt.Fprintf(&b, "  - HTML: %s\n", stripReportsPrefix(prof.HTMLReportPath, reportsPrefix))
				fmt.Fprintf(&b, "  - JSON: %s\n", stripReportsPrefix(prof.JSONReportPath, reportsPrefix))
			}
		}
	}

	b.WriteString("\n\nPlease generate a comprehensive, well-formatted HTML report with all sections.")
	fmt.Fprintf(&b, "\nEnd your response with %s when finished.", ReportCompleteSentinel)
	return b.String()
}

// stripReportsPrefix makes report paths relative to the reports directory.
func stripReportsPrefix(path, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return path
	}
	return strings.TrimPrefix(path, prefix+"/")
}
