package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Plan is the structured output of the planning agent.
type Plan struct {
	Goal              string          `json:"goal"`
	QueryTasks        []QueryTask     `json:"query_tasks"`
	ProfilingTasks    []ProfilingTask `json:"profiling_tasks"`
	ExecutionSequence []string        `json:"execution_sequence"`
	SuccessCriteria   []string        `json:"success_criteria"`
}

// QueryTask is one investigation goal for the data agent. No SQL, the agent writes it.
type QueryTask struct {
	Goal string `json:"goal"`
}

// ProfilingTask is one profiling goal for the profiling agent.
type ProfilingTask struct {
	Goal string `json:"goal"`
}

// Validate rejects plans carrying tasks without a goal.
func (p Plan) Validate() error {
	for i, t := range p.QueryTasks {
		if strings.TrimSpace(t.Goal) == "" {
			return fmt.Errorf("query_tasks[%d]: empty goal", i)
		}
	}
	for i, t := range p.ProfilingTasks {
		if strings.TrimSpace(t.Goal) == "" {
			return fmt.Errorf("profiling_tasks[%d]: empty goal", i)
		}
	}
	return nil
}

// InvestigationReport is produced by the data agent for one query task.
type InvestigationReport struct {
	PlanGoal      string           `json:"plan_goal"`
	TasksExecuted []QueryExecution `json:"tasks_executed"`
	NextSteps     []string         `json:"next_steps"`
}

// QueryExecution records a single executed query.
type QueryExecution struct {
	InvestigationGoal string `json:"investigation_goal"`
	SQLQuery          string `json:"sql_query"`
	RowCount          int    `json:"row_count"`
	SampleData        string `json:"sample_data"`
	Summary           string `json:"summary"`
}

// ProfilingReport is produced by the profiling agent for one profiling task.
type ProfilingReport struct {
	PlanGoal      string               `json:"plan_goal"`
	TasksExecuted []ProfilingExecution `json:"tasks_executed"`
	NextSteps     []string             `json:"next_steps"`
}

// ProfilingExecution records a single generated profile.
type ProfilingExecution struct {
	TaskPurpose    string `json:"task_purpose"`
	QueryOrDataset string `json:"query_or_dataset"`
	RowCount       int    `json:"row_count"`
	ColumnCount    int    `json:"column_count"`
	HTMLReportPath string `json:"html_report_path"`
	JSONReportPath string `json:"json_report_path"`
}

// AnalysisReport is the summarizer's synthesis of all evidence.
type AnalysisReport struct {
	Summary                 string   `json:"summary"`
	Issues                  []Issue  `json:"issues"`
	Recommendations         []string `json:"recommendations"`
	RequiredFollowupQueries []string `json:"required_followup_queries"`
	AnalysisComplete        bool     `json:"analysis_complete"`
}

// Issue is one data quality finding.
type Issue struct {
	Type                string `json:"type"`
	Severity            string `json:"severity"` // Critical, High, Medium, Low
	EvidenceQuery       string `json:"evidence_query"`
	EvidenceDescription string `json:"evidence_description"`
}

// ReportOutput is the report agent's final HTML document.
type ReportOutput struct {
	HTML     string `json:"html"`
	Thoughts string `json:"thoughts"`
}

// ReportCompleteSentinel terminates the report agent's conversation.
const ReportCompleteSentinel = "REPORT_COMPLETE"

var (
	// ErrNoAgent is returned when an orchestrator is built without one of its agents.
	ErrNoAgent = errors.New("agent handle not provided")
	// ErrUnknownTool is returned when a model requests a tool the agent does not have.
	ErrUnknownTool = errors.New("unknown tool")
)

// LLMProvider defines the interface for LLM providers
type LLMProvider interface {
	// GenerateWithTokens completes the chat and returns token usage
	GenerateWithTokens(ctx context.Context, messages []ChatMessage, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ChatMessage is one entry of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
	Description     string  `json:"description"`
}

// Tool is a function an agent may call during its turn.
type Tool interface {
	Name() string
	Description() string
	// Parameters describes the JSON arguments object.
	Parameters() map[string]string
	Call(ctx context.Context, args json.RawMessage) (string, error)
}
