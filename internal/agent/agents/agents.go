// Package agents builds the five LLM agents of a data quality run.
package agents

import (
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dqagent/internal/profiling"
	"github.com/mohammad-safakhou/dqagent/internal/warehouse"
)

const (
	NamePlanner    = "planner"
	NameData       = "data_agent"
	NameProfiling  = "profiling_agent"
	NameSummarizer = "summarizer"
	NameReporter   = "report_agent"
)

// Deps are the collaborators the agents call through their tools.
type Deps struct {
	Provider  core.LLMProvider
	Warehouse *warehouse.Warehouse
	Profiler  *profiling.Profiler
	Metadata  warehouse.Metadata
	Telemetry *telemetry.Telemetry
}

// NewSet builds the planner, data, profiling, summarizer and report agents
// with the models routed in cfg.LLM.Routing.
func NewSet(cfg *config.Config, deps Deps) (core.Agents, error) {
	if deps.Provider == nil {
		return core.Agents{}, fmt.Errorf("llm provider is required")
	}
	if deps.Warehouse == nil || deps.Profiler == nil {
		return core.Agents{}, fmt.Errorf("warehouse and profiler are required")
	}
	routing := cfg.LLM.Routing
	maxTools := cfg.Agents.MaxToolCallsPerTurn

	build := func(role string, c core.LLMAgentConfig) (core.LLMAgentConfig, error) {
		model := routing.ModelFor(role)
		if model == "" {
			return c, fmt.Errorf("no model routed for %s", role)
		}
		c.Model = model
		c.MaxToolCalls = maxTools
		c.Telemetry = deps.Telemetry
		c.Logger = log.New(os.Stdout, fmt.Sprintf("[AGENT:%s] ", c.Name), log.LstdFlags)
		return c, nil
	}

	planner, err := build("planning", core.LLMAgentConfig{
		Name:           NamePlanner,
		SystemPrompt:   plannerPrompt(deps.Metadata),
		RequiredFields: []string{"query_tasks", "profiling_tasks"},
	})
	if err != nil {
		return core.Agents{}, err
	}
	data, err := build("investigation", core.LLMAgentConfig{
		Name:           NameData,
		SystemPrompt:   dataAgentPrompt(deps.Metadata),
		Tools:          warehouse.Tools(deps.Warehouse),
		RequiredFields: []string{"tasks_executed"},
	})
	if err != nil {
		return core.Agents{}, err
	}
	prof, err := build("profiling", core.LLMAgentConfig{
		Name:           NameProfiling,
		SystemPrompt:   profilingAgentPrompt(deps.Metadata, cfg.Warehouse.ProfileMaxRows),
		Tools:          profiling.Tools(deps.Profiler),
		RequiredFields: []string{"tasks_executed"},
	})
	if err != nil {
		return core.Agents{}, err
	}
	summ, err := build("analysis", core.LLMAgentConfig{
		Name:           NameSummarizer,
		SystemPrompt:   summarizerPrompt(deps.Metadata),
		Tools:          []core.Tool{&profiling.ReadReportTool{Dir: deps.Profiler.ReportsDir()}},
		RequiredFields: []string{"summary", "issues"},
	})
	if err != nil {
		return core.Agents{}, err
	}
	rep, err := build("reporting", core.LLMAgentConfig{
		Name:           NameReporter,
		SystemPrompt:   reporterPrompt,
		StopPhrase:     core.ReportCompleteSentinel,
		RequiredFields: []string{"html"},
	})
	if err != nil {
		return core.Agents{}, err
	}

	return core.Agents{
		Planner:      core.NewLLMAgent[core.Plan](deps.Provider, planner),
		Investigator: core.NewLLMAgent[core.InvestigationReport](deps.Provider, data),
		Profiler:     core.NewLLMAgent[core.ProfilingReport](deps.Provider, prof),
		Summarizer:   core.NewLLMAgent[core.AnalysisReport](deps.Provider, summ),
		Reporter:     core.NewLLMAgent[core.ReportOutput](deps.Provider, rep),
	}, nil
}
