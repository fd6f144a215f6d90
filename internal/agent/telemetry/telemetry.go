package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry provides run monitoring and cost tracking
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	collectors  *collectors
	mu          sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns         int64
	SuccessfulRuns    int64
	FailedRuns        int64
	AverageRunTime    time.Duration
	PhaseOutcomes     map[string]map[string]int64 // phase -> status -> count
	AgentInvocations  map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration
	AgentStopReasons  map[string]int64

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Tool metrics
	ToolCalls        map[string]int64
	ToolSuccessRates map[string]float64
	ToolAverageTimes map[string]time.Duration
}

// CostTracker tracks costs across models and agents
type CostTracker struct {
	DailyCosts map[string]float64 // day -> cost
	AgentCosts map[string]float64 // agent -> cost
	ModelCosts map[string]float64 // model -> cost

	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one finished workflow run
type RunEvent struct {
	ID             string
	Goal           string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	AgentsUsed     []string
	LLMModelsUsed  []string
}

// PhaseEvent represents the terminal status of one workflow phase
type PhaseEvent struct {
	RunID  string
	Phase  string
	Status string
	Detail string
}

// AgentEvent represents one agent invocation
type AgentEvent struct {
	ID         string
	AgentType  string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
	Messages   int
	StopReason string
}

// ToolEvent represents one tool call made by an agent
type ToolEvent struct {
	Agent    string
	Tool     string
	Duration time.Duration
	Success  bool
	Error    string
}

type collectors struct {
	runs       *prometheus.CounterVec
	runSeconds prometheus.Histogram
	phases     *prometheus.CounterVec
	agents     *prometheus.CounterVec
	agentSecs  *prometheus.HistogramVec
	tools      *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	cost       *prometheus.CounterVec
}

var (
	sharedCollectors     *collectors
	sharedCollectorsOnce sync.Once
)

// defaultCollectors registers the process-wide collectors once.
func defaultCollectors() *collectors {
	sharedCollectorsOnce.Do(func() {
		sharedCollectors = newCollectors(prometheus.DefaultRegisterer)
	})
	return sharedCollectors
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "runs_total",
			Help:      "Workflow runs by result.",
		}, []string{"result"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dqagent",
			Name:      "run_duration_seconds",
			Help:      "Wall time of workflow runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "phase_outcomes_total",
			Help:      "Terminal phase statuses.",
		}, []string{"phase", "status"}),
		agents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by agent, result and stop reason.",
		}, []string{"agent", "result", "stop_reason"}),
		agentSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dqagent",
			Name:      "agent_duration_seconds",
			Help:      "Wall time of agent invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and result.",
		}, []string{"tool", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed by model.",
		}, []string{"model"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dqagent",
			Name:      "llm_cost_usd_total",
			Help:      "Estimated LLM spend by agent.",
		}, []string{"agent"}),
	}
	c.runs = registerOrReuse(reg, c.runs)
	c.runSeconds = registerOrReuse(reg, c.runSeconds)
	c.phases = registerOrReuse(reg, c.phases)
	c.agents = registerOrReuse(reg, c.agents)
	c.agentSecs = registerOrReuse(reg, c.agentSecs)
	c.tools = registerOrReuse(reg, c.tools)
	c.tokens = registerOrReuse(reg, c.tokens)
	c.cost = registerOrReuse(reg, c.cost)
	return c
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// NewTelemetry creates a new telemetry instance backed by the default
// prometheus registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return newTelemetry(cfg, defaultCollectors())
}

// NewTelemetryWithRegistry is NewTelemetry with collectors registered on reg.
func NewTelemetryWithRegistry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	return newTelemetry(cfg, newCollectors(reg))
}

func newTelemetry(cfg config.TelemetryConfig, c *collectors) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			PhaseOutcomes:     make(map[string]map[string]int64),
			AgentInvocations:  make(map[string]int64),
			AgentSuccessRates: make(map[string]float64),
			AgentAverageTimes: make(map[string]time.Duration),
			AgentStopReasons:  make(map[string]int64),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
			ToolCalls:         make(map[string]int64),
			ToolSuccessRates:  make(map[string]float64),
			ToolAverageTimes:  make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			DailyCosts: make(map[string]float64),
			AgentCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
		collectors: c,
		stop:       make(chan struct{}),
	}

	// Periodic logs can be disabled via config
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsCollection()
	}

	return t
}

func (t *Telemetry) enabled() bool { return t != nil && t.config.Enabled }

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordRunEvent records a complete workflow run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.enabled() {
		return
	}
	t.collectors.runs.WithLabelValues(resultLabel(event.Success)).Inc()
	t.collectors.runSeconds.Observe(event.ProcessingTime.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalRuns)
	}
	if t.config.CostTracking {
		t.costTracker.DailyCosts[event.EndTime.Format("2006-01-02")] += event.Cost
	}

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Agents=%s",
		event.ID, event.Success, event.ProcessingTime, event.Cost, event.TokensUsed, strings.Join(event.AgentsUsed, ","))
}

// RecordPhaseEvent records the terminal status of a phase
func (t *Telemetry) RecordPhaseEvent(ctx context.Context, event PhaseEvent) {
	if !t.enabled() {
		return
	}
	t.collectors.phases.WithLabelValues(event.Phase, event.Status).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	byStatus, ok := t.metrics.PhaseOutcomes[event.Phase]
	if !ok {
		byStatus = make(map[string]int64)
		t.metrics.PhaseOutcomes[event.Phase] = byStatus
	}
	byStatus[event.Status]++
}

// RecordAgentEvent records an agent invocation
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if !t.enabled() {
		return
	}
	t.collectors.agents.WithLabelValues(event.AgentType, resultLabel(event.Success), event.StopReason).Inc()
	t.collectors.agentSecs.WithLabelValues(event.AgentType).Observe(event.Duration.Seconds())
	if event.ModelUsed != "" {
		t.collectors.tokens.WithLabelValues(event.ModelUsed).Add(float64(event.TokensUsed))
	}
	if t.config.CostTracking && event.Cost > 0 {
		t.collectors.cost.WithLabelValues(event.AgentType).Add(event.Cost)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.AgentInvocations[event.AgentType]++
	executions := t.metrics.AgentInvocations[event.AgentType]

	// running success rate
	prevSuccesses := t.metrics.AgentSuccessRates[event.AgentType] * float64(executions-1)
	if event.Success {
		prevSuccesses += 1.0
	}
	t.metrics.AgentSuccessRates[event.AgentType] = prevSuccesses / float64(executions)

	if executions == 1 {
		t.metrics.AgentAverageTimes[event.AgentType] = event.Duration
	} else {
		total := t.metrics.AgentAverageTimes[event.AgentType] * time.Duration(executions-1)
		t.metrics.AgentAverageTimes[event.AgentType] = (total + event.Duration) / time.Duration(executions)
	}
	if event.StopReason != "" {
		t.metrics.AgentStopReasons[event.StopReason]++
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}
	t.costTracker.AgentCosts[event.AgentType] += event.Cost
	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Agent Event: Type=%s, Success=%t, Duration=%v, Messages=%d, Stop=%s, Cost=$%.4f",
		event.AgentType, event.Success, event.Duration, event.Messages, event.StopReason, event.Cost)
}

// RecordToolEvent records a tool call
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.enabled() {
		return
	}
	t.collectors.tools.WithLabelValues(event.Tool, resultLabel(event.Success)).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolCalls[event.Tool]++
	calls := t.metrics.ToolCalls[event.Tool]
	prevSuccesses := t.metrics.ToolSuccessRates[event.Tool] * float64(calls-1)
	if event.Success {
		prevSuccesses += 1.0
	}
	t.metrics.ToolSuccessRates[event.Tool] = prevSuccesses / float64(calls)
	if calls == 1 {
		t.metrics.ToolAverageTimes[event.Tool] = event.Duration
	} else {
		total := t.metrics.ToolAverageTimes[event.Tool] * time.Duration(calls-1)
		t.metrics.ToolAverageTimes[event.Tool] = (total + event.Duration) / time.Duration(calls)
	}
	if !event.Success {
		t.logger.Printf("Tool Event: Agent=%s, Tool=%s, Duration=%v, Error=%s", event.Agent, event.Tool, event.Duration, event.Error)
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.PhaseOutcomes = make(map[string]map[string]int64, len(t.metrics.PhaseOutcomes))
	for phase, byStatus := range t.metrics.PhaseOutcomes {
		metrics.PhaseOutcomes[phase] = copyMap(byStatus)
	}
	metrics.AgentInvocations = copyMap(t.metrics.AgentInvocations)
	metrics.AgentSuccessRates = copyMap(t.metrics.AgentSuccessRates)
	metrics.AgentAverageTimes = copyMap(t.metrics.AgentAverageTimes)
	metrics.AgentStopReasons = copyMap(t.metrics.AgentStopReasons)
	metrics.LLMRequests = copyMap(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyMap(t.metrics.LLMTokensUsed)
	metrics.ToolCalls = copyMap(t.metrics.ToolCalls)
	metrics.ToolSuccessRates = copyMap(t.metrics.ToolSuccessRates)
	metrics.ToolAverageTimes = copyMap(t.metrics.ToolAverageTimes)
	return metrics
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	DailyCosts  map[string]float64
	AgentCosts  map[string]float64
	ModelCosts  map[string]float64
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		DailyCosts:  copyMap(t.costTracker.DailyCosts),
		AgentCosts:  copyMap(t.costTracker.AgentCosts),
		ModelCosts:  copyMap(t.costTracker.ModelCosts),
	}
}

// startMetricsCollection logs a snapshot every minute until Shutdown.
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			metrics := t.GetMetrics()
			costs := t.GetCostSummary()
			t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
				metrics.SuccessfulRuns, metrics.TotalRuns,
				metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
		}
	}
}

// Shutdown stops background reporting and logs a final summary
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	if !t.config.Enabled {
		return
	}
	t.logger.Println("Shutting down telemetry system...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// CalculateCost calculates the cost for a given number of tokens
func CalculateCost(inputTokens, outputTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	inputCost := float64(inputTokens) / 1000.0 * costPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * costPer1KOutput
	return inputCost + outputCost
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	var b strings.Builder
	b.WriteString("\n=== PERFORMANCE REPORT ===\nOverall Metrics:\n")
	fmt.Fprintf(&b, "  Total Runs: %d\n", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		fmt.Fprintf(&b, "  Successful: %d (%.2f%%)\n", metrics.SuccessfulRuns, float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
		fmt.Fprintf(&b, "  Failed: %d (%.2f%%)\n", metrics.FailedRuns, float64(metrics.FailedRuns)/float64(metrics.TotalRuns)*100)
	}
	fmt.Fprintf(&b, "  Average Run Time: %v\n", metrics.AverageRunTime)
	fmt.Fprintf(&b, "  Total Cost: $%.4f\n", costs.TotalCost)
	fmt.Fprintf(&b, "  Total Tokens: %d\n", costs.TotalTokens)

	b.WriteString("\nPhase Outcomes:\n")
	for _, phase := range sortedKeys(metrics.PhaseOutcomes) {
		byStatus := metrics.PhaseOutcomes[phase]
		for _, status := range sortedKeys(byStatus) {
			fmt.Fprintf(&b, "  %s/%s: %d\n", phase, status, byStatus[status])
		}
	}

	b.WriteString("\nAgent Performance:\n")
	for _, agent := range sortedKeys(metrics.AgentInvocations) {
		fmt.Fprintf(&b, "  %s: %d invocations, %.2f%% success, %v avg time, $%.4f\n",
			agent, metrics.AgentInvocations[agent], metrics.AgentSuccessRates[agent]*100,
			metrics.AgentAverageTimes[agent], costs.AgentCosts[agent])
	}

	b.WriteString("\nLLM Usage:\n")
	for _, model := range sortedKeys(metrics.LLMRequests) {
		fmt.Fprintf(&b, "  %s: %d requests, %d tokens, $%.4f\n",
			model, metrics.LLMRequests[model], metrics.LLMTokensUsed[model], costs.ModelCosts[model])
	}

	b.WriteString("\nTool Usage:\n")
	for _, tool := range sortedKeys(metrics.ToolCalls) {
		fmt.Fprintf(&b, "  %s: %d calls, %.2f%% success, %v avg time\n",
			tool, metrics.ToolCalls[tool], metrics.ToolSuccessRates[tool]*100, metrics.ToolAverageTimes[tool])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
