package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
)

// Agent runs a bounded conversation against a task.
type Agent interface {
	Name() string
	// Run drives the conversation until the agent stops or maxMessages
	// counted messages (the task included) have been produced.
	Run(ctx context.Context, task string, maxMessages int) (Conversation, error)
}

// Invoker carries the side channels shared by every agent invocation of a run:
// the optional console mirror, telemetry and usage accounting.
type Invoker struct {
	console   io.Writer
	consoleMu *sync.Mutex
	telemetry *telemetry.Telemetry
	usage     *usageMeter
}

// NewInvoker builds an invoker. console may be nil to disable mirroring.
func NewInvoker(console io.Writer, tele *telemetry.Telemetry) *Invoker {
	return &Invoker{console: console, consoleMu: &sync.Mutex{}, telemetry: tele, usage: &usageMeter{}}
}

// forRun returns a copy sharing the console and telemetry but with fresh usage totals.
func (inv *Invoker) forRun() *Invoker {
	cp := *inv
	cp.usage = &usageMeter{}
	return &cp
}

// Usage returns the totals accumulated by this invoker with the sorted agent
// and model names that contributed.
func (inv *Invoker) Usage() (Usage, []string, []string) {
	return inv.usage.snapshot()
}

// Invoke runs agent once against task and returns the last structured message of
// type T. An absent result is reported with ok=false and a nil error; there is no
// retry.
func Invoke[T any](ctx context.Context, inv *Invoker, agent Agent, task string, maxMessages int) (T, bool, error) {
	var zero T
	if agent == nil {
		return zero, false, ErrNoAgent
	}
	if inv == nil {
		inv = NewInvoker(nil, nil)
	}

	start := time.Now()
	conv, err := agent.Run(ctx, task, maxMessages)
	end := time.Now()

	inv.mirror(agent.Name(), conv)
	usage := conv.Usage()
	inv.usage.add(agent.Name(), usage)

	result, ok := LastOf[T](conv)
	event := telemetry.AgentEvent{
		ID:         uuid.NewString(),
		AgentType:  agent.Name(),
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		Success:    err == nil && ok,
		Cost:       usage.Cost,
		TokensUsed: usage.InputTokens + usage.OutputTokens,
		ModelUsed:  usage.Model,
		Messages:   conv.Count(),
		StopReason: string(conv.StopReason),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if inv.telemetry != nil {
		inv.telemetry.RecordAgentEvent(ctx, event)
	}

	if err != nil {
		return zero, false, fmt.Errorf("agent %s: %w", agent.Name(), err)
	}
	return result, ok, nil
}

func (inv *Invoker) mirror(agentName string, conv Conversation) {
	if inv.console == nil || len(conv.Messages) == 0 {
		return
	}
	var b strings.Builder
	for _, m := range conv.Messages {
		fmt.Fprintf(&b, "---------- %s (%s) ----------\n%s\n", m.Source, m.Kind, m.Content)
	}
	fmt.Fprintf(&b, "---------- %s stopped: %s after %d messages ----------\n", agentName, conv.StopReason, conv.Count())

	inv.consoleMu.Lock()
	defer inv.consoleMu.Unlock()
	_, _ = io.WriteString(inv.console, b.String())
}

type usageMeter struct {
	mu     sync.Mutex
	total  Usage
	agents map[string]struct{}
	models map[string]struct{}
}

func (u *usageMeter) add(agent string, usage Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.agents == nil {
		u.agents = make(map[string]struct{})
		u.models = make(map[string]struct{})
	}
	u.agents[agent] = struct{}{}
	if usage.Model != "" {
		u.models[usage.Model] = struct{}{}
	}
	u.total.InputTokens += usage.InputTokens
	u.total.OutputTokens += usage.OutputTokens
	u.total.Cost += usage.Cost
}

func (u *usageMeter) snapshot() (Usage, []string, []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	agents := make([]string, 0, len(u.agents))
	for a := range u.agents {
		agents = append(agents, a)
	}
	models := make([]string, 0, len(u.models))
	for m := range u.models {
		models = append(models, m)
	}
	sort.Strings(agents)
	sort.Strings(models)
	return u.total, agents, models
}
