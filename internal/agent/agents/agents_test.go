package agents

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/profiling"
	"github.com/mohammad-safakhou/dqagent/internal/warehouse"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	models  []string
	systems []string
}

func (s *scriptedLLM) GenerateWithTokens(_ context.Context, msgs []core.ChatMessage, model string, _ map[string]interface{}) (string, int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append(s.models, model)
	s.systems = append(s.systems, msgs[0].Content)
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, 1, 1, nil
}

func (s *scriptedLLM) GetModelInfo(model string) (core.ModelInfo, error) {
	return core.ModelInfo{Name: model}, nil
}

func (s *scriptedLLM) CalculateCost(int64, int64, string) float64 { return 0 }

func testDeps(t *testing.T, llm core.LLMProvider) Deps {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	quiet := log.New(io.Discard, "", 0)
	wh := warehouse.New(db, config.WarehouseConfig{}, quiet)
	return Deps{
		Provider:  llm,
		Warehouse: wh,
		Profiler:  profiling.New(wh, t.TempDir(), 1000, quiet),
		Metadata: warehouse.Metadata{
			Raw:              map[string]any{"table": "RIDEBOOKING"},
			DataQualityNotes: []string{"BOOKING_VALUE stores 'null' strings"},
		},
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LLM.Routing = config.LLMRoutingConfig{Fallback: "small", Reporting: "large"}
	cfg.Warehouse.ProfileMaxRows = 5000
	return cfg
}

func TestNewSetRoutesModelsAndPrompts(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"goal":"g","query_tasks":[{"goal":"count nulls"}],"profiling_tasks":[],"execution_sequence":[],"success_criteria":[]}`,
		`{"html":"<html></html>","thoughts":"done REPORT_COMPLETE"}`,
	}}
	set, err := NewSet(testConfig(), testDeps(t, llm))
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if set.Planner.Name() != NamePlanner || set.Reporter.Name() != NameReporter {
		t.Fatalf("unexpected agent names %s %s", set.Planner.Name(), set.Reporter.Name())
	}

	inv := core.NewInvoker(io.Discard, nil)
	plan, ok, err := core.Invoke[core.Plan](context.Background(), inv, set.Planner, core.PlanningTask("g"), 3)
	if err != nil || !ok {
		t.Fatalf("planner: ok=%v err=%v", ok, err)
	}
	if len(plan.QueryTasks) != 1 || plan.QueryTasks[0].Goal != "count nulls" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	out, ok, err := core.Invoke[core.ReportOutput](context.Background(), inv, set.Reporter, "write it", 3)
	if err != nil || !ok || out.HTML != "<html></html>" {
		t.Fatalf("reporter: %+v ok=%v err=%v", out, ok, err)
	}

	if llm.models[0] != "small" || llm.models[1] != "large" {
		t.Fatalf("unexpected model routing %v", llm.models)
	}
	if !strings.Contains(llm.systems[0], "RIDEBOOKING") || !strings.Contains(llm.systems[0], "'null' strings") {
		t.Fatalf("planner prompt missing schema metadata:\n%s", llm.systems[0])
	}
}

func TestNewSetAttachesTools(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"plan_goal":"g","tasks_executed":[],"next_steps":[]}`}}
	set, err := NewSet(testConfig(), testDeps(t, llm))
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if _, _, err := core.Invoke[core.ProfilingReport](context.Background(), core.NewInvoker(io.Discard, nil), set.Profiler, "profile", 3); err != nil {
		t.Fatalf("profiler: %v", err)
	}
	sys := llm.systems[0]
	for _, want := range []string{"AVAILABLE TOOLS", "profile_data", "test_connection", "5000 rows"} {
		if !strings.Contains(sys, want) {
			t.Fatalf("profiling prompt missing %q", want)
		}
	}
}

func TestNewSetRequiresRouting(t *testing.T) {
	cfg := &config.Config{}
	if _, err := NewSet(cfg, testDeps(t, &scriptedLLM{})); err == nil {
		t.Fatalf("expected error without routed models")
	}
	if _, err := NewSet(testConfig(), Deps{}); err == nil {
		t.Fatalf("expected error without provider")
	}
}
