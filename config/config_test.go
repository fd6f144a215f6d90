package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `{
  "llm": {
    "providers": {
      "openai": {
        "type": "openai",
        "models": {"gpt": {"name": "gpt-4o-mini", "max_tokens": 4096}}
      }
    },
    "routing": {"fallback": "gpt"}
  },
  "warehouse": {"url": "postgres://dq:dq@localhost:5432/rides?sslmode=disable"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.ReportsDir != DefaultReportsDir {
		t.Fatalf("expected reports dir %q, got %q", DefaultReportsDir, cfg.Agents.ReportsDir)
	}
	if cfg.Agents.PlanningMaxMessages != 3 || cfg.Agents.InvestigationMaxMessages != 5 ||
		cfg.Agents.AnalysisMaxMessages != 5 || cfg.Agents.ReportingMaxMessages != 3 {
		t.Fatalf("unexpected ceilings: %+v", cfg.Agents)
	}
	if cfg.Warehouse.ProfileMaxRows != DefaultProfileMaxRows {
		t.Fatalf("expected profile max rows default, got %d", cfg.Warehouse.ProfileMaxRows)
	}
	if cfg.Streams.RunRequests != DefaultRunRequestsStream {
		t.Fatalf("expected default request stream, got %q", cfg.Streams.RunRequests)
	}
	if got := cfg.LLM.Routing.ModelFor("reporting"); got != "gpt" {
		t.Fatalf("expected fallback routing, got %q", got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DQAGENT_AGENTS_REPORTS_DIR", "custom_reports")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.ReportsDir != "custom_reports" {
		t.Fatalf("expected env override, got %q", cfg.Agents.ReportsDir)
	}
}

func TestLoadRejectsUnknownRoutedModel(t *testing.T) {
	body := strings.Replace(minimalConfig, `"fallback": "gpt"`, `"fallback": "missing"`, 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected routing validation error")
	}
}

func TestLoadRejectsScheduleWithoutCron(t *testing.T) {
	body := strings.Replace(minimalConfig, `"warehouse"`, `"schedules": [{"name": "nightly", "goal": "check rides"}], "warehouse"`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "cron") {
		t.Fatalf("expected cron validation error, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "runs"}
	want := "postgres://u:p@db:5432/runs?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if (PostgresConfig{}).Enabled() {
		t.Fatalf("empty postgres config should be disabled")
	}
}
