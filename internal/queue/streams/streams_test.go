package streams

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

func TestRunEventSchemasValidate(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	requested, _ := json.Marshal(RunRequested{RunID: "run-1", Goal: "check nulls", Trigger: TriggerSchedule, Schedule: "nightly", RequestedAt: time.Now().UTC()})
	if err := reg.Validate(EventRunRequested, PayloadVersion, requested); err != nil {
		t.Fatalf("expected run.requested to validate: %v", err)
	}

	phase, _ := json.Marshal(RunPhase{RunID: "run-1", Phase: core.PhaseAnalysis, Status: core.PhaseDegradedNoResult, At: time.Now()})
	if err := reg.Validate(EventRunPhase, PayloadVersion, phase); err != nil {
		t.Fatalf("expected run.phase to validate: %v", err)
	}

	started := time.Now()
	finished, _ := json.Marshal(FinishedFrom(core.RunResult{
		ID:         "run-1",
		Goal:       "check nulls",
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Success:    true,
		Analysis:   &core.AnalysisReport{Issues: []core.Issue{{Type: "missing_values"}}},
	}))
	if err := reg.Validate(EventRunFinished, PayloadVersion, finished); err != nil {
		t.Fatalf("expected run.finished to validate: %v", err)
	}
}

func TestSchemasRejectBadPayloads(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	cases := map[string]string{
		EventRunRequested: `{"run_id":"r","goal":"","trigger":"manual","requested_at":"2024-01-01T00:00:00Z"}`,
		EventRunPhase:     `{"run_id":"r","phase":"cleanup","status":"succeeded","at":"2024-01-01T00:00:00Z"}`,
		EventRunFinished:  `{"run_id":"r","goal":"g","success":"yes","phases":{},"duration_seconds":1}`,
	}
	for eventType, payload := range cases {
		if err := reg.Validate(eventType, PayloadVersion, []byte(payload)); err == nil {
			t.Fatalf("expected %s payload to be rejected", eventType)
		}
	}
	if err := reg.Validate("run.unknown", PayloadVersion, []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown event type to be rejected")
	}
}

func TestFinishedFrom(t *testing.T) {
	started := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	evt := FinishedFrom(core.RunResult{
		ID:         "run-1",
		Goal:       "g",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Error:      "boom",
		Usage:      core.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.01},
	})
	if evt.DurationSeconds != 90 || evt.Tokens != 15 || evt.Issues != 0 || evt.Phases == nil {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(context.Background(), EventRunRequested, "run-1", RunRequested{RunID: "run-1", Goal: "g", Trigger: TriggerAPI})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == "" || env.Version != PayloadVersion || env.RunID != "run-1" || env.PublishedAt.IsZero() {
		t.Fatalf("envelope not filled in: %+v", env)
	}
	raw, _ := json.Marshal(env)
	got, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var req RunRequested
	if err := got.Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.RunID != "run-1" || req.Trigger != TriggerAPI {
		t.Fatalf("unexpected payload %+v", req)
	}
}

func TestParseEnvelopeReportsEveryMissingField(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"run.finished","attempt":-1}`))
	if err == nil {
		t.Fatalf("expected invalid envelope")
	}
	for _, want := range []string{"missing id", "missing version", "negative attempt", "missing data"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "missing type") {
		t.Fatalf("type was set, got %q", err)
	}
}

func TestRegistryNamesUnknownEvents(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	if err := reg.Validate(EventRunFinished, "v9", []byte(`{}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent for unknown version, got %v", err)
	}
	want := []string{"run.finished/v1", "run.phase/v1", "run.requested/v1"}
	if got := reg.Events(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	err = reg.Register(Definition{EventType: EventRunPhase, Version: "v2", Schema: []byte(`{"type": 12}`)})
	if err == nil || !strings.Contains(err.Error(), "run.phase/v2") {
		t.Fatalf("expected compile error naming run.phase/v2, got %v", err)
	}
}

func TestConsumerDecodeRejectsUnhandledEntries(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	c := &Consumer{registry: reg}

	good, _ := NewEnvelope(context.Background(), EventRunPhase, "run-1", RunPhase{RunID: "run-1", Phase: core.PhasePlanning, Status: core.PhaseRunning, At: time.Now()})
	raw, _ := json.Marshal(good)
	env, err := c.decode(redis.XMessage{ID: "1-0", Values: map[string]interface{}{fieldEnvelope: string(raw)}})
	if err != nil || env.ID != good.ID || env.RunID != "run-1" {
		t.Fatalf("expected entry to decode, got %+v (%v)", env, err)
	}

	bad := good
	bad.Data = json.RawMessage(`{"run_id":"run-1","phase":"cleanup","status":"running","at":"2024-01-01T00:00:00Z"}`)
	rawBad, _ := json.Marshal(bad)
	cases := map[string]map[string]interface{}{
		"no envelope":     {fieldType: EventRunPhase},
		"not json":        {fieldEnvelope: "{"},
		"schema mismatch": {fieldEnvelope: string(rawBad)},
	}
	for name, values := range cases {
		if _, err := c.decode(redis.XMessage{ID: "2-0", Values: values}); err == nil {
			t.Fatalf("%s: expected entry to be rejected", name)
		}
	}
}

func TestRequestRunValidatesBeforePublishing(t *testing.T) {
	if _, err := RequestRun(context.Background(), nil, "dq:runs", RunRequested{Goal: "g"}); err == nil {
		t.Fatalf("expected missing run_id to be rejected")
	}
}
