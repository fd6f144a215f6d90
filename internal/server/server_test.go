package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/cache"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
	"github.com/mohammad-safakhou/dqagent/internal/search"
	"github.com/mohammad-safakhou/dqagent/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

type stubRuns struct {
	runs     map[string]store.RunRecord
	listErr  error
	gotLimit int
}

func (s *stubRuns) GetRun(_ context.Context, id string) (store.RunRecord, error) {
	rec, ok := s.runs[id]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *stubRuns) ListRuns(_ context.Context, limit, offset int) ([]store.RunRecord, error) {
	s.gotLimit = limit
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []store.RunRecord
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

type stubStatus struct {
	states map[string]cache.RunState
	queued []string
}

func (s *stubStatus) Get(_ context.Context, id string) (cache.RunState, error) {
	st, ok := s.states[id]
	if !ok {
		return cache.RunState{}, cache.ErrMiss
	}
	return st, nil
}

func (s *stubStatus) MarkQueued(_ context.Context, id, goal string) error {
	s.queued = append(s.queued, id)
	return nil
}

type stubLive struct{ st map[string]core.RunStatus }

func (s stubLive) GetStatus(id string) (core.RunStatus, bool) {
	st, ok := s.st[id]
	return st, ok
}

func (s stubLive) ActiveRuns() []string {
	ids := make([]string, 0, len(s.st))
	for id := range s.st {
		ids = append(ids, id)
	}
	return ids
}

type stubRequester struct {
	reqs []streams.RunRequested
	err  error
}

func (s *stubRequester) RequestRun(_ context.Context, req streams.RunRequested) error {
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

type stubSearch struct{ hits []search.Hit }

func (s stubSearch) Search(_ context.Context, q string, limit int) ([]search.Hit, error) {
	return s.hits, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRunQueuesRequest(t *testing.T) {
	req := &stubRequester{}
	status := &stubStatus{}
	e := New(Deps{Requester: req, Status: status, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})

	rec := do(t, e, http.MethodPost, "/api/runs", `{"goal":"  check nulls  "}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var out createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RunID == "" || out.Goal != "check nulls" || out.Status != "queued" {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(req.reqs) != 1 || req.reqs[0].RunID != out.RunID || req.reqs[0].Trigger != streams.TriggerAPI {
		t.Fatalf("unexpected requests %+v", req.reqs)
	}
	if len(status.queued) != 1 || status.queued[0] != out.RunID {
		t.Fatalf("run not marked queued: %v", status.queued)
	}
}

func TestCreateRunValidation(t *testing.T) {
	e := New(Deps{Requester: &stubRequester{}, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})
	for _, body := range []string{`{"goal":""}`, `not json`} {
		rec := do(t, e, http.MethodPost, "/api/runs", body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("expected json error body, got %s", rec.Body.String())
		}
	}

	failing := New(Deps{Requester: &stubRequester{err: errors.New("redis down")}, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})
	rec := do(t, failing, http.MethodPost, "/api/runs", `{"goal":"x"}`, "")
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "redis down") {
		t.Fatalf("expected 502 with cause, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetAndListRuns(t *testing.T) {
	runs := &stubRuns{runs: map[string]store.RunRecord{
		"r1": {ID: "r1", Goal: "g", Status: store.RunStatusSucceeded, Success: true},
	}}
	e := New(Deps{Runs: runs, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})

	rec := do(t, e, http.MethodGet, "/api/runs/r1", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"r1"`) {
		t.Fatalf("unexpected get response %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, e, http.MethodGet, "/api/runs/missing", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/api/runs?limit=5000", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if runs.gotLimit != defaultPageSize {
		t.Fatalf("expected limit clamped to %d, got %d", defaultPageSize, runs.gotLimit)
	}
	if rec := do(t, e, http.MethodGet, "/api/runs?offset=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad offset, got %d", rec.Code)
	}

	runs.listErr = errors.New("db gone")
	if rec := do(t, e, http.MethodGet, "/api/runs", "", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestMissingDependenciesAnswer503(t *testing.T) {
	e := New(Deps{Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})
	for _, path := range []string{"/api/runs", "/api/runs/x", "/api/runs/search?q=x", "/api/ops/performance", "/api/ops/queue"} {
		if rec := do(t, e, http.MethodGet, path, "", ""); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
	}
	if rec := do(t, e, http.MethodPost, "/api/runs", `{"goal":"x"}`, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("create: expected 503, got %d", rec.Code)
	}
}

type stubQueue struct {
	b  streams.Backlog
	ok bool
}

func (q *stubQueue) Last() (streams.Backlog, bool) { return q.b, q.ok }

func TestQueueBacklogEndpoint(t *testing.T) {
	q := &stubQueue{}
	e := New(Deps{Queue: q, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})
	if rec := do(t, e, http.MethodGet, "/api/ops/queue", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before first sample: expected 503, got %d", rec.Code)
	}

	q.b = streams.Backlog{Stream: "dq:runs", Group: "dq-workers", Waiting: 3, Pending: 1, Consumers: 2, OldestPending: 42.5}
	q.ok = true
	rec := do(t, e, http.MethodGet, "/api/ops/queue", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out streams.Backlog
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Waiting != 3 || out.Pending != 1 || out.Consumers != 2 || out.OldestPending != 42.5 || out.Stream != "dq:runs" {
		t.Fatalf("unexpected backlog %+v", out)
	}
}

func TestStatusFallsBackThroughSources(t *testing.T) {
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(time.Minute)
	deps := Deps{
		Status: &stubStatus{states: map[string]cache.RunState{
			"cached": {RunStatus: core.RunStatus{RunID: "cached", Current: core.PhaseAnalysis}},
		}},
		Live: stubLive{st: map[string]core.RunStatus{
			"live": {RunID: "live", Current: core.PhaseInvestigation, StartedAt: started},
		}},
		Runs: &stubRuns{runs: map[string]store.RunRecord{
			"stored": {ID: "stored", Status: store.RunStatusFailed, Error: "boom", StartedAt: started, FinishedAt: &finished},
		}},
		Gatherer: prometheus.NewRegistry(),
		Logger:   quietLogger(),
	}
	e := New(deps)

	cases := map[string]string{"cached": statusSourceCache, "live": statusSourceLive, "stored": statusSourceStore}
	for id, source := range cases {
		rec := do(t, e, http.MethodGet, "/api/runs/"+id+"/status", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", id, rec.Code)
		}
		var out runStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Source != source || out.RunID != id {
			t.Fatalf("%s: unexpected status %+v", id, out)
		}
		if id == "stored" && (!out.Done || out.Error != "boom" || !out.LastUpdated.Equal(finished)) {
			t.Fatalf("stored status not mapped: %+v", out)
		}
	}
	if rec := do(t, e, http.MethodGet, "/api/runs/nope/status", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := New(Deps{Search: stubSearch{hits: []search.Hit{{RunID: "r1", Rank: 1}}}, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})
	if rec := do(t, e, http.MethodGet, "/api/runs/search", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d", rec.Code)
	}
	rec := do(t, e, http.MethodGet, "/api/runs/search?q=nulls", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_id":"r1"`) {
		t.Fatalf("unexpected search response %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthAppliesToAPIAndReports(t *testing.T) {
	secret := []byte("secret")
	e := New(Deps{Runs: &stubRuns{}, Secret: secret, ReportsDir: t.TempDir(), Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})

	if rec := do(t, e, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/api/runs", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/reports/x.html", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for reports, got %d", rec.Code)
	}

	reader, _ := runtime.SignJWT("analyst", secret, time.Hour, runtime.ScopeRunsRead)
	if rec := do(t, e, http.MethodGet, "/api/runs", "", reader); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(t, e, http.MethodPost, "/api/runs", `{"goal":"x"}`, reader); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without write scope, got %d", rec.Code)
	}
}

func TestReportsServeFilesInsideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.html"), []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := New(Deps{ReportsDir: dir, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})

	rec := do(t, e, http.MethodGet, "/reports/report.html", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected report response %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, e, http.MethodGet, "/reports/missing.html", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReportsStripScripts(t *testing.T) {
	dir := t.TempDir()
	page := `<html><body><h1 onclick="steal()">Quality</h1><script>alert(1)</script><table><tr><td>nulls</td></tr></table></body></html>`
	if err := os.WriteFile(filepath.Join(dir, "r.html"), []byte(page), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := New(Deps{ReportsDir: dir, Gatherer: prometheus.NewRegistry(), Logger: quietLogger()})

	rec := do(t, e, http.MethodGet, "/reports/r.html", "", "")
	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	for _, bad := range []string{"<script", "alert(1)", "onclick"} {
		if strings.Contains(body, bad) {
			t.Fatalf("report still contains %q: %s", bad, body)
		}
	}
	for _, want := range []string{"<h1>Quality</h1>", "<td>nulls</td>"} {
		if !strings.Contains(body, want) {
			t.Fatalf("report lost %q: %s", want, body)
		}
	}
}

func TestResolveReport(t *testing.T) {
	dir := t.TempDir()
	if _, ok := resolveReport(dir, "../etc/passwd"); ok {
		t.Fatalf("escape accepted")
	}
	if _, ok := resolveReport(dir, ""); ok {
		t.Fatalf("empty name accepted")
	}
	p, ok := resolveReport(dir, "sub/r.json")
	if !ok || !strings.HasSuffix(p, filepath.Join("sub", "r.json")) {
		t.Fatalf("unexpected %q %v", p, ok)
	}
}

func TestSourceURL(t *testing.T) {
	cases := map[string]string{
		"":                 DefaultMigrationsDir,
		"migrations":       "file://migrations",
		"file:///srv/migr": "file:///srv/migr",
	}
	for in, want := range cases {
		if got := sourceURL(in); got != want {
			t.Fatalf("sourceURL(%q) = %q, want %q", in, got, want)
		}
	}
	if err := Migrate("", "", "up", 0); err == nil {
		t.Fatalf("expected error without dsn")
	}
}
