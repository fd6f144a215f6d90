package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Run statuses stored in workflow_runs.status.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

const observerTimeout = 10 * time.Second

// RunRecord is one row of workflow_runs. Result is only set by GetRun and only
// once the run has finished.
type RunRecord struct {
	ID           string                          `json:"id"`
	Goal         string                          `json:"goal"`
	Status       string                          `json:"status"`
	Success      bool                            `json:"success"`
	CurrentPhase string                          `json:"current_phase,omitempty"`
	Phases       map[core.Phase]core.PhaseStatus `json:"phases"`
	ReportPath   string                          `json:"report_path,omitempty"`
	Error        string                          `json:"error,omitempty"`
	Cost         float64                         `json:"cost"`
	Tokens       int64                           `json:"tokens"`
	StartedAt    time.Time                       `json:"started_at"`
	FinishedAt   *time.Time                      `json:"finished_at,omitempty"`
	Result       *core.RunResult                 `json:"result,omitempty"`
}

// RecordPhase upserts the run row with the latest status of one phase.
func (s *Store) RecordPhase(ctx context.Context, u core.PhaseUpdate) error {
	phases, err := json.Marshal(map[core.Phase]core.PhaseStatus{u.Phase: u.Status})
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO workflow_runs (id, goal, status, current_phase, phases, started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
  current_phase = EXCLUDED.current_phase,
  phases = workflow_runs.phases || EXCLUDED.phases,
  updated_at = NOW()
`, u.RunID, u.Goal, RunStatusRunning, string(u.Phase), string(phases), u.At)
	return err
}

// SaveRun stores the final result of a run, replacing any progress row.
func (s *Store) SaveRun(ctx context.Context, res core.RunResult) error {
	if res.ID == "" {
		return fmt.Errorf("run id required")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	phases, err := json.Marshal(res.Phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	status := RunStatusSucceeded
	if !res.Success {
		status = RunStatusFailed
	}
	tokens := res.Usage.InputTokens + res.Usage.OutputTokens

	_, err = s.DB.ExecContext(ctx, `
INSERT INTO workflow_runs (id, goal, status, success, current_phase, phases, result, report_path, error, cost, tokens, started_at, finished_at, updated_at)
VALUES ($1,$2,$3,$4,NULL,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
ON CONFLICT (id) DO UPDATE SET
  goal = EXCLUDED.goal,
  status = EXCLUDED.status,
  success = EXCLUDED.success,
  current_phase = NULL,
  phases = EXCLUDED.phases,
  result = EXCLUDED.result,
  report_path = EXCLUDED.report_path,
  error = EXCLUDED.error,
  cost = EXCLUDED.cost,
  tokens = EXCLUDED.tokens,
  started_at = EXCLUDED.started_at,
  finished_at = EXCLUDED.finished_at,
  updated_at = NOW()
`, res.ID, res.Goal, status, res.Success, string(phases), string(payload), nullString(res.ReportPath), nullString(res.Error),
		res.Usage.Cost, tokens, res.StartedAt, res.FinishedAt)
	if err != nil {
		return err
	}

	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		attrs := otelmetric.WithAttributes(attribute.String("status", status))
		costCounter.Add(ctx, res.Usage.Cost, attrs)
		tokenCounter.Add(ctx, tokens, attrs)
	}
	return nil
}

const runColumns = `id, goal, status, success, current_phase, phases, report_path, error, cost, tokens, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, extra ...any) (RunRecord, error) {
	var (
		r          RunRecord
		phase      sql.NullString
		phases     []byte
		reportPath sql.NullString
		errMsg     sql.NullString
		finished   sql.NullTime
	)
	dest := append([]any{&r.ID, &r.Goal, &r.Status, &r.Success, &phase, &phases, &reportPath, &errMsg, &r.Cost, &r.Tokens, &r.StartedAt, &finished}, extra...)
	if err := row.Scan(dest...); err != nil {
		return RunRecord{}, err
	}
	r.CurrentPhase = phase.String
	r.ReportPath = reportPath.String
	r.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &r.Phases); err != nil {
			return RunRecord{}, fmt.Errorf("decode phases: %w", err)
		}
	}
	return r, nil
}

// GetRun loads one run including its full result when finished.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var result []byte
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+`, result FROM workflow_runs WHERE id=$1`, id)
	r, err := scanRun(row, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	if len(result) > 0 {
		var res core.RunResult
		if err := json.Unmarshal(result, &res); err != nil {
			return RunRecord{}, fmt.Errorf("decode run result: %w", err)
		}
		r.Result = &res
	}
	return r, nil
}

// ListRuns returns runs newest first without their full results.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM workflow_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PhaseChanged implements core.Observer.
func (s *Store) PhaseChanged(ctx context.Context, u core.PhaseUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerTimeout)
	defer cancel()
	if err := s.RecordPhase(ctx, u); err != nil {
		s.logger.Printf("record phase %s of run %s: %v", u.Phase, u.RunID, err)
	}
}

// RunFinished implements core.Observer.
func (s *Store) RunFinished(ctx context.Context, res core.RunResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerTimeout)
	defer cancel()
	if err := s.SaveRun(ctx, res); err != nil {
		s.logger.Printf("save run %s: %v", res.ID, err)
		return
	}
	s.logger.Printf("saved run %s (success=%t)", res.ID, res.Success)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
