package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// TimestampLayout formats artifact timestamps (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

const maxSafeGoalLen = 50

// SafeGoal keeps letters, digits, spaces and underscores of goal, replaces every
// other character with '_' and caps the result at 50 characters.
func SafeGoal(goal string) string {
	var b strings.Builder
	n := 0
	for _, r := range goal {
		if n == maxSafeGoalLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
		n++
	}
	return b.String()
}

// HTMLReportName is the file name of the final report for goal at t.
func HTMLReportName(goal string, t time.Time) string {
	return fmt.Sprintf("data_quality_report_%s_%s.html", SafeGoal(goal), t.Format(TimestampLayout))
}

// RunResultName is the file name of the run result document at t.
func RunResultName(t time.Time) string {
	return fmt.Sprintf("workflow_results_%s.json", t.Format(TimestampLayout))
}

const maxArtifactAttempts = 100

// writeArtifact creates name in dir without overwriting an existing file. When
// name is taken (another run finished in the same second) the run ID prefix is
// appended, then a counter.
func writeArtifact(dir, name, runID string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	for i := 0; i < maxArtifactAttempts; i++ {
		candidate := name
		switch {
		case i == 1 && short != "":
			candidate = fmt.Sprintf("%s_%s%s", base, short, ext)
		case i > 1 && short != "":
			candidate = fmt.Sprintf("%s_%s_%d%s", base, short, i, ext)
		case i > 0:
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxArtifactAttempts)
}

// SaveHTMLReport writes html into dir and returns the written path. An existing
// report is never overwritten.
func SaveHTMLReport(dir, html, goal, runID string, now time.Time) (string, error) {
	path, err := writeArtifact(dir, HTMLReportName(goal, now), runID, []byte(html))
	if err != nil {
		return "", fmt.Errorf("write html report: %w", err)
	}
	return path, nil
}

type runResultDocument struct {
	RunID                string            `json:"run_id"`
	Goal                 string            `json:"goal"`
	Timestamp            string            `json:"timestamp"`
	Success              bool              `json:"success"`
	Phases               map[string]string `json:"phases"`
	Plan                 any               `json:"plan,omitempty"`
	InvestigationResults any               `json:"investigation_results,omitempty"`
	ProfilingResults     any               `json:"profiling_results,omitempty"`
	Analysis             any               `json:"analysis,omitempty"`
	ReportPath           string            `json:"report_path,omitempty"`
	TaskFailures         any               `json:"task_failures,omitempty"`
	Error                string            `json:"error,omitempty"`
	Traceback            string            `json:"traceback,omitempty"`
}

// toPlain converts v to its nested map/slice form. Values without a JSON
// encoding fall back to their string form.
func toPlain(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// MarshalRunResult renders the persisted document for res stamped with t.
func MarshalRunResult(res RunResult, t time.Time) ([]byte, error) {
	doc := runResultDocument{
		RunID:      res.ID,
		Goal:       res.Goal,
		Timestamp:  t.Format(TimestampLayout),
		Success:    res.Success,
		Phases:     make(map[string]string, len(res.Phases)),
		ReportPath: res.ReportPath,
		Error:      res.Error,
		Traceback:  res.Traceback,
	}
	for phase, status := range res.Phases {
		doc.Phases[string(phase)] = status.String()
	}
	if res.Plan != nil {
		doc.Plan = toPlain(res.Plan)
	}
	if res.InvestigationResults != nil {
		doc.InvestigationResults = toPlain(res.InvestigationResults)
	}
	if res.ProfilingResults != nil {
		doc.ProfilingResults = toPlain(res.ProfilingResults)
	}
	if res.Analysis != nil {
		doc.Analysis = toPlain(res.Analysis)
	}
	if len(res.TaskFailures) > 0 {
		doc.TaskFailures = toPlain(res.TaskFailures)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// SaveRunResult writes the run result document into dir and returns its path.
func SaveRunResult(dir string, res RunResult, now time.Time) (string, error) {
	data, err := MarshalRunResult(res, now)
	if err != nil {
		return "", fmt.Errorf("marshal run result: %w", err)
	}
	path, err := writeArtifact(dir, RunResultName(now), res.ID, data)
	if err != nil {
		return "", fmt.Errorf("write run result: %w", err)
	}
	return path, nil
}
