package profiling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

// Tools returns the profiling agent's tools.
func Tools(p *Profiler) []core.Tool {
	return []core.Tool{
		&ProfileDataTool{p: p},
		&TestConnectionTool{p: p},
	}
}

// ProfileDataTool profiles the result of a query.
type ProfileDataTool struct{ p *Profiler }

func (t *ProfileDataTool) Name() string { return "profile_data" }
func (t *ProfileDataTool) Description() string {
	return "Run a read-only SQL query, profile the resulting dataset and write HTML and JSON profile reports."
}
func (t *ProfileDataTool) Parameters() map[string]string {
	return map[string]string{
		"query":         "string, one SELECT or WITH statement",
		"table_name":    "string, name used in the report file names",
		"goal":          "string, optional purpose of the profile",
		"generate_html": "bool, optional, default true",
		"generate_json": "bool, optional, default true",
	}
}

func (t *ProfileDataTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	in := struct {
		Query        string `json:"query"`
		TableName    string `json:"table_name"`
		Goal         string `json:"goal"`
		GenerateHTML *bool  `json:"generate_html"`
		GenerateJSON *bool  `json:"generate_json"`
	}{}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	res, err := t.p.Profile(ctx, Request{
		Query:        in.Query,
		TableName:    in.TableName,
		Goal:         in.Goal,
		GenerateHTML: in.GenerateHTML == nil || *in.GenerateHTML,
		GenerateJSON: in.GenerateJSON == nil || *in.GenerateJSON,
	})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TestConnectionTool checks that the warehouse is reachable.
type TestConnectionTool struct{ p *Profiler }

func (t *TestConnectionTool) Name() string { return "test_connection" }
func (t *TestConnectionTool) Description() string {
	return "Check that the warehouse connection used for profiling works."
}
func (t *TestConnectionTool) Parameters() map[string]string { return map[string]string{} }

func (t *TestConnectionTool) Call(ctx context.Context, _ json.RawMessage) (string, error) {
	if err := t.p.TestConnection(ctx); err != nil {
		return "", err
	}
	return "Connection successful", nil
}

// ReadReportTool lets the summarizer read profile reports from the reports dir.
type ReadReportTool struct{ Dir string }

func (t *ReadReportTool) Name() string { return "read_profile_report" }
func (t *ReadReportTool) Description() string {
	return "Read a profile report written by profile_data. JSON reports are summarised."
}
func (t *ReadReportTool) Parameters() map[string]string {
	return map[string]string{"path": "string, report path as returned in report_paths"}
}

func (t *ReadReportTool) Call(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	return ReadReport(t.Dir, in.Path)
}
