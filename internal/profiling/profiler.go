package profiling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dqagent/internal/warehouse"
)

// ErrNoData is returned when a profiling query yields no rows.
var ErrNoData = errors.New("query returned no data")

const reportTimestampLayout = "20060102_150405"

// Profiler runs a query against the warehouse and writes profile reports.
type Profiler struct {
	wh         *warehouse.Warehouse
	reportsDir string
	maxRows    int
	now        func() time.Time
	logger     *log.Logger
}

// Result is what a profiling call reports back to the agent.
type Result struct {
	Success     bool        `json:"success"`
	RowCount    int         `json:"row_count"`
	ColumnCount int         `json:"column_count"`
	Columns     []string    `json:"columns"`
	Truncated   bool        `json:"truncated,omitempty"`
	Summary     Summary     `json:"summary"`
	Alerts      []string    `json:"alerts,omitempty"`
	ReportPaths ReportPaths `json:"report_paths"`
}

type Summary struct {
	Variables       int     `json:"n_variables"`
	Observations    int     `json:"n_observations"`
	MissingCells    int     `json:"missing_cells"`
	MissingCellsPct float64 `json:"missing_cells_pct"`
	DuplicateRows   int     `json:"duplicate_rows"`
	DuplicateRowPct float64 `json:"duplicate_rows_pct"`
}

type ReportPaths struct {
	HTML string `json:"html,omitempty"`
	JSON string `json:"json,omitempty"`
}

// Request selects what to profile and which reports to write.
type Request struct {
	Query        string
	TableName    string
	Goal         string
	GenerateHTML bool
	GenerateJSON bool
}

func New(wh *warehouse.Warehouse, reportsDir string, maxRows int, logger *log.Logger) *Profiler {
	if logger == nil {
		logger = log.New(os.Stdout, "[PROFILE] ", log.LstdFlags)
	}
	return &Profiler{wh: wh, reportsDir: reportsDir, maxRows: maxRows, now: time.Now, logger: logger}
}

// ReportsDir is where profile reports are written.
func (p *Profiler) ReportsDir() string { return p.reportsDir }

// TestConnection pings the warehouse.
func (p *Profiler) TestConnection(ctx context.Context) error {
	return p.wh.Ping(ctx)
}

// Profile runs req.Query, profiles the rows and writes the requested reports.
func (p *Profiler) Profile(ctx context.Context, req Request) (Result, error) {
	name := safeName(req.TableName)
	p.logger.Printf("profiling %s", name)

	res, err := p.wh.QueryRows(ctx, req.Query, p.maxRows)
	if err != nil {
		return Result{}, err
	}
	if res.RowCount == 0 {
		return Result{}, ErrNoData
	}
	if res.Truncated {
		p.logger.Printf("warn: %s truncated at %d rows", name, p.maxRows)
	}

	now := p.now()
	prof := Build(res, name, req.Goal, req.Query, now)
	out := Result{
		Success:     true,
		RowCount:    prof.RowCount,
		ColumnCount: prof.ColumnCount,
		Columns:     res.Columns,
		Truncated:   prof.Truncated,
		Alerts:      prof.Alerts,
		Summary: Summary{
			Variables:       prof.ColumnCount,
			Observations:    prof.RowCount,
			MissingCells:    prof.MissingCells,
			MissingCellsPct: prof.MissingCellsPct,
			DuplicateRows:   prof.DuplicateRows,
			DuplicateRowPct: prof.DuplicateRowPct,
		},
	}

	if !req.GenerateHTML && !req.GenerateJSON {
		return out, nil
	}
	if err := os.MkdirAll(p.reportsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create reports dir: %w", err)
	}
	base := filepath.Join(p.reportsDir, fmt.Sprintf("%s_profile_%s", name, now.Format(reportTimestampLayout)))
	if req.GenerateHTML {
		path := base + ".html"
		if err := WriteHTML(path, prof); err != nil {
			return Result{}, err
		}
		out.ReportPaths.HTML = path
	}
	if req.GenerateJSON {
		path := base + ".json"
		if err := WriteJSON(path, prof); err != nil {
			return Result{}, err
		}
		out.ReportPaths.JSON = path
	}
	p.logger.Printf("profile of %s written to %s", name, base)
	return out, nil
}

// safeName keeps letters, digits, dot, dash and underscore.
func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "dataset"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}
