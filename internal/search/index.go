package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

const (
	defaultLimit   = 10
	maxLimit       = 100
	snippetLength  = 240
	maxReportChars = 50000
)

// Document is what gets indexed for one finished run.
type Document struct {
	RunID      string `json:"run_id"`
	Goal       string `json:"goal"`
	Summary    string `json:"summary"`
	Issues     string `json:"issues"`
	Severities string `json:"severities"`
	Report     string `json:"report"`
	ReportPath string `json:"report_path"`
	Success    bool   `json:"success"`
	FinishedAt string `json:"finished_at"`
}

// Hit is one ranked search result.
type Hit struct {
	RunID      string   `json:"run_id"`
	Goal       string   `json:"goal"`
	Snippet    string   `json:"snippet"`
	ReportPath string   `json:"report_path,omitempty"`
	Success    bool     `json:"success"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Score      float64  `json:"score"`
	Rank       int      `json:"rank"`
	Fragments  []string `json:"fragments,omitempty"`
}

// Index is a full-text index over finished runs.
type Index struct {
	bleve  bleve.Index
	logger *log.Logger
	mu     sync.RWMutex
}

// Open opens the index at cfg.IndexPath, creating it when missing. An empty
// path keeps the index in memory.
func Open(cfg config.SearchConfig, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[SEARCH] ", log.LstdFlags)
	}
	var (
		idx bleve.Index
		err error
	)
	path := strings.TrimSpace(cfg.IndexPath)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	default:
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &Index{bleve: idx, logger: logger}, nil
}

// NewMemOnly returns an in-memory index.
func NewMemOnly(logger *log.Logger) (*Index, error) {
	return Open(config.SearchConfig{}, logger)
}

func (x *Index) Close() error { return x.bleve.Close() }

// Count returns the number of indexed runs.
func (x *Index) Count() (uint64, error) { return x.bleve.DocCount() }

// Add indexes doc under its run ID, replacing any earlier version.
func (x *Index) Add(doc Document) error {
	if strings.TrimSpace(doc.RunID) == "" {
		return errors.New("run id required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bleve.Index(doc.RunID, doc)
}

// IndexRun builds the document for res and adds it.
func (x *Index) IndexRun(res core.RunResult) error {
	return x.Add(DocumentFor(res))
}

// Search runs a query string query and returns at most limit hits.
func (x *Index) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.New("empty query")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Fields = []string{"goal", "summary", "report_path", "success", "finished_at"}
	req.Highlight = bleve.NewHighlightWithStyle("html")

	x.mu.RLock()
	res, err := x.bleve.SearchInContext(ctx, req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	out := make([]Hit, 0, len(res.Hits))
	for i, h := range res.Hits {
		hit := Hit{
			RunID:      h.ID,
			Goal:       fieldString(h.Fields, "goal"),
			Snippet:    snippet(fieldString(h.Fields, "summary")),
			ReportPath: fieldString(h.Fields, "report_path"),
			FinishedAt: fieldString(h.Fields, "finished_at"),
			Score:      h.Score,
			Rank:       i + 1,
		}
		if b, ok := h.Fields["success"].(bool); ok {
			hit.Success = b
		}
		for _, frags := range h.Fragments {
			hit.Fragments = append(hit.Fragments, frags...)
		}
		out = append(out, hit)
	}
	return out, nil
}

// PhaseChanged implements core.Observer. Only finished runs are indexed.
func (x *Index) PhaseChanged(context.Context, core.PhaseUpdate) {}

// RunFinished implements core.Observer.
func (x *Index) RunFinished(_ context.Context, res core.RunResult) {
	if err := x.IndexRun(res); err != nil {
		x.logger.Printf("index run %s: %v", res.ID, err)
		return
	}
	x.logger.Printf("indexed run %s", res.ID)
}

// DocumentFor flattens a run result into its searchable text.
func DocumentFor(res core.RunResult) Document {
	doc := Document{
		RunID:      res.ID,
		Goal:       res.Goal,
		ReportPath: res.ReportPath,
		Success:    res.Success,
	}
	if !res.FinishedAt.IsZero() {
		doc.FinishedAt = res.FinishedAt.UTC().Format(time.RFC3339)
	}
	if a := res.Analysis; a != nil {
		doc.Summary = a.Summary
		var issues, severities []string
		for _, is := range a.Issues {
			issues = append(issues, strings.TrimSpace(is.Type+": "+is.EvidenceDescription))
			if is.Severity != "" {
				severities = append(severities, is.Severity)
			}
		}
		issues = append(issues, a.Recommendations...)
		doc.Issues = strings.Join(issues, "\n")
		doc.Severities = strings.Join(severities, " ")
	}
	if doc.Summary == "" && res.Error != "" {
		doc.Summary = res.Error
	}
	switch {
	case res.Report != nil:
		doc.Report = ReportText(*res.Report, res.ReportPath)
	case res.ReportPath != "":
		if b, err := os.ReadFile(res.ReportPath); err == nil {
			doc.Report = ReportText(string(b), res.ReportPath)
		}
	}
	return doc
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= snippetLength {
		return s
	}
	return s[:snippetLength] + "..."
}
