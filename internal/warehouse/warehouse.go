package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/dqagent/config"
)

// ErrReadOnly is returned for statements other than a single SELECT or WITH query.
var ErrReadOnly = errors.New("only read-only SELECT queries are allowed")

// Warehouse runs investigation queries against the database under audit.
type Warehouse struct {
	db           *sql.DB
	schema       string
	maxRows      int
	sampleRows   int
	queryTimeout time.Duration
	logger       *log.Logger
}

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// QueryResult holds the rows of one query, capped at the configured row limit.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// Open connects to the warehouse described by cfg.
func Open(ctx context.Context, cfg config.WarehouseConfig, logger *log.Logger) (*Warehouse, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return New(db, cfg, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, cfg config.WarehouseConfig, logger *log.Logger) *Warehouse {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[WAREHOUSE] ", log.LstdFlags)
	}
	return &Warehouse{
		db:           db,
		schema:       cfg.Schema,
		maxRows:      cfg.MaxRows,
		sampleRows:   cfg.SampleRows,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}
}

// DB exposes the underlying handle for the profiler.
func (w *Warehouse) DB() *sql.DB { return w.db }

// SampleRows is the number of rows rendered in query samples.
func (w *Warehouse) SampleRows() int { return w.sampleRows }

func (w *Warehouse) Close() error { return w.db.Close() }

// Ping verifies connectivity.
func (w *Warehouse) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()
	return w.db.PingContext(ctx)
}

// ListTables returns the tables of the configured schema.
func (w *Warehouse) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()
	rows, err := w.db.QueryContext(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema=$1 ORDER BY table_name`, w.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TableInfo returns the columns of table. A "schema.table" name overrides the
// configured schema.
func (w *Warehouse) TableInfo(ctx context.Context, table string) ([]Column, error) {
	schema, name := w.schema, strings.TrimSpace(table)
	if i := strings.LastIndex(name, "."); i > 0 {
		schema, name = name[:i], name[i+1:]
	}
	if name == "" {
		return nil, fmt.Errorf("table name required")
	}
	ctx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()
	rows, err := w.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE lower(table_schema)=lower($1) AND lower(table_name)=lower($2) ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable); err != nil {
			return nil, err
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, name)
	}
	return out, nil
}

// ExecuteQuery runs one read-only query inside a READ ONLY transaction and
// returns at most maxRows rows.
func (w *Warehouse) ExecuteQuery(ctx context.Context, query string) (QueryResult, error) {
	return w.query(ctx, query, w.maxRows)
}

func (w *Warehouse) query(ctx context.Context, query string, limit int) (QueryResult, error) {
	stmt, err := CheckReadOnly(query)
	if err != nil {
		return QueryResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return QueryResult{}, fmt.Errorf("begin: %w", err)
	}
	// read-only, nothing to commit
	defer func() { _ = tx.Rollback() }()

	start := time.Now()
	rows, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	res, err := scanRows(rows, limit)
	if err != nil {
		return QueryResult{}, err
	}
	w.logger.Printf("query returned %d rows in %v (truncated=%t)", res.RowCount, time.Since(start), res.Truncated)
	return res, nil
}

// QueryRows is ExecuteQuery with an explicit row cap. It is used by the profiler.
func (w *Warehouse) QueryRows(ctx context.Context, query string, limit int) (QueryResult, error) {
	if limit <= 0 {
		limit = w.maxRows
	}
	return w.query(ctx, query, limit)
}

func scanRows(rows *sql.Rows, limit int) (QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{Columns: cols}
	for rows.Next() {
		if limit > 0 && res.RowCount >= limit {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
		res.RowCount++
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	return res, nil
}

// Sample renders the first n rows as a pipe separated table.
func (r QueryResult) Sample(n int) string {
	if len(r.Columns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, " | "))
	b.WriteString("\n")
	for i, row := range r.Rows {
		if i == n {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatValue(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// CheckReadOnly accepts a single SELECT or WITH statement and returns it
// without the trailing semicolon.
func CheckReadOnly(query string) (string, error) {
	stmt := strings.TrimSpace(query)
	stmt = strings.TrimSpace(strings.TrimRight(stmt, "; \t\n"))
	if stmt == "" {
		return "", fmt.Errorf("%w: empty query", ErrReadOnly)
	}
	if hasStatementSeparator(stmt) {
		return "", fmt.Errorf("%w: multiple statements", ErrReadOnly)
	}
	body := stripLeadingComments(stmt)
	first := strings.ToUpper(firstWord(body))
	if first != "SELECT" && first != "WITH" {
		return "", fmt.Errorf("%w: got %s", ErrReadOnly, first)
	}
	return stmt, nil
}

// hasStatementSeparator reports a ';' outside string literals.
func hasStatementSeparator(s string) bool {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			return true
		}
	}
	return false
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			return s
		}
	}
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' || r == '(' || r == '\r' {
			return s[:i]
		}
	}
	return s
}
