package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

// Tools returns the warehouse tools for the data investigation agent.
func Tools(w *Warehouse) []core.Tool {
	return []core.Tool{
		&ExecuteQueryTool{w: w},
		&TableInfoTool{w: w},
		&ListTablesTool{w: w},
	}
}

// ListTablesTool lists the tables in the warehouse schema.
type ListTablesTool struct{ w *Warehouse }

func (t *ListTablesTool) Name() string { return "list_tables" }
func (t *ListTablesTool) Description() string {
	return "List the tables available in the warehouse schema."
}
func (t *ListTablesTool) Parameters() map[string]string { return map[string]string{} }

func (t *ListTablesTool) Call(ctx context.Context, _ json.RawMessage) (string, error) {
	tables, err := t.w.ListTables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "No tables found.", nil
	}
	return "Tables:\n" + strings.Join(tables, "\n"), nil
}

// TableInfoTool describes the columns of a table.
type TableInfoTool struct{ w *Warehouse }

func (t *TableInfoTool) Name() string { return "table_info" }
func (t *TableInfoTool) Description() string {
	return "Describe the columns, data types and nullability of a table."
}
func (t *TableInfoTool) Parameters() map[string]string {
	return map[string]string{"table": "string, table name optionally prefixed by schema"}
}

func (t *TableInfoTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	cols, err := t.w.TableInfo(ctx, in.Table)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s has %d columns:\n", in.Table, len(cols))
	for _, c := range cols {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		fmt.Fprintf(&b, "- %s %s %s\n", c.Name, c.DataType, null)
	}
	return b.String(), nil
}

// ExecuteQueryTool runs one read-only SQL query.
type ExecuteQueryTool struct{ w *Warehouse }

func (t *ExecuteQueryTool) Name() string { return "execute_query" }
func (t *ExecuteQueryTool) Description() string {
	return "Execute a single read-only SQL SELECT query and return the row count with a sample of the rows."
}
func (t *ExecuteQueryTool) Parameters() map[string]string {
	return map[string]string{"query": "string, one SELECT or WITH statement"}
}

func (t *ExecuteQueryTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	res, err := t.w.ExecuteQuery(ctx, in.Query)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", strings.TrimSpace(in.Query))
	fmt.Fprintf(&b, "Rows returned: %d", res.RowCount)
	if res.Truncated {
		fmt.Fprintf(&b, " (truncated at %d)", res.RowCount)
	}
	fmt.Fprintf(&b, "\nSample (first %d rows):\n%s", t.w.SampleRows(), res.Sample(t.w.SampleRows()))
	return b.String(), nil
}
