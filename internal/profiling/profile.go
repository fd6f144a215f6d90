package profiling

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dqagent/internal/warehouse"
)

const topValuesLimit = 5

// Profile is the statistical description of one dataset.
type Profile struct {
	Title           string          `json:"title"`
	TableName       string          `json:"table_name"`
	Goal            string          `json:"goal,omitempty"`
	Query           string          `json:"query"`
	GeneratedAt     time.Time       `json:"generated_at"`
	RowCount        int             `json:"row_count"`
	ColumnCount     int             `json:"column_count"`
	Truncated       bool            `json:"truncated"`
	MissingCells    int             `json:"missing_cells"`
	MissingCellsPct float64         `json:"missing_cells_pct"`
	DuplicateRows   int             `json:"duplicate_rows"`
	DuplicateRowPct float64         `json:"duplicate_rows_pct"`
	Columns         []ColumnProfile `json:"columns"`
	Alerts          []string        `json:"alerts,omitempty"`
}

// ColumnProfile describes one column.
type ColumnProfile struct {
	Name string `json:"name"`
	// Kind is numeric, boolean, datetime, text or empty.
	Kind        string       `json:"kind"`
	Count       int          `json:"count"`
	Nulls       int          `json:"nulls"`
	NullStrings int          `json:"null_strings"`
	MissingPct  float64      `json:"missing_pct"`
	Distinct    int          `json:"distinct"`
	Unique      bool         `json:"unique"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Mean        *float64     `json:"mean,omitempty"`
	StdDev      *float64     `json:"std_dev,omitempty"`
	MinLength   int          `json:"min_length,omitempty"`
	MaxLength   int          `json:"max_length,omitempty"`
	TopValues   []ValueCount `json:"top_values,omitempty"`
	// NonNumeric counts text values in an otherwise numeric column.
	NonNumeric int `json:"non_numeric,omitempty"`
}

// ValueCount is one frequent value.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// isNullString matches the textual null markers found in loosely typed columns.
func isNullString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null", "none", "nan", "n/a":
		return true
	}
	return false
}

// Build computes the profile of res.
func Build(res warehouse.QueryResult, tableName, goal, query string, now time.Time) Profile {
	p := Profile{
		Title:       fmt.Sprintf("Data Profile: %s", tableName),
		TableName:   tableName,
		Goal:        goal,
		Query:       query,
		GeneratedAt: now,
		RowCount:    res.RowCount,
		ColumnCount: len(res.Columns),
		Truncated:   res.Truncated,
	}

	seen := make(map[string]int, len(res.Rows))
	for _, row := range res.Rows {
		key := rowKey(row)
		seen[key]++
		if seen[key] > 1 {
			p.DuplicateRows++
		}
	}

	for i, name := range res.Columns {
		col := profileColumn(name, res.Rows, i)
		p.MissingCells += col.Nulls + col.NullStrings
		p.Columns = append(p.Columns, col)
	}
	if cells := p.RowCount * p.ColumnCount; cells > 0 {
		p.MissingCellsPct = pct(p.MissingCells, cells)
	}
	if p.RowCount > 0 {
		p.DuplicateRowPct = pct(p.DuplicateRows, p.RowCount)
	}
	p.Alerts = alerts(p)
	return p
}

func pct(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*10000) / 100
}

func rowKey(row []any) string {
	var b strings.Builder
	for _, v := range row {
		fmt.Fprintf(&b, "%v\x1f", v)
	}
	return b.String()
}

func profileColumn(name string, rows [][]any, idx int) ColumnProfile {
	col := ColumnProfile{Name: name}
	counts := map[string]int{}
	var (
		nums                    []float64
		bools, times, texts     int
		minLen, maxLen, strSeen int
	)

	for _, row := range rows {
		v := row[idx]
		if v == nil {
			col.Nulls++
			continue
		}
		var s string
		switch t := v.(type) {
		case int64:
			nums = append(nums, float64(t))
			s = strconv.FormatInt(t, 10)
		case float64:
			nums = append(nums, t)
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			bools++
			s = strconv.FormatBool(t)
		case time.Time:
			times++
			s = t.Format(time.RFC3339)
		default:
			s = fmt.Sprint(t)
			if isNullString(s) {
				col.NullStrings++
				continue
			}
			// numbers stored as text still count as numeric
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				nums = append(nums, f)
			} else {
				texts++
			}
			n := len([]rune(s))
			if strSeen == 0 || n < minLen {
				minLen = n
			}
			if n > maxLen {
				maxLen = n
			}
			strSeen++
		}
		col.Count++
		counts[s]++
	}

	col.Distinct = len(counts)
	col.Unique = col.Count > 0 && col.Distinct == col.Count
	if total := len(rows); total > 0 {
		col.MissingPct = pct(col.Nulls+col.NullStrings, total)
	}
	col.MinLength, col.MaxLength = minLen, maxLen

	switch {
	case col.Count == 0:
		col.Kind = ""
	case len(nums) > 0 && len(nums) >= texts:
		col.Kind = "numeric"
		col.NonNumeric = texts
		mn, mx, mean, sd := describe(nums)
		col.Min, col.Max, col.Mean, col.StdDev = &mn, &mx, &mean, &sd
	case bools == col.Count:
		col.Kind = "boolean"
	case times == col.Count:
		col.Kind = "datetime"
	default:
		col.Kind = "text"
	}
	col.TopValues = topValues(counts, topValuesLimit)
	return col
}

func describe(nums []float64) (mn, mx, mean, sd float64) {
	mn, mx = nums[0], nums[0]
	var sum float64
	for _, n := range nums {
		sum += n
		if n < mn {
			mn = n
		}
		if n > mx {
			mx = n
		}
	}
	mean = sum / float64(len(nums))
	if len(nums) > 1 {
		var sq float64
		for _, n := range nums {
			sq += (n - mean) * (n - mean)
		}
		sd = math.Sqrt(sq / float64(len(nums)-1))
	}
	return mn, mx, mean, sd
}

func topValues(counts map[string]int, n int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func alerts(p Profile) []string {
	var out []string
	for _, c := range p.Columns {
		if c.MissingPct > 50 {
			out = append(out, fmt.Sprintf("%s has %.2f%% missing values", c.Name, c.MissingPct))
		} else if c.MissingPct > 0 {
			out = append(out, fmt.Sprintf("%s has %d missing values (%.2f%%)", c.Name, c.Nulls+c.NullStrings, c.MissingPct))
		}
		if c.NullStrings > 0 {
			out = append(out, fmt.Sprintf("%s stores %d textual null markers", c.Name, c.NullStrings))
		}
		if c.Kind == "numeric" && c.NonNumeric > 0 {
			out = append(out, fmt.Sprintf("%s mixes numeric and %d non-numeric values", c.Name, c.NonNumeric))
		}
		if c.Count > 1 && c.Distinct == 1 {
			out = append(out, fmt.Sprintf("%s is constant", c.Name))
		}
	}
	if p.DuplicateRows > 0 {
		out = append(out, fmt.Sprintf("dataset has %d duplicate rows (%.2f%%)", p.DuplicateRows, p.DuplicateRowPct))
	}
	return out
}
