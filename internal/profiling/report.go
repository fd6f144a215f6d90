package profiling

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
)

const maxReportChars = 20000

var reportTemplate = template.Must(template.New("profile").Funcs(template.FuncMap{
	"num": func(f *float64) string {
		if f == nil {
			return ""
		}
		return fmt.Sprintf("%.4g", *f)
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
th { background: #f0f0f0; }
.alert { color: #a94442; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Goal}}<p><strong>Goal:</strong> {{.Goal}}</p>{{end}}
<p><strong>Generated:</strong> {{.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
<pre>{{.Query}}</pre>
<h2>Overview</h2>
<table>
<tr><th>Variables</th><td>{{.ColumnCount}}</td></tr>
<tr><th>Observations</th><td>{{.RowCount}}{{if .Truncated}} (truncated){{end}}</td></tr>
<tr><th>Missing cells</th><td>{{.MissingCells}} ({{printf "%.2f" .MissingCellsPct}}%)</td></tr>
<tr><th>Duplicate rows</th><td>{{.DuplicateRows}} ({{printf "%.2f" .DuplicateRowPct}}%)</td></tr>
</table>
{{if .Alerts}}<h2>Alerts</h2>
<ul>{{range .Alerts}}<li class="alert">{{.}}</li>{{end}}</ul>{{end}}
<h2>Variables</h2>
<table>
<tr><th>Column</th><th>Type</th><th>Count</th><th>Missing</th><th>Missing %</th><th>Distinct</th><th>Min</th><th>Max</th><th>Mean</th><th>Top values</th></tr>
{{range .Columns}}<tr>
<td>{{.Name}}</td><td>{{.Kind}}</td><td>{{.Count}}</td><td>{{.Nulls}}{{if .NullStrings}} + {{.NullStrings}} text{{end}}</td>
<td>{{printf "%.2f" .MissingPct}}</td><td>{{.Distinct}}</td>
<td>{{num .Min}}</td><td>{{num .Max}}</td><td>{{num .Mean}}</td>
<td>{{range $i, $v := .TopValues}}{{if $i}}, {{end}}{{$v.Value}} ({{$v.Count}}){{end}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

// WriteHTML renders the profile as a standalone HTML page.
func WriteHTML(path string, p Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	defer f.Close()
	if err := reportTemplate.Execute(f, p); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}

// WriteJSON writes the profile as indented JSON.
func WriteJSON(path string, p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}

// ReadReport loads a profile report from dir. Paths outside dir are refused.
// JSON reports are summarised; HTML reports are returned as text.
func ReadReport(dir, path string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) && !strings.HasPrefix(filepath.Clean(path), filepath.Clean(dir)+string(filepath.Separator)) {
		path = filepath.Join(dir, path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("report %s is outside %s", path, dir)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}
	if filepath.Ext(absPath) != ".json" {
		if len(data) > maxReportChars {
			return string(data[:maxReportChars]) + "\n[truncated]", nil
		}
		return string(data), nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("decode profile %s: %w", path, err)
	}
	return Describe(p), nil
}

// Describe renders a compact textual summary of p for an LLM.
func Describe(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nObservations: %d, variables: %d\n", p.Title, p.RowCount, p.ColumnCount)
	fmt.Fprintf(&b, "Missing cells: %d (%.2f%%), duplicate rows: %d (%.2f%%)\n", p.MissingCells, p.MissingCellsPct, p.DuplicateRows, p.DuplicateRowPct)
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "- %s [%s] missing %d (%.2f%%), distinct %d", c.Name, c.Kind, c.Nulls+c.NullStrings, c.MissingPct, c.Distinct)
		if c.Min != nil && c.Max != nil {
			fmt.Fprintf(&b, ", range %g..%g", *c.Min, *c.Max)
		}
		b.WriteString("\n")
	}
	if len(p.Alerts) > 0 {
		b.WriteString("Alerts:\n")
		for _, a := range p.Alerts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
