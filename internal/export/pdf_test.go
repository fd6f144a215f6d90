package export

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

func newTestExporter(render func(context.Context, string) ([]byte, error)) *PDFExporter {
	e := NewPDFExporter(config.ReportConfig{PDFTimeout: time.Second}, log.New(io.Discard, "", 0))
	e.render = render
	return e
}

func TestPDFPath(t *testing.T) {
	cases := map[string]string{
		"ge_reports/data_quality_report_x_20250101_000000.html": "ge_reports/data_quality_report_x_20250101_000000.pdf",
		"report":          "report.pdf",
		"dir.v2/page.htm": "dir.v2/page.pdf",
	}
	for in, want := range cases {
		if got := PDFPath(in); got != want {
			t.Fatalf("PDFPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	flags := ParseFlags([]string{"--no-sandbox", "disable-gpu=true", "headless=false", "window-size=1280,800", " "})
	if flags["no-sandbox"] != true || flags["disable-gpu"] != true {
		t.Fatalf("boolean flags not parsed: %+v", flags)
	}
	if flags["headless"] != false {
		t.Fatalf("headless override ignored: %+v", flags)
	}
	if flags["window-size"] != "1280,800" {
		t.Fatalf("value flag not parsed: %+v", flags)
	}
	if len(flags) != 4 {
		t.Fatalf("unexpected flags: %+v", flags)
	}
}

func TestExportWritesPDFBesideReport(t *testing.T) {
	dir := t.TempDir()
	html := filepath.Join(dir, "report.html")
	if err := os.WriteFile(html, []byte("<html><body>ok</body></html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var gotURL string
	e := newTestExporter(func(_ context.Context, u string) ([]byte, error) {
		gotURL = u
		return []byte("%PDF-1.4"), nil
	})

	out, err := e.Export(context.Background(), html)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.HasPrefix(gotURL, "file://") || !strings.HasSuffix(gotURL, "/report.html") {
		t.Fatalf("unexpected url %q", gotURL)
	}
	b, err := os.ReadFile(out)
	if err != nil || string(b) != "%PDF-1.4" {
		t.Fatalf("pdf not written: %q %v", b, err)
	}
}

func TestExportErrors(t *testing.T) {
	e := newTestExporter(func(context.Context, string) ([]byte, error) { return nil, errors.New("no chrome") })
	if _, err := e.Export(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := e.Export(context.Background(), filepath.Join(t.TempDir(), "missing.html")); err == nil {
		t.Fatalf("expected error for missing report")
	}

	html := filepath.Join(t.TempDir(), "r.html")
	os.WriteFile(html, []byte("<html></html>"), 0o644)
	if _, err := e.Export(context.Background(), html); err == nil || !strings.Contains(err.Error(), "no chrome") {
		t.Fatalf("expected render error, got %v", err)
	}
}

func TestRunFinishedSkipsRunsWithoutReport(t *testing.T) {
	called := false
	e := newTestExporter(func(context.Context, string) ([]byte, error) {
		called = true
		return nil, nil
	})
	e.RunFinished(context.Background(), core.RunResult{ID: "r1"})
	if called {
		t.Fatalf("render called for run without report")
	}
}
