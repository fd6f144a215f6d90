package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

const defaultTimeout = time.Minute

// PDFExporter renders HTML reports to PDF with headless Chrome.
type PDFExporter struct {
	timeout time.Duration
	flags   map[string]interface{}
	logger  *log.Logger
	render  func(ctx context.Context, fileURL string) ([]byte, error)
}

// NewPDFExporter builds an exporter from the report settings. chrome_flags
// entries are "name" or "name=value".
func NewPDFExporter(cfg config.ReportConfig, logger *log.Logger) *PDFExporter {
	if logger == nil {
		logger = log.New(os.Stdout, "[EXPORT] ", log.LstdFlags)
	}
	timeout := cfg.PDFTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &PDFExporter{
		timeout: timeout,
		flags:   ParseFlags(cfg.ChromeFlags),
		logger:  logger,
	}
	e.render = e.printToPDF
	return e
}

// PDFPath returns the PDF path that sits next to an HTML report.
func PDFPath(htmlPath string) string {
	ext := filepath.Ext(htmlPath)
	return strings.TrimSuffix(htmlPath, ext) + ".pdf"
}

// ParseFlags turns "name" and "name=value" entries into chromedp flags.
func ParseFlags(entries []string) map[string]interface{} {
	flags := map[string]interface{}{"headless": true}
	for _, e := range entries {
		e = strings.TrimLeft(strings.TrimSpace(e), "-")
		if e == "" {
			continue
		}
		name, value, ok := strings.Cut(e, "=")
		switch {
		case !ok:
			flags[name] = true
		case value == "true":
			flags[name] = true
		case value == "false":
			flags[name] = false
		default:
			flags[name] = value
		}
	}
	return flags
}

// Export renders htmlPath and writes the PDF beside it, returning its path.
func (e *PDFExporter) Export(ctx context.Context, htmlPath string) (string, error) {
	if strings.TrimSpace(htmlPath) == "" {
		return "", errors.New("report path required")
	}
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("stat report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	buf, err := e.render(ctx, u.String())
	if err != nil {
		return "", fmt.Errorf("render pdf: %w", err)
	}
	out := PDFPath(abs)
	if err := os.WriteFile(out, buf, 0o644); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return out, nil
}

func (e *PDFExporter) printToPDF(ctx context.Context, fileURL string) ([]byte, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	for name, value := range e.flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var buf []byte
	err := chromedp.Run(bctx,
		chromedp.Navigate(fileURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, _, err = page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			return err
		}),
	)
	return buf, err
}

// PhaseChanged implements core.Observer.
func (e *PDFExporter) PhaseChanged(context.Context, core.PhaseUpdate) {}

// RunFinished implements core.Observer. Runs without a saved report are skipped.
func (e *PDFExporter) RunFinished(ctx context.Context, res core.RunResult) {
	if res.ReportPath == "" {
		return
	}
	out, err := e.Export(context.WithoutCancel(ctx), res.ReportPath)
	if err != nil {
		e.logger.Printf("export run %s: %v", res.ID, err)
		return
	}
	e.logger.Printf("exported run %s to %s", res.ID, out)
}
