package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
)

// OpsHandler exposes run telemetry summaries, the runs active in this
// process and the run queue backlog.
type OpsHandler struct {
	tele  *telemetry.Telemetry
	live  LiveStatus
	queue QueueBacklog
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.Use(runtime.RequireScopes(runtime.ScopeRunsRead))
	g.GET("/performance", h.performance)
	g.GET("/active", h.active)
	g.GET("/queue", h.backlog)
	g.GET("/dashboard", h.dashboard)
}

type performanceResponse struct {
	Metrics telemetry.Metrics     `json:"metrics"`
	Costs   telemetry.CostSummary `json:"costs"`
	Report  string                `json:"report"`
	Queue   *streams.Backlog      `json:"queue,omitempty"`
}

func (h *OpsHandler) snapshot() performanceResponse {
	out := performanceResponse{
		Metrics: h.tele.GetMetrics(),
		Costs:   h.tele.GetCostSummary(),
		Report:  h.tele.GetPerformanceReport(),
	}
	if b, ok := h.lastBacklog(); ok {
		out.Queue = &b
	}
	return out
}

func (h *OpsHandler) lastBacklog() (streams.Backlog, bool) {
	if h.queue == nil {
		return streams.Backlog{}, false
	}
	return h.queue.Last()
}

// backlog answers 503 until the queue has been sampled once.
func (h *OpsHandler) backlog(c echo.Context) error {
	if h.queue == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "runs are not queued")
	}
	b, ok := h.queue.Last()
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue backlog not sampled yet")
	}
	return c.JSON(http.StatusOK, b)
}

func (h *OpsHandler) performance(c echo.Context) error {
	if h.tele == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telemetry not configured")
	}
	return c.JSON(http.StatusOK, h.snapshot())
}

func (h *OpsHandler) active(c echo.Context) error {
	ids := []string{}
	if h.live != nil {
		ids = append(ids, h.live.ActiveRuns()...)
	}
	sort.Strings(ids)
	return c.JSON(http.StatusOK, map[string]interface{}{"active_runs": ids})
}

// dashboard renders the performance snapshot as a page without JS.
func (h *OpsHandler) dashboard(c echo.Context) error {
	if h.tele == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telemetry not configured")
	}
	snap := h.snapshot()
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><meta name=\"viewport\" content=\"width=device-width, initial-scale=1\"><title>Data Quality Runs</title></head><body style=\"font-family:system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif; color:#e5e7eb; background:#0f172a;\">")
	b.WriteString("<div style=\"max-width:960px;margin:24px auto;padding:0 16px\">")
	b.WriteString("<h1 style=\"font-size:18px;font-weight:600;margin-bottom:8px\">Data Quality Runs</h1>")
	b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\">")
	b.WriteString(template.HTMLEscapeString(snap.Report))
	b.WriteString("</pre>")
	b.WriteString("<h2 style=\"font-size:14px;font-weight:600;margin:16px 0 8px\">Costs</h2>")
	b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\"><code>")
	if raw, err := json.MarshalIndent(snap.Costs, "", "  "); err == nil {
		b.WriteString(template.HTMLEscapeString(string(raw)))
	}
	b.WriteString("</code></pre>")
	b.WriteString("</div></body></html>")
	return c.HTML(http.StatusOK, b.String())
}
