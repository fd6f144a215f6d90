package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/cache"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
	"github.com/mohammad-safakhou/dqagent/internal/search"
	"github.com/mohammad-safakhou/dqagent/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxGoalLength   = 2000
)

// Where a status answer came from.
const (
	statusSourceCache = "cache"
	statusSourceLive  = "live"
	statusSourceStore = "store"
)

var runsTracer = otel.Tracer("dqagent/internal/server/runs")

type RunsHandler struct {
	deps   Deps
	logger *log.Logger
}

type createRunRequest struct {
	Goal string `json:"goal"`
}

type createRunResponse struct {
	RunID  string `json:"run_id"`
	Goal   string `json:"goal"`
	Status string `json:"status"`
}

type runStatusResponse struct {
	RunID       string                          `json:"run_id"`
	Goal        string                          `json:"goal"`
	Source      string                          `json:"source"`
	Current     core.Phase                      `json:"current,omitempty"`
	Phases      map[core.Phase]core.PhaseStatus `json:"phases"`
	Detail      string                          `json:"detail,omitempty"`
	Done        bool                            `json:"done"`
	Success     bool                            `json:"success"`
	Error       string                          `json:"error,omitempty"`
	StartedAt   time.Time                       `json:"started_at"`
	LastUpdated time.Time                       `json:"last_updated"`
}

type searchResponse struct {
	Query string       `json:"query"`
	Hits  []search.Hit `json:"hits"`
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.create, runtime.RequireScopes(runtime.ScopeRunsWrite))
	g.GET("", h.list, runtime.RequireScopes(runtime.ScopeRunsRead))
	g.GET("/search", h.search, runtime.RequireScopes(runtime.ScopeRunsRead))
	g.GET("/:id", h.get, runtime.RequireScopes(runtime.ScopeRunsRead))
	g.GET("/:id/status", h.status, runtime.RequireScopes(runtime.ScopeRunsRead))
}

// create queues a run for goal and answers 202 with its ID.
func (h *RunsHandler) create(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}
	if len(goal) > maxGoalLength {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is too long")
	}
	if h.deps.Requester == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run execution not configured")
	}

	ctx, span := runsTracer.Start(c.Request().Context(), "http.create_run")
	defer span.End()

	runID := uuid.NewString()
	span.SetAttributes(attribute.String("run.id", runID))
	if h.deps.Status != nil {
		if err := h.deps.Status.MarkQueued(ctx, runID, goal); err != nil {
			h.logger.Printf("warn: mark run %s queued: %v", runID, err)
		}
	}
	err := h.deps.Requester.RequestRun(ctx, streams.RunRequested{
		RunID:       runID,
		Goal:        goal,
		Trigger:     streams.TriggerAPI,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusBadGateway, "could not queue run: "+err.Error())
	}
	h.logger.Printf("queued run %s: %s", runID, goal)
	return c.JSON(http.StatusAccepted, createRunResponse{RunID: runID, Goal: goal, Status: "queued"})
}

func (h *RunsHandler) list(c echo.Context) error {
	if h.deps.Runs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run history not configured")
	}
	limit, err := intParam(c, "limit", defaultPageSize)
	if err != nil {
		return err
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	runs, err := h.deps.Runs.ListRuns(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunsHandler) get(c echo.Context) error {
	if h.deps.Runs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run history not configured")
	}
	rec, err := h.deps.Runs.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// status prefers the shared cache, then runs live in this process, then the
// run history.
func (h *RunsHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if h.deps.Status != nil {
		st, err := h.deps.Status.Get(ctx, id)
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, fromState(st))
		case !errors.Is(err, cache.ErrMiss):
			h.logger.Printf("warn: status cache read for %s: %v", id, err)
		}
	}
	if h.deps.Live != nil {
		if st, ok := h.deps.Live.GetStatus(id); ok {
			return c.JSON(http.StatusOK, runStatusResponse{
				RunID:       st.RunID,
				Goal:        st.Goal,
				Source:      statusSourceLive,
				Current:     st.Current,
				Phases:      st.Phases,
				StartedAt:   st.StartedAt,
				LastUpdated: st.LastUpdated,
			})
		}
	}
	if h.deps.Runs != nil {
		rec, err := h.deps.Runs.GetRun(ctx, id)
		if err == nil {
			return c.JSON(http.StatusOK, fromRecord(rec))
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "run not found")
}

func (h *RunsHandler) search(c echo.Context) error {
	if h.deps.Search == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search not configured")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, err := intParam(c, "limit", 10)
	if err != nil {
		return err
	}
	hits, err := h.deps.Search.Search(c.Request().Context(), q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, searchResponse{Query: q, Hits: hits})
}

func fromState(st cache.RunState) runStatusResponse {
	return runStatusResponse{
		RunID:       st.RunID,
		Goal:        st.Goal,
		Source:      statusSourceCache,
		Current:     st.Current,
		Phases:      st.Phases,
		Detail:      st.Detail,
		Done:        st.Done,
		Success:     st.Success,
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		LastUpdated: st.LastUpdated,
	}
}

func fromRecord(rec store.RunRecord) runStatusResponse {
	out := runStatusResponse{
		RunID:     rec.ID,
		Goal:      rec.Goal,
		Source:    statusSourceStore,
		Current:   core.Phase(rec.CurrentPhase),
		Phases:    rec.Phases,
		Done:      rec.Status != store.RunStatusRunning,
		Success:   rec.Success,
		Error:     rec.Error,
		StartedAt: rec.StartedAt,
	}
	out.LastUpdated = rec.StartedAt
	if rec.FinishedAt != nil {
		out.LastUpdated = *rec.FinishedAt
	}
	return out
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}
