package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dqagent/internal/cache"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
	"github.com/mohammad-safakhou/dqagent/internal/search"
	"github.com/mohammad-safakhou/dqagent/internal/store"
	"github.com/mohammad-safakhou/dqagent/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// RunRepository reads run history.
type RunRepository interface {
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]store.RunRecord, error)
}

// StatusCache reads and seeds live run status shared between processes.
type StatusCache interface {
	Get(ctx context.Context, runID string) (cache.RunState, error)
	MarkQueued(ctx context.Context, runID, goal string) error
}

// LiveStatus reports runs executing in this process.
type LiveStatus interface {
	GetStatus(runID string) (core.RunStatus, bool)
	ActiveRuns() []string
}

// Searcher queries the index of finished runs.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]search.Hit, error)
}

// QueueBacklog reports the latest sampled backlog of the run request queue.
type QueueBacklog interface {
	Last() (streams.Backlog, bool)
}

// Deps are the collaborators of the HTTP API. Everything but Requester may be
// nil; endpoints backed by a missing dependency answer 503.
type Deps struct {
	Runs       RunRepository
	Status     StatusCache
	Live       LiveStatus
	Search     Searcher
	Requester  worker.Requester
	Queue      QueueBacklog
	Telemetry  *telemetry.Telemetry
	ReportsDir string
	// Secret enables bearer token auth on /api and /reports when set.
	Secret   []byte
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

// New builds the echo instance with every route mounted.
func New(deps Deps) *echo.Echo {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	metrics := promhttp.Handler()
	if deps.Gatherer != nil {
		metrics = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	var auth []echo.MiddlewareFunc
	if len(deps.Secret) > 0 {
		auth = append(auth, runtime.EchoAuthMiddleware(deps.Secret))
	} else {
		logger.Printf("warn: server.jwt_secret not set, API is unauthenticated")
	}

	api := e.Group("/api", auth...)
	rh := &RunsHandler{deps: deps, logger: logger}
	rh.Register(api.Group("/runs"))
	oh := &OpsHandler{tele: deps.Telemetry, live: deps.Live, queue: deps.Queue}
	oh.Register(api.Group("/ops"))

	reports := &ReportsHandler{dir: deps.ReportsDir}
	reports.Register(e.Group("/reports", auth...))
	return e
}

func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
				return
			}
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
}

// Run serves e on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
