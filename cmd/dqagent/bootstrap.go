package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/agents"
	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dqagent/internal/cache"
	"github.com/mohammad-safakhou/dqagent/internal/export"
	"github.com/mohammad-safakhou/dqagent/internal/profiling"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
	"github.com/mohammad-safakhou/dqagent/internal/search"
	"github.com/mohammad-safakhou/dqagent/internal/store"
	"github.com/mohammad-safakhou/dqagent/internal/warehouse"
	"github.com/mohammad-safakhou/dqagent/provider"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// infra holds the shared connections every command may use. Optional parts are
// nil when their config section is empty.
type infra struct {
	cfg       *config.Config
	otel      *runtime.Telemetry
	meter     otelmetric.Meter
	tracer    trace.Tracer
	store     *store.Store
	redis     *redis.Client
	status    *cache.StatusCache
	publisher *streams.Publisher
	registry  *streams.SchemaRegistry
	closers   []func()
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags)
}

func openInfra(ctx context.Context, cfg *config.Config, service string) (*infra, error) {
	in := &infra{cfg: cfg}
	tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: service, ServiceVersion: version})
	if err != nil {
		return nil, err
	}
	in.otel, in.meter, in.tracer = tel, meter, tracer
	in.closers = append(in.closers, func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	})

	if cfg.Storage.Postgres.Enabled() {
		if cfg.Server.AutoMigrate {
			if err := migrateUp(cfg); err != nil {
				in.Close()
				return nil, err
			}
		}
		st, err := store.New(ctx, cfg.Storage.Postgres, newLogger("STORE"))
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("run history: %w", err)
		}
		in.store = st
		in.closers = append(in.closers, func() { _ = st.Close() })
	}

	if cfg.Storage.Redis.Enabled() {
		rdb, err := cache.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.redis = rdb
		in.closers = append(in.closers, func() { _ = rdb.Close() })
		in.status = cache.NewStatusCache(rdb, cfg.Storage.Redis.StatusTTL, newLogger("CACHE"))

		reg, err := streams.NewBaseRegistry()
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("event schemas: %w", err)
		}
		in.registry = reg
		in.publisher = streams.NewPublisher(rdb, reg, cfg.Streams.MaxLen)
		newLogger("STREAMS").Printf("run event schemas: %s", strings.Join(reg.Events(), ", "))
	}
	return in, nil
}

// Close releases everything in reverse order of opening.
func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// engine is the orchestrator with its agents and the observers it reports to.
type engine struct {
	orch      *core.Orchestrator
	tele      *telemetry.Telemetry
	warehouse *warehouse.Warehouse
	index     *search.Index
}

type engineOptions struct {
	console io.Writer
	// index receives finished runs when non-nil.
	index *search.Index
}

func buildEngine(ctx context.Context, in *infra, opts engineOptions) (*engine, error) {
	cfg := in.cfg
	tele := telemetry.NewTelemetry(cfg.Telemetry)
	in.closers = append(in.closers, tele.Shutdown)

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	wh, err := warehouse.Open(ctx, cfg.Warehouse, newLogger("WAREHOUSE"))
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, func() { _ = wh.Close() })

	metadata := warehouse.LoadMetadata(cfg.Warehouse.MetadataFile, newLogger("WAREHOUSE"))
	profiler := profiling.New(wh, cfg.Agents.ReportsDir, cfg.Warehouse.ProfileMaxRows, newLogger("PROFILING"))

	set, err := agents.NewSet(cfg, agents.Deps{
		Provider:  llm,
		Warehouse: wh,
		Profiler:  profiler,
		Metadata:  metadata,
		Telemetry: tele,
	})
	if err != nil {
		return nil, err
	}

	orch, err := core.NewOrchestrator(set, core.Options{
		ReportsDir: cfg.Agents.ReportsDir,
		Console:    opts.console,
		Ceilings: core.Ceilings{
			Planning:      cfg.Agents.PlanningMaxMessages,
			Investigation: cfg.Agents.InvestigationMaxMessages,
			Analysis:      cfg.Agents.AnalysisMaxMessages,
			Reporting:     cfg.Agents.ReportingMaxMessages,
		},
		MaxConcurrentTasks: cfg.Agents.MaxConcurrentTasks,
		TaskTimeout:        cfg.Agents.TaskTimeout,
	}, newLogger("ORCH"), tele)
	if err != nil {
		return nil, err
	}

	// Observers run in registration order; the PDF must exist before the run is announced.
	if cfg.Report.PDFExport {
		orch.AddObserver(export.NewPDFExporter(cfg.Report, newLogger("EXPORT")))
	}
	if in.store != nil {
		orch.AddObserver(in.store)
	}
	if in.status != nil {
		orch.AddObserver(in.status)
	}
	if in.publisher != nil {
		orch.AddObserver(streams.NewEventObserver(in.publisher, cfg.Streams.RunEvents, newLogger("EVENTS")))
	}
	if opts.index != nil {
		orch.AddObserver(opts.index)
	}
	return &engine{orch: orch, tele: tele, warehouse: wh, index: opts.index}, nil
}

func openIndex(cfg *config.Config, in *infra) (*search.Index, error) {
	if !cfg.Search.Enabled {
		return nil, nil
	}
	idx, err := search.Open(cfg.Search, newLogger("SEARCH"))
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, func() { _ = idx.Close() })
	return idx, nil
}
