package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/dqagent/config"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB     *sql.DB
	logger *log.Logger
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	costCounter, err = meter.Float64Counter("dq_run_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("dq_run_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New opens the run history database described by cfg.
func New(ctx context.Context, cfg config.PostgresConfig, logger *log.Logger) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN(), logger)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an open handle.
func NewWithDB(db *sql.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stdout, "[STORE] ", log.LstdFlags)
	}
	return &Store{DB: db, logger: logger}
}

func (s *Store) Close() error { return s.DB.Close() }
