package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Runs are long; reading more than a few at once only delays other workers.
const workerReadCount = 4

func workerCMD(load configLoader) *cobra.Command {
	var (
		noSchedule bool
		lockTTL    time.Duration
		interval   time.Duration
		backlog    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute queued runs and fire scheduled goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled() {
				return errors.New("worker requires storage.redis")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			in, err := openInfra(ctx, cfg, "dqagent-worker")
			if err != nil {
				return err
			}
			defer in.Close()

			idx, err := openIndex(cfg, in)
			if err != nil {
				return err
			}
			eng, err := buildEngine(ctx, in, engineOptions{index: idx})
			if err != nil {
				return err
			}

			stream := cfg.Streams.RunRequests
			if err := streams.EnsureGroup(ctx, in.redis, stream, cfg.Streams.ConsumerGroup); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			consumer := streams.NewConsumer(in.redis, in.registry, streams.ConsumerConfig{
				Group: cfg.Streams.ConsumerGroup,
				Name:  cfg.Streams.ConsumerName,
				Count: workerReadCount,
			}, newLogger("STREAMS"))
			monitor := streams.NewMonitor(consumer, stream, backlog, newLogger("STREAMS"))

			processor := worker.NewProcessor(newLogger("WORKER"), eng.orch, consumer, in.status, stream, lockTTL, in.meter, in.tracer)

			var sched *worker.Scheduler
			if !noSchedule && len(cfg.Schedules) > 0 {
				if sched, err = newScheduler(cfg, in, interval); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return processor.Start(gctx) })
			g.Go(func() error {
				monitor.Start(gctx)
				return nil
			})
			if sched != nil {
				g.Go(func() error {
					sched.Start(gctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not fire configured schedules from this worker")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", 2*time.Hour, "how long a run stays claimed by one worker")
	cmd.Flags().DurationVar(&interval, "schedule-interval", config.DefaultSchedulerInterval, "how often schedules are checked")
	cmd.Flags().DurationVar(&backlog, "backlog-interval", streams.DefaultBacklogInterval, "how often the run queue backlog is sampled")
	return cmd
}

func newScheduler(cfg *config.Config, in *infra, interval time.Duration) (*worker.Scheduler, error) {
	req := worker.StreamRequester{Publisher: in.publisher, Stream: cfg.Streams.RunRequests}
	return worker.NewScheduler(cfg.Schedules, req, in.status, interval, newLogger("SCHED"))
}
