package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/runtime"
	"github.com/mohammad-safakhou/dqagent/internal/search"
	srv "github.com/mohammad-safakhou/dqagent/internal/server"
	"github.com/mohammad-safakhou/dqagent/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const searchGroupPrefix = "dq-search-"

func serveCMD(load configLoader) *cobra.Command {
	var (
		addr  string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Run the HTTP API. With Redis configured, POST /api/runs queues runs for workers;\n" +
			"without it (or with --local) runs execute inside this process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Address
			}
			logger := newLogger("HTTP")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			in, err := openInfra(ctx, cfg, "dqagent-api")
			if err != nil {
				return err
			}
			defer in.Close()

			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil && !errors.Is(err, runtime.ErrNoSecret) {
				return err
			}
			idx, err := openIndex(cfg, in)
			if err != nil {
				return err
			}

			deps := srv.Deps{
				ReportsDir: cfg.Agents.ReportsDir,
				Secret:     secret,
				Logger:     logger,
			}
			if in.store != nil {
				deps.Runs = in.store
			}
			if in.status != nil {
				deps.Status = in.status
			}
			if idx != nil {
				deps.Search = idx
			}

			g, gctx := errgroup.WithContext(ctx)
			var localRunner *worker.LocalRequester
			if local || in.publisher == nil {
				eng, err := buildEngine(ctx, in, engineOptions{index: idx})
				if err != nil {
					return err
				}
				localRunner = &worker.LocalRequester{Runner: eng.orch}
				deps.Requester = localRunner
				deps.Live = eng.orch
				deps.Telemetry = eng.tele
				logger.Printf("runs execute in this process")
			} else {
				deps.Requester = worker.StreamRequester{Publisher: in.publisher, Stream: cfg.Streams.RunRequests}
				logger.Printf("runs are queued on %s", cfg.Streams.RunRequests)
				if deps.Queue, err = watchRunQueue(gctx, g, in); err != nil {
					return err
				}
				if idx != nil && in.store != nil {
					if err := followFinishedRuns(gctx, g, in, idx); err != nil {
						return err
					}
				}
			}

			e := srv.New(deps)
			g.Go(func() error { return srv.Run(gctx, e, addr, logger) })
			err = g.Wait()
			if localRunner != nil {
				logger.Printf("waiting for in-flight runs")
				localRunner.Wait()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	cmd.Flags().BoolVar(&local, "local", false, "execute runs in this process even when Redis is configured")
	return cmd
}

// watchRunQueue samples the backlog of the worker group for the ops API.
// Reading group info does not join the group.
func watchRunQueue(ctx context.Context, g *errgroup.Group, in *infra) (*streams.Monitor, error) {
	stream, group := in.cfg.Streams.RunRequests, in.cfg.Streams.ConsumerGroup
	if err := streams.EnsureGroup(ctx, in.redis, stream, group); err != nil {
		return nil, fmt.Errorf("ensure group %s: %w", group, err)
	}
	host, _ := os.Hostname()
	reader := streams.NewConsumer(in.redis, nil, streams.ConsumerConfig{Group: group, Name: host}, newLogger("STREAMS"))
	m := streams.NewMonitor(reader, stream, 0, newLogger("STREAMS"))
	g.Go(func() error {
		m.Start(ctx)
		return nil
	})
	return m, nil
}

// followFinishedRuns backfills the index from run history and keeps it current
// from run.finished events published by workers.
func followFinishedRuns(ctx context.Context, g *errgroup.Group, in *infra, idx *search.Index) error {
	n, err := idx.Backfill(ctx, in.store)
	if err != nil {
		return err
	}
	newLogger("SEARCH").Printf("backfilled %d runs", n)

	host, _ := os.Hostname()
	group := searchGroupPrefix + host
	stream := in.cfg.Streams.RunEvents
	if err := streams.EnsureGroup(ctx, in.redis, stream, group); err != nil {
		return fmt.Errorf("ensure group %s: %w", group, err)
	}
	consumer := streams.NewConsumer(in.redis, in.registry, streams.ConsumerConfig{Group: group, Name: host, Count: 16}, newLogger("STREAMS"))
	g.Go(func() error { return idx.Follow(ctx, consumer, stream, in.store) })
	return nil
}
