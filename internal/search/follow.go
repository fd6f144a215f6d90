package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/mohammad-safakhou/dqagent/internal/store"
)

const backfillLimit = 500

// RunLoader reads finished runs from the run history.
type RunLoader interface {
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]store.RunRecord, error)
}

// EventSource is the part of streams.Consumer the follower reads from.
type EventSource interface {
	Read(ctx context.Context, stream string) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Backfill indexes the most recent finished runs from history.
func (x *Index) Backfill(ctx context.Context, runs RunLoader) (int, error) {
	recs, err := runs.ListRuns(ctx, backfillLimit, 0)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if rec.Status == store.RunStatusRunning {
			continue
		}
		if err := x.indexRecord(ctx, runs, rec.ID); err != nil {
			x.logger.Printf("backfill run %s: %v", rec.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// Follow indexes runs as run.finished events arrive on stream, loading each
// full result from runs. It blocks until ctx is cancelled.
func (x *Index) Follow(ctx context.Context, src EventSource, stream string, runs RunLoader) error {
	x.logger.Printf("following %s for finished runs", stream)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := src.Read(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			x.logger.Printf("error reading stream: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			x.handleEvent(ctx, runs, msg)
			if err := src.Ack(context.WithoutCancel(ctx), stream, msg.ID); err != nil {
				x.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (x *Index) handleEvent(ctx context.Context, runs RunLoader, msg streams.Message) {
	if msg.Envelope.Type != streams.EventRunFinished {
		return
	}
	var ev streams.RunFinished
	if err := msg.Envelope.Decode(&ev); err != nil {
		x.logger.Printf("skip message %s: %v", msg.ID, err)
		return
	}
	if err := x.indexRecord(ctx, runs, ev.RunID); err != nil {
		x.logger.Printf("index run %s: %v", ev.RunID, err)
		return
	}
	x.logger.Printf("indexed run %s", ev.RunID)
}

func (x *Index) indexRecord(ctx context.Context, runs RunLoader, id string) error {
	rec, err := runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if rec.Result == nil {
		return errors.New("run has no stored result")
	}
	return x.IndexRun(*rec.Result)
}
