package core

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// TaskFunc is one unit of a JoinAll batch. ok=false with a nil error means the
// task finished without producing a value.
type TaskFunc[T any] func(ctx context.Context) (T, bool, error)

// Outcome is the per-task result of JoinAll.
type Outcome[T any] struct {
	Index int
	Value T
	OK    bool
	Err   error
}

// JoinAll runs every task concurrently and waits for all of them. Outcomes are
// returned in task order regardless of completion order. A failing or panicking
// task never cancels its siblings: every branch of the group returns nil and the
// tasks share the caller's context. limit > 0 caps the number of tasks in flight.
func JoinAll[T any](ctx context.Context, limit int, tasks []TaskFunc[T]) []Outcome[T] {
	outcomes := make([]Outcome[T], len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			out := Outcome[T]{Index: i}
			defer func() {
				if r := recover(); r != nil {
					out.Err = fmt.Errorf("task %d panicked: %v\n%s", i, r, debug.Stack())
					out.OK = false
				}
				// each goroutine owns its own slot
				outcomes[i] = out
			}()
			out.Value, out.OK, out.Err = task(ctx)
			if out.Err != nil {
				out.OK = false
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Collect splits outcomes into the produced values and the failures.
func Collect[T any](outcomes []Outcome[T]) (values []T, failed []Outcome[T]) {
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed = append(failed, o)
		case o.OK:
			values = append(values, o.Value)
		}
	}
	return values, failed
}
