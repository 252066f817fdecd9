// Package dispatch shards a Config's filters across a bounded pool of
// workers and returns the verdict of the first filter that produces a
// non-NONE action, cancelling the remaining workers.
package dispatch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nsmail/milteragent/internal/rules"
)

// maxWorkers bounds parallelism regardless of GOMAXPROCS; a milter agent
// handles many concurrent connections and should not let one message's
// filter set monopolize every core.
const maxWorkers = 8

func workerCount(n int) int {
	w := runtime.GOMAXPROCS(0)
	if w > maxWorkers {
		w = maxWorkers
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Result is the outcome of evaluating one Filter.
type Result struct {
	Filter *rules.Filter
	Action rules.Action
}

// firstResult is a sync.Once-guarded slot so "first publisher wins" is
// exact: once Set succeeds, every later call is a no-op.
type firstResult struct {
	once  sync.Once
	value Result
	set   bool
}

func (f *firstResult) Set(r Result) {
	f.once.Do(func() {
		f.value = r
		f.set = true
	})
}

// Evaluate runs every filter in filters (in config order, sharded across
// workers) against view. If filters is empty it returns rules.ActionNone
// immediately without spawning any worker (Property 4). As soon as one
// filter resolves to a non-NONE action, the cancellation flag is set so
// in-flight and not-yet-started filter evaluations stop early; exactly one
// such result is returned even if several filters match concurrently
// (Property 6).
func Evaluate(ctx context.Context, filters []*rules.Filter, view map[string]string) (Result, error) {
	if len(filters) == 0 {
		return Result{Action: rules.ActionNone}, nil
	}

	var cancelled atomic.Bool
	cancelledFn := cancelled.Load

	var winner firstResult
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan *rules.Filter)
	workers := workerCount(len(filters))
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case f, ok := <-jobs:
					if !ok {
						return nil
					}
					if cancelled.Load() {
						continue
					}
					action, err := f.Evaluate(view, cancelledFn)
					if err != nil {
						return err
					}
					if action != rules.ActionNone {
						cancelled.Store(true)
						winner.Set(Result{Filter: f, Action: action})
					}
				}
			}
		})
	}

feed:
	for _, f := range filters {
		select {
		case jobs <- f:
		case <-gctx.Done():
			break feed
		}
	}
	close(jobs)

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if winner.set {
		return winner.value, nil
	}
	return Result{Action: rules.ActionNone}, nil
}
