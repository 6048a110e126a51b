// Package worker runs task units on a bounded goroutine pool with
// failure isolation: one task failing, or even panicking, never stops
// the others. Cancellation is cooperative and coarse: once the run
// context is cancelled no further tasks are dispatched, while tasks
// already in flight run to completion so their paid-for fetches reach
// the archive.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/pkg/types"
)

// DefaultPoolSize is the worker count when none is configured. The
// court portal tolerates very little parallelism before rate limiting,
// so the default is deliberately small.
const DefaultPoolSize = 2

// Handler processes one task unit.
type Handler func(ctx context.Context, task types.Task) error

// Result pairs a task with its failure.
type Result struct {
	Task types.Task
	Err  error
}

// Summary reports what a Run did.
type Summary struct {
	// Dispatched counts tasks handed to workers.
	Dispatched int
	// Succeeded counts tasks whose handler returned nil.
	Succeeded int
	// Failed holds one entry per failed task.
	Failed []Result
	// Cancelled is true when the context ended before every task was
	// dispatched.
	Cancelled bool
}

// OK reports whether every planned task was dispatched and succeeded.
func (s Summary) OK() bool {
	return !s.Cancelled && len(s.Failed) == 0
}

// Pool is a fixed-size task pool.
type Pool struct {
	size    int
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewPool creates a pool of size workers.
func NewPool(size int, metrics *observability.Metrics, logger *zap.Logger) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &Pool{size: size, metrics: metrics, logger: logger}
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return p.size
}

// Run feeds tasks to the pool and blocks until every dispatched task
// finished. Cancelling ctx stops dispatch between tasks; handlers are
// invoked with cancellation masked so an in-flight task completes its
// unit of work instead of aborting halfway through a fetch.
func (p *Pool) Run(ctx context.Context, tasks []types.Task, handle Handler) Summary {
	queue := make(chan types.Task)
	var wg sync.WaitGroup
	var mu sync.Mutex
	summary := Summary{}

	// Values (and nothing else) flow from the run context into tasks.
	taskCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				p.metrics.ActiveWorkers.Inc()
				err := p.handleSafely(taskCtx, task, handle)
				p.metrics.ActiveWorkers.Dec()

				mu.Lock()
				if err != nil {
					summary.Failed = append(summary.Failed, Result{Task: task, Err: err})
					p.metrics.TasksTotal.WithLabelValues("failed").Inc()
					p.logger.Error("task failed",
						zap.String("task", task.Key()),
						zap.Error(err))
				} else {
					summary.Succeeded++
					p.metrics.TasksTotal.WithLabelValues("ok").Inc()
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			summary.Cancelled = true
			p.logger.Info("dispatch stopped, letting in-flight tasks finish",
				zap.Int("dispatched", summary.Dispatched),
				zap.Int("remaining", len(tasks)-summary.Dispatched))
			break dispatch
		case queue <- task:
			summary.Dispatched++
		}
	}
	close(queue)
	wg.Wait()

	return summary
}

// handleSafely converts a handler panic into a failed task.
func (p *Pool) handleSafely(ctx context.Context, task types.Task, handle Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: task %s panicked: %v", task.Key(), r)
		}
	}()
	return handle(ctx, task)
}
