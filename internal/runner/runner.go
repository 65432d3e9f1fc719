// Package runner executes delivery work on a bounded pool of workers and
// lets synchronous callers wait for a single operation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	MinWorkers = 1
	MaxWorkers = 100
)

var (
	// ErrRunnerStopped is an internal fault: the runner went away before a
	// task it accepted had finished. Block panics with an error wrapping it.
	ErrRunnerStopped = errors.New("runner stopped before the task completed")

	ErrInvalidWorkerCount = fmt.Errorf("worker count must be between %d and %d", MinWorkers, MaxWorkers)
)

// Task is a unit of work. ctx is the runner's context.
type Task func(ctx context.Context)

// Runner is a fixed-size worker pool fed by a buffered queue.
type Runner struct {
	workers int
	tasks   chan Task
	dead    chan struct{}

	ctx     context.Context
	started bool
	stopped bool
	mu      sync.RWMutex

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a runner with the given number of workers. The queue holds as
// many tasks as there are workers.
func New(workers int) (*Runner, error) {
	if workers < MinWorkers || workers > MaxWorkers {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, workers)
	}
	return &Runner{
		workers: workers,
		tasks:   make(chan Task, workers),
		dead:    make(chan struct{}),
		ctx:     context.Background(),
	}, nil
}

// Start launches the workers. Cancelling ctx stops them after their current
// task; queued tasks are then dropped. Calling Start more than once has no
// effect.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.ctx = ctx

	slog.Debug("starting runner", "workers", r.workers)
	for i := 1; i <= r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	go func() {
		r.wg.Wait()
		close(r.dead)
	}()
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("runner context done, worker stopping", "worker", id)
			return
		case task, ok := <-r.tasks:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				slog.Warn("runner context done, dropping queued task", "worker", id)
				return
			}
			task(ctx)
		}
	}
}

// Submit queues task. It blocks while the queue is full and fails with
// ErrRunnerStopped if the runner is not running.
func (r *Runner) Submit(task Task) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.stopped {
		return fmt.Errorf("%w: not running", ErrRunnerStopped)
	}

	select {
	case r.tasks <- task:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("%w: %w", ErrRunnerStopped, r.ctx.Err())
	}
}

// Stop refuses new tasks, lets the workers drain the queue and waits for
// them to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		started := r.started
		close(r.tasks)
		r.mu.Unlock()

		if !started {
			close(r.dead)
			return
		}
		r.wg.Wait()
		slog.Debug("runner stopped")
	})
}

// Done is closed once every worker has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.dead
}

type result[T any] struct {
	value T
	err   error
}

// Block runs op on r and waits for it. op's own error is returned as is. If
// r cannot run op to completion, Block panics with an error wrapping
// ErrRunnerStopped, since the caller has no way to recover the lost work.
func Block[T any](ctx context.Context, r *Runner, op func(ctx context.Context) (T, error)) (T, error) {
	done := make(chan result[T], 1)

	err := r.Submit(func(context.Context) {
		v, err := op(ctx)
		done <- result[T]{value: v, err: err}
	})
	if err != nil {
		panic(err)
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-r.dead:
	}

	// A worker may have finished the task right before exiting.
	select {
	case res := <-done:
		return res.value, res.err
	default:
		panic(fmt.Errorf("%w: task was dropped", ErrRunnerStopped))
	}
}
