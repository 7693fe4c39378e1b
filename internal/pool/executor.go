package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frostbyte73/core"
)

// Executor runs one task at a time. Implementations must survive task
// failures; only a dead underlying thread or process makes them
// unhealthy.
type Executor interface {
	// Start brings the executor up. The context carries the initialize
	// deadline; exceeding it must leave nothing running.
	Start(ctx context.Context) error

	// Run executes a task to completion or context cancellation.
	Run(ctx context.Context, task *taskRequest) *TaskResult

	// Ping verifies the executor still answers. Only called while idle.
	Ping(ctx context.Context) error

	// Alive reports whether the underlying thread or process can take
	// another task.
	Alive() bool

	// Close stops the executor, hard-terminating when the context
	// expires first.
	Close(ctx context.Context) error
}

type threadQuery struct {
	ctx    context.Context
	task   *taskRequest
	result chan *TaskResult
}

// threadExecutor runs tasks on a dedicated goroutine. The loop itself
// answers pings, so a responsive ping proves the executor can accept
// work.
type threadExecutor struct {
	log   *slog.Logger
	tasks chan threadQuery
	pings chan chan struct{}
	stop  core.Fuse
	done  chan struct{}
}

func newThreadExecutor(log *slog.Logger) *threadExecutor {
	return &threadExecutor{
		log:   log,
		tasks: make(chan threadQuery),
		pings: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
}

func (e *threadExecutor) Start(ctx context.Context) error {
	go e.loop()
	return nil
}

func (e *threadExecutor) loop() {
	defer close(e.done)
	for {
		select {
		case q := <-e.tasks:
			q.result <- runTask(q.ctx, q.task.id, q.task.entrypoint, q.task.args, q.task.timeout)
		case reply := <-e.pings:
			close(reply)
		case <-e.stop.Watch():
			return
		}
	}
}

func (e *threadExecutor) Run(ctx context.Context, task *taskRequest) *TaskResult {
	q := threadQuery{ctx: ctx, task: task, result: make(chan *TaskResult, 1)}
	select {
	case e.tasks <- q:
	case <-e.done:
		return failedResult(task.id, "executor stopped")
	case <-ctx.Done():
		return failedResult(task.id, ctx.Err().Error())
	}

	select {
	case res := <-q.result:
		return res
	case <-ctx.Done():
		return failedResult(task.id, ctx.Err().Error())
	}
}

func (e *threadExecutor) Ping(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case e.pings <- reply:
	case <-e.done:
		return errors.New("executor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *threadExecutor) Alive() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *threadExecutor) Close(ctx context.Context) error {
	e.stop.Break()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		// A task is still holding the loop; the goroutine is abandoned
		// and the resource replaced.
		return fmt.Errorf("thread executor close: %w", ctx.Err())
	}
}

var _ Executor = (*threadExecutor)(nil)
