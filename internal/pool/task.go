// Package pool manages a set of task executors, either goroutines or
// child processes running the same binary in runner mode. Workers use
// it to keep warm capacity for model-bearing tasks: a process executor
// isolates native SDK state, and an optional dedicated inference
// executor loads heavy models exactly once.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ExecutorKind selects how tasks are isolated.
type ExecutorKind string

const (
	KindThread  ExecutorKind = "thread"
	KindProcess ExecutorKind = "process"
)

// TaskKindInference routes a task to the dedicated inference executor
// when the pool maintains one.
const TaskKindInference = "inference"

// TaskStatus is the terminal state of a task attempt.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskConfig describes one unit of work handed to Execute.
type TaskConfig struct {
	// ID identifies the task across the process boundary. Generated
	// when empty.
	ID string

	// Kind routes the task; TaskKindInference targets the dedicated
	// inference executor, anything else an arbitrary idle executor.
	Kind string

	// RetryCount is how many times a failed task is retried, with
	// linear backoff between attempts.
	RetryCount int

	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
}

// TaskResult reports the outcome of a task.
type TaskResult struct {
	TaskID        string
	Status        TaskStatus
	Result        json.RawMessage
	Error         string
	ExecutionTime time.Duration
}

// TaskFunc is a registered entrypoint. Args arrive as the JSON given to
// Execute; the returned value is marshaled into TaskResult.Result.
type TaskFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Entrypoints are registered by name so both thread executors and
// runner child processes, which share this binary, resolve the same
// functions.
var taskRegistry = struct {
	mu  sync.RWMutex
	fns map[string]TaskFunc
}{fns: make(map[string]TaskFunc)}

// RegisterTask makes fn callable from any executor under the given
// name. Registration happens at init time; duplicate names panic.
func RegisterTask(name string, fn TaskFunc) {
	if name == "" || fn == nil {
		panic("pool: RegisterTask requires a name and a function")
	}
	taskRegistry.mu.Lock()
	defer taskRegistry.mu.Unlock()
	if _, exists := taskRegistry.fns[name]; exists {
		panic(fmt.Sprintf("pool: task %q registered twice", name))
	}
	taskRegistry.fns[name] = fn
}

func registeredTask(name string) (TaskFunc, bool) {
	taskRegistry.mu.RLock()
	defer taskRegistry.mu.RUnlock()
	fn, ok := taskRegistry.fns[name]
	return fn, ok
}

// taskRequest is the executor-facing form of a task, args already
// marshaled.
type taskRequest struct {
	id         string
	entrypoint string
	args       json.RawMessage
	timeout    time.Duration
}

// runTask resolves and invokes an entrypoint, converting panics, errors
// and unknown names into failed results.
func runTask(ctx context.Context, taskID, entrypoint string, args json.RawMessage, timeout time.Duration) *TaskResult {
	start := time.Now()
	fn, ok := registeredTask(entrypoint)
	if !ok {
		res := failedResult(taskID, fmt.Sprintf("unknown entrypoint %q", entrypoint))
		res.ExecutionTime = time.Since(start)
		return res
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := invokeTask(ctx, fn, args)
	res := &TaskResult{TaskID: taskID, ExecutionTime: time.Since(start)}
	if err != nil {
		res.Status = TaskFailed
		res.Error = err.Error()
		return res
	}
	if out != nil {
		data, merr := json.Marshal(out)
		if merr != nil {
			res.Status = TaskFailed
			res.Error = fmt.Sprintf("marshal task result: %v", merr)
			return res
		}
		res.Result = data
	}
	res.Status = TaskCompleted
	return res
}

func invokeTask(ctx context.Context, fn TaskFunc, args json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}

func failedResult(taskID, msg string) *TaskResult {
	return &TaskResult{TaskID: taskID, Status: TaskFailed, Error: msg}
}
