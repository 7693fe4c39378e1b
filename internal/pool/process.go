package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// processExecutor runs tasks in a child process spawned from this
// binary in runner mode, talking line-delimited JSON over its pipes.
// One task is in flight at a time; a task abandoned on timeout leaves
// the protocol out of step, so the executor is poisoned and replaced
// instead of reused.
type processExecutor struct {
	log  *slog.Logger
	path string
	args []string
	env  []string

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	writeMu sync.Mutex

	ready   chan struct{}
	results chan *ipcResponse
	pongs   chan *ipcResponse
	dead    chan struct{}
	exited  chan struct{}
	exitErr error

	poisoned atomic.Bool
}

func newProcessExecutor(log *slog.Logger, args, env []string) (*processExecutor, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &processExecutor{
		log:     log,
		path:    path,
		args:    args,
		env:     env,
		ready:   make(chan struct{}),
		results: make(chan *ipcResponse, 1),
		pongs:   make(chan *ipcResponse, 1),
		dead:    make(chan struct{}),
		exited:  make(chan struct{}),
	}, nil
}

func (e *processExecutor) Start(ctx context.Context) error {
	cmd := exec.Command(e.path, e.args...)
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner process: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.enc = json.NewEncoder(stdin)
	go e.readLoop(stdout)
	go func() {
		e.exitErr = cmd.Wait()
		close(e.exited)
	}()

	e.log.Debug("runner process started", slog.Int("pid", cmd.Process.Pid))

	select {
	case <-e.ready:
		return nil
	case <-e.dead:
		return errors.New("runner process exited before ready")
	case <-ctx.Done():
		e.kill()
		return fmt.Errorf("runner process not ready: %w", ctx.Err())
	}
}

// readLoop routes child frames. It is the only reader, so the ready
// channel close is race-free.
func (e *processExecutor) readLoop(r io.Reader) {
	defer close(e.dead)
	dec := json.NewDecoder(r)
	for {
		resp := new(ipcResponse)
		if err := dec.Decode(resp); err != nil {
			return
		}
		switch resp.Type {
		case ipcReady:
			select {
			case <-e.ready:
			default:
				close(e.ready)
			}
		case ipcResult:
			select {
			case e.results <- resp:
			default:
				// Result of a task already abandoned on timeout.
			}
		case ipcPong:
			select {
			case e.pongs <- resp:
			default:
			}
		default:
			e.log.Warn("unknown runner frame", slog.String("type", resp.Type))
		}
	}
}

func (e *processExecutor) Run(ctx context.Context, task *taskRequest) *TaskResult {
	req := &ipcRequest{
		Type:       ipcTask,
		TaskID:     task.id,
		Entrypoint: task.entrypoint,
		Args:       task.args,
	}
	if task.timeout > 0 {
		req.TimeoutMs = task.timeout.Milliseconds()
	}
	if err := e.send(req); err != nil {
		return failedResult(task.id, fmt.Sprintf("send task: %v", err))
	}

	select {
	case resp := <-e.results:
		return &TaskResult{
			TaskID:        resp.TaskID,
			Status:        resp.Status,
			Result:        resp.Result,
			Error:         resp.Error,
			ExecutionTime: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
		}
	case <-e.dead:
		return failedResult(task.id, "runner process exited")
	case <-ctx.Done():
		e.poisoned.Store(true)
		return failedResult(task.id, ctx.Err().Error())
	}
}

func (e *processExecutor) Ping(ctx context.Context) error {
	if err := e.send(&ipcRequest{Type: ipcPing, Timestamp: time.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	select {
	case <-e.pongs:
		return nil
	case <-e.dead:
		return errors.New("runner process exited")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *processExecutor) Alive() bool {
	if e.poisoned.Load() {
		return false
	}
	select {
	case <-e.exited:
		return false
	default:
		return e.cmd != nil
	}
}

// Close asks the child to exit by closing stdin, then kills it when the
// close deadline passes first.
func (e *processExecutor) Close(ctx context.Context) error {
	if e.cmd == nil {
		return nil
	}
	e.writeMu.Lock()
	e.stdin.Close()
	e.writeMu.Unlock()

	select {
	case <-e.exited:
		return nil
	case <-ctx.Done():
		e.kill()
		<-e.exited
		return fmt.Errorf("runner close: %w", ctx.Err())
	}
}

func (e *processExecutor) send(req *ipcRequest) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.enc.Encode(req)
}

func (e *processExecutor) kill() {
	if e.cmd != nil && e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}

var _ Executor = (*processExecutor)(nil)
