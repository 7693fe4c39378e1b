package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

var (
	flakyCalls   atomic.Int32
	gaugeCurrent atomic.Int32
	gaugeMax     atomic.Int32

	// Remade by each test that runs the block task.
	blockStarted chan struct{}
	blockRelease chan struct{}
)

func init() {
	RegisterTask("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})
	RegisterTask("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("boom")
	})
	RegisterTask("panic", func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	RegisterTask("sleep", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Ms int64 `json:"ms"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
		}
		select {
		case <-time.After(time.Duration(in.Ms) * time.Millisecond):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	RegisterTask("flaky", func(context.Context, json.RawMessage) (any, error) {
		n := flakyCalls.Add(1)
		if n < 3 {
			return nil, fmt.Errorf("flaky failure %d", n)
		}
		return n, nil
	})
	RegisterTask("gauge", func(context.Context, json.RawMessage) (any, error) {
		cur := gaugeCurrent.Add(1)
		defer gaugeCurrent.Add(-1)
		for {
			max := gaugeMax.Load()
			if cur <= max || gaugeMax.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	})
	RegisterTask("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case blockStarted <- struct{}{}:
		default:
		}
		select {
		case <-blockRelease:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	RegisterTask("exit", exitTask)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.retryUnit = time.Millisecond
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func waitFor(t *testing.T, d time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestNewDefaults(t *testing.T) {
	is := is.New(t)

	p, err := New(Options{Logger: discardLogger()})
	is.NoErr(err)
	is.Equal(p.opts.Kind, KindThread)
	is.Equal(p.opts.MaxResources, 4)
	is.Equal(p.opts.InitializeTimeout, 10*time.Second)
	is.Equal(p.opts.CloseTimeout, 10*time.Second)
	is.Equal(p.opts.PingInterval, 30*time.Second)
	is.Equal(p.opts.RunnerArgs, []string{"runner"})
}

func TestNewClampsIdleTarget(t *testing.T) {
	is := is.New(t)

	p, err := New(Options{NumIdle: 9, MaxResources: 2, Logger: discardLogger()})
	is.NoErr(err)
	is.Equal(p.opts.NumIdle, 2)

	p, err = New(Options{NumIdle: -1, Logger: discardLogger()})
	is.NoErr(err)
	is.Equal(p.opts.NumIdle, 0)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Options{Kind: ExecutorKind("fiber")})
	if err == nil {
		t.Fatal("expected an error for an unknown executor kind")
	}
}

func TestPoolExecute(t *testing.T) {
	p := newTestPool(t, Options{NumIdle: 1, MaxResources: 2})

	res := p.Execute(context.Background(), TaskConfig{}, "echo", map[string]any{"text": "hello"})
	if res.Status != TaskCompleted {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
	if got := string(res.Result); got != `{"text":"hello"}` {
		t.Errorf("result = %s", got)
	}
	if res.TaskID == "" {
		t.Error("expected a generated task id")
	}
	if res.ExecutionTime <= 0 {
		t.Error("expected a positive execution time")
	}
}

func TestPoolExecuteUnknownEntrypoint(t *testing.T) {
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{}, "missing", nil)
	if res.Status != TaskFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "unknown entrypoint") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestPoolExecuteTaskError(t *testing.T) {
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{ID: "t-boom"}, "boom", nil)
	if res.Status != TaskFailed || res.Error != "boom" {
		t.Fatalf("result = %+v", res)
	}
	if res.TaskID != "t-boom" {
		t.Errorf("task id = %q", res.TaskID)
	}
}

func TestPoolExecuteRecoversPanic(t *testing.T) {
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{}, "panic", nil)
	if res.Status != TaskFailed || !strings.Contains(res.Error, "task panicked") {
		t.Fatalf("result = %+v", res)
	}

	// The executor survives a panicking task.
	res = p.Execute(context.Background(), TaskConfig{}, "echo", "ok")
	if res.Status != TaskCompleted {
		t.Fatalf("follow-up status = %q, error = %q", res.Status, res.Error)
	}
}

func TestPoolRetriesFailedTask(t *testing.T) {
	flakyCalls.Store(0)
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{RetryCount: 3}, "flaky", nil)
	if res.Status != TaskCompleted {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
	if got := flakyCalls.Load(); got != 3 {
		t.Errorf("task ran %d times, want 3", got)
	}
}

func TestPoolRetryExhausted(t *testing.T) {
	flakyCalls.Store(0)
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{RetryCount: 1}, "flaky", nil)
	if res.Status != TaskFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Error != "flaky failure 2" {
		t.Errorf("error = %q", res.Error)
	}
	if got := flakyCalls.Load(); got != 2 {
		t.Errorf("task ran %d times, want 2", got)
	}
}

func TestPoolTaskTimeout(t *testing.T) {
	p := newTestPool(t, Options{MaxResources: 1})

	res := p.Execute(context.Background(), TaskConfig{Timeout: 20 * time.Millisecond}, "sleep",
		map[string]any{"ms": 500})
	if res.Status != TaskFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "deadline exceeded") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestPoolSingleTaskPerExecutor(t *testing.T) {
	gaugeCurrent.Store(0)
	gaugeMax.Store(0)
	p := newTestPool(t, Options{MaxResources: 1})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := p.Execute(context.Background(), TaskConfig{}, "gauge", nil); res.Status != TaskCompleted {
				t.Errorf("gauge task failed: %s", res.Error)
			}
		}()
	}
	wg.Wait()

	if got := gaugeMax.Load(); got != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", got)
	}
}

func TestPoolGrowsToLimit(t *testing.T) {
	p := newTestPool(t, Options{NumIdle: 0, MaxResources: 3})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Execute(context.Background(), TaskConfig{}, "sleep", map[string]any{"ms": 300})
			if res.Status != TaskCompleted {
				t.Errorf("sleep task failed: %s", res.Error)
			}
		}()
	}

	waitFor(t, 2*time.Second, "pool to grow to three busy executors", func() bool {
		s := p.Stats()
		return s.Total == 3 && s.Busy == 3
	})
	wg.Wait()

	waitFor(t, 2*time.Second, "executors to return to idle", func() bool {
		s := p.Stats()
		return s.Total == 3 && s.Idle == 3
	})
}

func TestPoolReplacesUnhealthyExecutor(t *testing.T) {
	p := newTestPool(t, Options{NumIdle: 1, MaxResources: 2, PingInterval: 20 * time.Millisecond})

	p.mu.Lock()
	orig := p.resources[0]
	p.mu.Unlock()

	// Stop the executor out from under the pool; the next health check
	// prunes it and spawns a replacement.
	if err := orig.exec.Close(context.Background()); err != nil {
		t.Fatalf("close executor: %v", err)
	}

	waitFor(t, 2*time.Second, "a replacement executor", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.resources) == 1 && p.resources[0] != orig && p.resources[0].Status() == ResourceIdle
	})

	res := p.Execute(context.Background(), TaskConfig{}, "echo", "alive")
	if res.Status != TaskCompleted {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
}

func TestPoolInferenceExecutor(t *testing.T) {
	blockStarted = make(chan struct{}, 1)
	blockRelease = make(chan struct{})
	p := newTestPool(t, Options{NumIdle: 1, MaxResources: 2, Inference: true})

	done := make(chan *TaskResult, 1)
	go func() {
		done <- p.Execute(context.Background(), TaskConfig{Kind: TaskKindInference}, "block", nil)
	}()
	<-blockStarted

	if got := p.Stats().InferenceStatus; got != ResourceBusy {
		t.Fatalf("inference status = %q, want busy", got)
	}

	// General tasks keep flowing while inference is occupied.
	res := p.Execute(context.Background(), TaskConfig{}, "echo", "general")
	if res.Status != TaskCompleted {
		t.Fatalf("general task status = %q, error = %q", res.Status, res.Error)
	}

	close(blockRelease)
	inf := <-done
	if inf.Status != TaskCompleted || string(inf.Result) != `"released"` {
		t.Fatalf("inference result = %+v", inf)
	}

	waitFor(t, 2*time.Second, "inference executor back to idle", func() bool {
		return p.Stats().InferenceStatus == ResourceIdle
	})
}

func TestPoolInferenceTasksSerialize(t *testing.T) {
	blockStarted = make(chan struct{}, 1)
	blockRelease = make(chan struct{})
	p := newTestPool(t, Options{MaxResources: 1, Inference: true})

	first := make(chan *TaskResult, 1)
	go func() {
		first <- p.Execute(context.Background(), TaskConfig{Kind: TaskKindInference}, "block", nil)
	}()
	<-blockStarted

	second := make(chan *TaskResult, 1)
	go func() {
		second <- p.Execute(context.Background(), TaskConfig{Kind: TaskKindInference}, "echo", "queued")
	}()

	select {
	case res := <-second:
		t.Fatalf("second inference task ran while the executor was busy: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	close(blockRelease)
	if res := <-first; res.Status != TaskCompleted {
		t.Fatalf("first result = %+v", res)
	}
	if res := <-second; res.Status != TaskCompleted || string(res.Result) != `"queued"` {
		t.Fatalf("second result = %+v", res)
	}
}

func TestPoolExecuteAfterClose(t *testing.T) {
	p, err := New(Options{MaxResources: 1, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := p.Execute(context.Background(), TaskConfig{}, "echo", nil)
	if res.Status != TaskFailed || res.Error != ErrPoolClosed.Error() {
		t.Fatalf("result = %+v", res)
	}
}

func TestPoolExecuteContextCanceled(t *testing.T) {
	p := newTestPool(t, Options{MaxResources: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Execute(ctx, TaskConfig{}, "echo", nil)
	if res.Status != TaskFailed {
		t.Fatalf("status = %q", res.Status)
	}
}

func TestPoolStats(t *testing.T) {
	p := newTestPool(t, Options{NumIdle: 2, MaxResources: 4})

	waitFor(t, 2*time.Second, "idle warmup", func() bool {
		s := p.Stats()
		return s.Total == 2 && s.Idle == 2 && s.Busy == 0
	})
	if got := p.Stats().InferenceStatus; got != "" {
		t.Errorf("inference status = %q, want empty", got)
	}
}
