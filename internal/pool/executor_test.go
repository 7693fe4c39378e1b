package pool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func startThreadExecutor(t *testing.T) *threadExecutor {
	t.Helper()
	e := newThreadExecutor(discardLogger())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func TestThreadExecutorRunsTasks(t *testing.T) {
	e := startThreadExecutor(t)

	if err := e.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !e.Alive() {
		t.Fatal("expected a live executor")
	}

	res := e.Run(context.Background(), &taskRequest{id: "t1", entrypoint: "echo", args: json.RawMessage(`"hi"`)})
	if res.Status != TaskCompleted || string(res.Result) != `"hi"` {
		t.Fatalf("result = %+v", res)
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if e.Alive() {
		t.Error("executor still alive after close")
	}
}

func TestThreadExecutorRecoversPanic(t *testing.T) {
	e := startThreadExecutor(t)
	defer e.Close(context.Background())

	res := e.Run(context.Background(), &taskRequest{id: "t1", entrypoint: "panic"})
	if res.Status != TaskFailed || !strings.Contains(res.Error, "task panicked") {
		t.Fatalf("result = %+v", res)
	}
	if !e.Alive() {
		t.Fatal("executor died with the task")
	}

	res = e.Run(context.Background(), &taskRequest{id: "t2", entrypoint: "echo", args: json.RawMessage(`1`)})
	if res.Status != TaskCompleted {
		t.Fatalf("follow-up result = %+v", res)
	}
}

func TestThreadExecutorRunAfterClose(t *testing.T) {
	e := startThreadExecutor(t)
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := e.Run(context.Background(), &taskRequest{id: "t1", entrypoint: "echo"})
	if res.Status != TaskFailed || res.Error != "executor stopped" {
		t.Fatalf("result = %+v", res)
	}
	if err := e.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail after close")
	}
}

func TestThreadExecutorCloseDeadline(t *testing.T) {
	blockStarted = make(chan struct{}, 1)
	blockRelease = make(chan struct{})
	e := startThreadExecutor(t)

	results := make(chan *TaskResult, 1)
	go func() {
		results <- e.Run(context.Background(), &taskRequest{id: "t1", entrypoint: "block"})
	}()
	<-blockStarted

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := e.Close(ctx); err == nil {
		t.Fatal("expected close to time out while a task holds the loop")
	}

	close(blockRelease)
	res := <-results
	if res.Status != TaskCompleted || string(res.Result) != `"released"` {
		t.Fatalf("result = %+v", res)
	}
	waitFor(t, time.Second, "loop exit after release", func() bool { return !e.Alive() })
}

func TestThreadExecutorRunHonorsContext(t *testing.T) {
	blockStarted = make(chan struct{}, 1)
	blockRelease = make(chan struct{})
	e := startThreadExecutor(t)
	defer func() {
		close(blockRelease)
		e.Close(context.Background())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan *TaskResult, 1)
	go func() {
		results <- e.Run(ctx, &taskRequest{id: "t1", entrypoint: "block"})
	}()
	<-blockStarted

	cancel()
	res := <-results
	if res.Status != TaskFailed || !strings.Contains(res.Error, "context canceled") {
		t.Fatalf("result = %+v", res)
	}
}
