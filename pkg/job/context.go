package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCallbackTimeout bounds the combined runtime of all shutdown
// callbacks.
const ShutdownCallbackTimeout = 5 * time.Second

// Session is the part of an agent session the job runner drives: start it,
// watch for it to end on its own, close it.
type Session interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// InferenceRunner dispatches a named model-bearing task to the worker's
// resource pool, where a dedicated executor keeps heavy model state loaded
// once across jobs. Args are marshaled as JSON; the result is the task's
// JSON return value.
type InferenceRunner interface {
	RunInference(ctx context.Context, entrypoint string, args any) (json.RawMessage, error)
}

// Config assembles a JobContext.
type Config struct {
	Job    Job
	Room   Room
	Logger *slog.Logger

	// Inference is the worker's pool-backed task runner. Nil when the job
	// runs outside a worker, for example in the standalone examples.
	Inference InferenceRunner
}

// JobContext carries everything an entrypoint needs to serve one job: the
// job descriptor, the room, a logger scoped to the job and coordinated
// shutdown.
//
// Shutdown callbacks run sequentially in registration order, each isolated
// from the others' panics. Register them in dependency order: stop the
// pipeline before anything touches the room, and run bookkeeping last. The
// room is left after the callbacks regardless of what was registered.
type JobContext struct {
	job       Job
	room      Room
	log       *slog.Logger
	inference InferenceRunner

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	callbacks    []shutdownCallback
	shuttingDown bool
	done         chan struct{}
}

type shutdownCallback struct {
	name string
	fn   func(ctx context.Context) error
}

// NewContext builds a JobContext under the worker's context. A job ID is
// generated when the descriptor does not carry one.
func NewContext(parent context.Context, cfg Config) (*JobContext, error) {
	if cfg.Room == nil {
		return nil, errors.New("room is required")
	}
	if cfg.Job.ID == "" {
		cfg.Job.ID = NewJobID()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	return &JobContext{
		job:       cfg.Job,
		room:      cfg.Room,
		inference: cfg.Inference,
		log: cfg.Logger.With(
			slog.String("job_id", cfg.Job.ID),
			slog.String("room", cfg.Job.RoomName)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Context is canceled once shutdown completes.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// Job returns the descriptor this context serves.
func (jc *JobContext) Job() Job { return jc.job }

// Room returns the room this job is connected to.
func (jc *JobContext) Room() Room { return jc.room }

// Logger returns a logger scoped to the job.
func (jc *JobContext) Logger() *slog.Logger { return jc.log }

// Inference returns the worker's pool-backed task runner, or nil when the
// job runs outside a worker.
func (jc *JobContext) Inference() InferenceRunner { return jc.inference }

// Done is closed after shutdown callbacks have run and the room is left.
func (jc *JobContext) Done() <-chan struct{} { return jc.done }

// ShuttingDown reports whether Shutdown has begun.
func (jc *JobContext) ShuttingDown() bool {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.shuttingDown
}

// Connect joins the room.
func (jc *JobContext) Connect(ctx context.Context) error {
	jc.log.Info("joining room")
	if err := jc.room.Join(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// AddShutdownCallback registers fn to run during Shutdown. Callbacks run
// one after another in registration order. When the job is already shutting
// down, fn runs immediately on the caller's goroutine.
func (jc *JobContext) AddShutdownCallback(name string, fn func(ctx context.Context) error) {
	jc.mu.Lock()
	if jc.shuttingDown {
		jc.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownCallbackTimeout)
		defer cancel()
		jc.runCallback(ctx, shutdownCallback{name: name, fn: fn})
		return
	}
	jc.callbacks = append(jc.callbacks, shutdownCallback{name: name, fn: fn})
	jc.mu.Unlock()
}

// Shutdown runs the registered callbacks in order, leaves the room and
// cancels the job context. It is idempotent; later calls block until the
// first completes.
func (jc *JobContext) Shutdown(reason string) {
	jc.mu.Lock()
	if jc.shuttingDown {
		jc.mu.Unlock()
		<-jc.done
		return
	}
	jc.shuttingDown = true
	callbacks := jc.callbacks
	jc.mu.Unlock()

	jc.log.Info("job shutting down", slog.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownCallbackTimeout)
	defer cancel()
	for _, cb := range callbacks {
		jc.runCallback(ctx, cb)
	}

	if err := jc.room.Leave(); err != nil {
		jc.log.Error("leaving room", slog.String("error", err.Error()))
	}

	jc.cancel()
	close(jc.done)
	jc.log.Debug("job shutdown complete")
}

// runCallback executes one callback, swallowing its panic so the remaining
// callbacks still run.
func (jc *JobContext) runCallback(ctx context.Context, cb shutdownCallback) {
	defer func() {
		if r := recover(); r != nil {
			jc.log.Error("shutdown callback panicked",
				slog.String("callback", cb.name),
				slog.Any("panic", r))
		}
	}()
	if err := cb.fn(ctx); err != nil {
		jc.log.Error("shutdown callback failed",
			slog.String("callback", cb.name),
			slog.String("error", err.Error()))
	}
}

// RunUntilShutdown drives one job end to end: join the room, optionally
// wait for a participant, start the session and block until the session
// ends, the job shuts down or ctx is canceled. On every exit path the
// session is closed first and the job context shut down after it.
func (jc *JobContext) RunUntilShutdown(ctx context.Context, session Session, waitForParticipant bool) error {
	if session == nil {
		return errors.New("session is required")
	}

	if err := jc.Connect(ctx); err != nil {
		jc.Shutdown("room connect failed")
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			jc.log.Error("closing session", slog.String("error", err.Error()))
		}
		jc.Shutdown("job finished")
	}()

	if waitForParticipant {
		identity, err := jc.room.WaitForParticipant(ctx, "")
		if err != nil {
			return fmt.Errorf("wait for participant: %w", err)
		}
		jc.log.Info("participant present", slog.String("identity", identity))
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	select {
	case <-session.Done():
		jc.log.Info("session ended")
		return nil
	case <-jc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
