package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxResources   = 4
	defaultInitialize     = 10 * time.Second
	defaultClose          = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	pingTimeout           = 5 * time.Second
	defaultRunnerArgument = "runner"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("resource pool closed")

var errPoolFull = errors.New("resource pool at capacity")

// ResourceStatus tracks where a resource is in its lifecycle.
type ResourceStatus string

const (
	ResourceInitializing ResourceStatus = "initializing"
	ResourceIdle         ResourceStatus = "idle"
	ResourceBusy         ResourceStatus = "busy"
	ResourceShuttingDown ResourceStatus = "shutting_down"
	ResourceError        ResourceStatus = "error"
)

// Resource pairs an executor with its lifecycle status.
type Resource struct {
	ID   string
	exec Executor

	mu     sync.Mutex
	status ResourceStatus
}

func (r *Resource) Status() ResourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Resource) setStatus(s ResourceStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Options configures a Pool.
type Options struct {
	// Kind selects thread or process executors. Defaults to thread.
	Kind ExecutorKind

	// NumIdle is the idle capacity the pool maintains, bounded by
	// MaxResources.
	NumIdle      int
	MaxResources int

	InitializeTimeout time.Duration
	CloseTimeout      time.Duration
	PingInterval      time.Duration

	// Inference adds one dedicated executor serving TaskKindInference
	// tasks, so model state loads exactly once.
	Inference bool

	// RunnerArgs and RunnerEnv configure the child invocation in
	// process mode. The binary is always the current executable.
	RunnerArgs []string
	RunnerEnv  []string

	Logger *slog.Logger
}

// Pool dispatches tasks to idle executors, growing on demand up to
// MaxResources and replacing executors that fail health checks.
type Pool struct {
	opts      Options
	log       *slog.Logger
	retryUnit time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	resources []*Resource
	inference *Resource
	closed    bool

	maintain chan struct{}
	shutdown core.Fuse
	wg       sync.WaitGroup
}

// New validates opts and builds a pool. Start warms it up.
func New(opts Options) (*Pool, error) {
	switch opts.Kind {
	case "":
		opts.Kind = KindThread
	case KindThread, KindProcess:
	default:
		return nil, fmt.Errorf("unknown executor kind %q", opts.Kind)
	}
	if opts.MaxResources <= 0 {
		opts.MaxResources = defaultMaxResources
	}
	if opts.NumIdle < 0 {
		opts.NumIdle = 0
	}
	if opts.NumIdle > opts.MaxResources {
		opts.NumIdle = opts.MaxResources
	}
	if opts.InitializeTimeout <= 0 {
		opts.InitializeTimeout = defaultInitialize
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultClose
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if len(opts.RunnerArgs) == 0 {
		opts.RunnerArgs = []string{defaultRunnerArgument}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		opts:      opts,
		log:       opts.Logger.With(slog.String("executor_kind", string(opts.Kind))),
		retryUnit: time.Second,
		maintain:  make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start warms the pool to its idle target, spawns the dedicated
// inference executor when configured, and begins health checking.
func (p *Pool) Start(ctx context.Context) error {
	if p.opts.Inference {
		if _, err := p.spawn(ResourceIdle, true); err != nil {
			return fmt.Errorf("start inference executor: %w", err)
		}
	}
	for i := 0; i < p.opts.NumIdle; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.spawn(ResourceIdle, false); err != nil {
			return fmt.Errorf("warm resource pool: %w", err)
		}
	}

	p.wg.Add(1)
	go p.healthLoop()

	p.log.Info("resource pool started",
		slog.Int("idle", p.opts.NumIdle),
		slog.Int("max", p.opts.MaxResources),
		slog.Bool("inference", p.opts.Inference))
	return nil
}

// Execute runs entrypoint with args on an executor, retrying failed
// attempts up to cfg.RetryCount with linear backoff. Inference tasks
// prefer the dedicated inference executor. The outcome always arrives
// as a TaskResult; Execute itself never panics or blocks past ctx.
func (p *Pool) Execute(ctx context.Context, cfg TaskConfig, entrypoint string, args any) *TaskResult {
	taskID := cfg.ID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return failedResult(taskID, fmt.Sprintf("marshal task args: %v", err))
		}
		raw = data
	}
	req := &taskRequest{id: taskID, entrypoint: entrypoint, args: raw, timeout: cfg.Timeout}

	var result *TaskResult
	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * p.retryUnit
			p.log.Debug("retrying task",
				slog.String("task_id", taskID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return failedResult(taskID, ctx.Err().Error())
			}
		}

		res, err := p.acquire(ctx, cfg.Kind == TaskKindInference)
		if err != nil {
			result = failedResult(taskID, err.Error())
			if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
				return result
			}
			continue
		}

		result = res.exec.Run(ctx, req)
		p.release(res)
		if result.Status == TaskCompleted || ctx.Err() != nil {
			return result
		}
	}
	return result
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Total int
	Idle  int
	Busy  int

	// InferenceStatus is empty when no dedicated executor exists.
	InferenceStatus ResourceStatus
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.resources)}
	for _, r := range p.resources {
		switch r.Status() {
		case ResourceIdle:
			s.Idle++
		case ResourceBusy:
			s.Busy++
		}
	}
	if p.inference != nil {
		s.InferenceStatus = p.inference.Status()
	}
	return s
}

// Close stops health checking and closes every executor in parallel,
// hard-terminating those that outlive the close deadline.
func (p *Pool) Close() error {
	p.shutdown.Break()

	p.mu.Lock()
	p.closed = true
	resources := append([]*Resource(nil), p.resources...)
	if p.inference != nil {
		resources = append(resources, p.inference)
	}
	p.resources = nil
	p.inference = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	var eg errgroup.Group
	for _, r := range resources {
		eg.Go(func() error { return p.closeResource(r) })
	}
	err := eg.Wait()
	p.wg.Wait()
	p.log.Info("resource pool closed")
	return err
}

// acquire hands out an idle resource marked busy, growing the pool when
// below MaxResources, otherwise waiting for a release.
func (p *Pool) acquire(ctx context.Context, inference bool) (*Resource, error) {
	if inference {
		p.mu.Lock()
		inf := p.inference
		p.mu.Unlock()
		if inf != nil {
			return p.acquireInference(ctx, inf)
		}
		// No dedicated executor; the general pool serves it.
	}

	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		for _, r := range p.resources {
			r.mu.Lock()
			if r.status == ResourceIdle && r.exec.Alive() {
				r.status = ResourceBusy
				r.mu.Unlock()
				p.mu.Unlock()
				return r, nil
			}
			r.mu.Unlock()
		}

		if len(p.resources) < p.opts.MaxResources {
			p.mu.Unlock()
			res, err := p.spawn(ResourceBusy, false)
			if err == nil {
				return res, nil
			}
			if !errors.Is(err, errPoolFull) {
				return nil, err
			}
			p.mu.Lock()
			continue
		}

		p.cond.Wait()
	}
}

// acquireInference serializes tasks onto the dedicated executor.
func (p *Pool) acquireInference(ctx context.Context, r *Resource) (*Resource, error) {
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.status == ResourceIdle && r.exec.Alive() {
			r.status = ResourceBusy
			r.mu.Unlock()
			return r, nil
		}
		status := r.status
		r.mu.Unlock()

		if status == ResourceError || status == ResourceShuttingDown {
			// Being replaced; the retry path picks up the successor.
			return nil, errors.New("inference executor unavailable")
		}
		p.cond.Wait()
	}
}

// release returns a resource to the idle set, or marks it for
// replacement when its executor can no longer take work.
func (p *Pool) release(r *Resource) {
	if r.exec.Alive() {
		r.setStatus(ResourceIdle)
	} else {
		r.setStatus(ResourceError)
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wake()
}

// spawn registers a new resource in initializing state, starts its
// executor under the initialize deadline, then moves it to target.
func (p *Pool) spawn(target ResourceStatus, inference bool) (*Resource, error) {
	exec, err := p.newExecutor()
	if err != nil {
		return nil, err
	}
	res := &Resource{ID: shortuuid.New(), exec: exec, status: ResourceInitializing}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if inference {
		if p.inference != nil {
			p.mu.Unlock()
			return nil, errors.New("inference executor already running")
		}
		p.inference = res
	} else {
		if len(p.resources) >= p.opts.MaxResources {
			p.mu.Unlock()
			return nil, errPoolFull
		}
		p.resources = append(p.resources, res)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.InitializeTimeout)
	defer cancel()
	if err := res.exec.Start(ctx); err != nil {
		p.remove(res)
		return nil, fmt.Errorf("start executor: %w", err)
	}
	res.setStatus(target)

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.log.Debug("executor started",
		slog.String("resource", res.ID),
		slog.Bool("inference", inference))
	return res, nil
}

func (p *Pool) newExecutor() (Executor, error) {
	if p.opts.Kind == KindProcess {
		return newProcessExecutor(p.log, p.opts.RunnerArgs, p.opts.RunnerEnv)
	}
	return newThreadExecutor(p.log), nil
}

func (p *Pool) remove(res *Resource) {
	p.mu.Lock()
	if p.inference == res {
		p.inference = nil
	}
	for i, r := range p.resources {
		if r == res {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			break
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// healthLoop pings idle executors on a timer and keeps the pool at its
// idle target, pruning and replacing anything unhealthy.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkHealth()
			p.topUp()
		case <-p.maintain:
			p.topUp()
		case <-p.shutdown.Watch():
			return
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	snapshot := append([]*Resource(nil), p.resources...)
	if p.inference != nil {
		snapshot = append(snapshot, p.inference)
	}
	p.mu.Unlock()

	for _, r := range snapshot {
		// Busy executors are covered by task timeouts instead.
		if r.Status() != ResourceIdle {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := r.exec.Ping(ctx)
		cancel()
		if err != nil || !r.exec.Alive() {
			p.log.Warn("executor failed health check",
				slog.String("resource", r.ID),
				slog.Any("error", err))
			r.setStatus(ResourceError)
		}
	}
}

// topUp prunes errored resources and spawns replacements until the
// idle target is met again.
func (p *Pool) topUp() {
	p.mu.Lock()
	var keep, dead []*Resource
	for _, r := range p.resources {
		if r.Status() == ResourceError {
			dead = append(dead, r)
		} else {
			keep = append(keep, r)
		}
	}
	p.resources = keep
	var deadInference *Resource
	if p.inference != nil && p.inference.Status() == ResourceError {
		deadInference = p.inference
		p.inference = nil
	}
	closed := p.closed
	if len(dead) > 0 || deadInference != nil {
		// Pruning frees capacity, so waiters can grow the pool again.
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, r := range dead {
		if err := p.closeResource(r); err != nil {
			p.log.Warn("pruned executor close",
				slog.String("resource", r.ID),
				slog.String("error", err.Error()))
		}
	}
	if deadInference != nil {
		if err := p.closeResource(deadInference); err != nil {
			p.log.Warn("inference executor close", slog.String("error", err.Error()))
		}
		if !closed {
			if _, err := p.spawn(ResourceIdle, true); err != nil && !errors.Is(err, ErrPoolClosed) {
				p.log.Error("replace inference executor", slog.String("error", err.Error()))
			}
		}
	}
	if closed {
		return
	}

	for {
		p.mu.Lock()
		idle := 0
		for _, r := range p.resources {
			if r.Status() == ResourceIdle {
				idle++
			}
		}
		need := idle < p.opts.NumIdle && len(p.resources) < p.opts.MaxResources
		p.mu.Unlock()
		if !need {
			return
		}
		if _, err := p.spawn(ResourceIdle, false); err != nil {
			if !errors.Is(err, errPoolFull) && !errors.Is(err, ErrPoolClosed) {
				p.log.Error("replace executor", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (p *Pool) closeResource(r *Resource) error {
	r.setStatus(ResourceShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	return r.exec.Close(ctx)
}

func (p *Pool) wake() {
	select {
	case p.maintain <- struct{}{}:
	default:
	}
}
