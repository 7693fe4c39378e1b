package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/chriscow/voice-agents-go/internal/pool"
	"github.com/chriscow/voice-agents-go/internal/registry"
	"github.com/chriscow/voice-agents-go/pkg/job"
	"github.com/chriscow/voice-agents-go/pkg/version"
)

// statusUpdateInterval paces the routine status refresh. The registry
// client debounces these, so only drift actually goes out.
const statusUpdateInterval = 2500 * time.Millisecond

// JobState tracks where a running job is in its lifecycle.
type JobState string

const (
	JobLaunching JobState = "launching"
	JobActive    JobState = "running"
)

// RunningJob is one entry in the worker's job table.
type RunningJob struct {
	job       job.Job
	ctx       *job.JobContext
	startedAt time.Time

	// terminated marks jobs stopped by a registry termination order so the
	// completion update can say so.
	terminated atomic.Bool

	// state is guarded by the worker mutex.
	state JobState
}

// JobSnapshot is a read-only copy of a job table entry.
type JobSnapshot struct {
	ID        string
	RoomName  string
	State     JobState
	StartedAt time.Time
}

// registryLink is the slice of the registry client the worker drives.
type registryLink interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Done() <-chan struct{}
	Err() error
	UpdateStatus(status registry.WorkerStatus, load float64, jobCount int)
	UpdateStatusImmediate(status registry.WorkerStatus, load float64, jobCount int)
	RespondAvailability(jobID string, available bool, token, errMsg string)
	SendJobUpdate(jobID string, status registry.JobStatus, errMsg string)
}

var _ registryLink = (*registry.Client)(nil)

// Worker runs an agent as a long-lived process: it keeps a registry
// connection for job dispatch, owns the executor pool, and supervises one
// goroutine plus one job context per assigned job.
type Worker struct {
	opts WorkerOptions
	log  *slog.Logger

	registry registryLink
	pool     *pool.Pool

	// newRoom builds the room for an assignment.
	newRoom func(j job.Job) (job.Room, error)

	mu       sync.RWMutex
	jobs     map[string]*RunningJob
	draining bool
	started  bool

	// jobsChanged is poked whenever a job leaves the table, waking Drain
	// and Shutdown waiters.
	jobsChanged chan struct{}

	// baseCtx parents every job context. Jobs outlive the Run context and
	// end only through JobContext.Shutdown or worker shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	shutdown core.Fuse
	stopped  chan struct{}
	runErr   error
}

// NewWorker validates opts and assembles a worker. Nothing connects until
// Run.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("worker options: %w", err)
	}
	opts = opts.withDefaults()

	log := opts.Logger.With(slog.String("agent", opts.AgentID))

	w := &Worker{
		opts:        opts,
		log:         log,
		jobs:        make(map[string]*RunningJob),
		jobsChanged: make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	w.newRoom = w.dialRoom
	w.baseCtx, w.baseCancel = context.WithCancel(context.Background())

	p, err := pool.New(pool.Options{
		Kind:              opts.ExecutorKind,
		NumIdle:           opts.NumIdleResources,
		MaxResources:      opts.MaxResources,
		InitializeTimeout: opts.InitializeTimeout,
		CloseTimeout:      opts.CloseTimeout,
		PingInterval:      opts.PingInterval,
		Inference:         opts.InferenceExecutor,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("executor pool: %w", err)
	}
	w.pool = p

	if opts.Register {
		client, err := registry.New(registry.Options{
			URL:               opts.SignalingBaseURL,
			Token:             opts.AuthToken,
			AgentName:         opts.AgentID,
			Namespace:         opts.Namespace,
			Version:           version.Version,
			Capabilities:      opts.Capabilities,
			LoadThreshold:     opts.LoadThreshold,
			MaxProcesses:      opts.MaxProcesses,
			InitializeTimeout: opts.InitializeTimeout,
			PingInterval:      opts.PingInterval,
			Logger:            log,
		}, registryHandler{w})
		if err != nil {
			return nil, fmt.Errorf("registry client: %w", err)
		}
		w.registry = client
	}

	return w, nil
}

// Pool exposes the executor pool so plugins can submit inference and
// auxiliary tasks.
func (w *Worker) Pool() *pool.Pool { return w.pool }

// RunInference dispatches a registered task to the pool's dedicated
// inference executor. Job contexts carry the worker as their
// job.InferenceRunner, which is how model-bearing work (end-of-utterance
// scoring in particular) leaves the job goroutine.
func (w *Worker) RunInference(ctx context.Context, entrypoint string, args any) (json.RawMessage, error) {
	res := w.pool.Execute(ctx, pool.TaskConfig{
		Kind:       pool.TaskKindInference,
		RetryCount: 1,
	}, entrypoint, args)
	if res.Status != pool.TaskCompleted {
		return nil, fmt.Errorf("inference task %s: %s", entrypoint, res.Error)
	}
	return res.Result, nil
}

var _ job.InferenceRunner = (*Worker)(nil)

// Run connects the worker and blocks until the context ends, the registry
// connection is lost for good, or Shutdown is called. It always shuts the
// worker down before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	w.log.Info("starting worker",
		slog.String("executor", string(w.opts.ExecutorKind)),
		slog.Int("max_processes", w.opts.MaxProcesses),
		slog.Bool("register", w.opts.Register))

	if w.opts.Prewarm != nil {
		if err := w.opts.Prewarm(ctx); err != nil {
			return fmt.Errorf("prewarm: %w", err)
		}
	}
	if err := w.pool.Start(ctx); err != nil {
		return fmt.Errorf("start executor pool: %w", err)
	}

	if w.registry != nil {
		if err := w.registry.Connect(ctx); err != nil {
			w.pool.Close()
			return fmt.Errorf("connect registry: %w", err)
		}
		w.pushStatus(true)
		go w.statusLoop()
	}

	var cause error
	select {
	case <-ctx.Done():
	case <-w.registryDone():
		// Our own Disconnect also closes the done channel.
		if !w.shutdown.IsBroken() {
			err := w.registry.Err()
			if err == nil {
				err = errors.New("connection closed")
			}
			cause = fmt.Errorf("registry connection lost: %w", err)
			w.log.Error("registry connection lost", slog.String("error", err.Error()))
		}
	case <-w.shutdown.Watch():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.drainGrace())
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil && cause == nil {
		cause = err
	}
	return cause
}

// registryDone returns a channel that never fires when the worker runs
// unregistered.
func (w *Worker) registryDone() <-chan struct{} {
	if w.registry == nil {
		return nil
	}
	return w.registry.Done()
}

func (w *Worker) drainGrace() time.Duration {
	if w.opts.CloseTimeout > 0 {
		return w.opts.CloseTimeout
	}
	return 30 * time.Second
}

// Drain stops accepting new jobs and waits for the running ones to finish.
// The context bounds the wait; without a deadline it waits indefinitely.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	already := w.draining
	w.draining = true
	n := len(w.jobs)
	w.mu.Unlock()

	if !already {
		w.log.Info("worker draining", slog.Int("jobs", n))
		w.pushStatus(true)
	}
	if err := w.awaitIdle(ctx); err != nil {
		return fmt.Errorf("%w: %d jobs still running", ErrDrainTimeout, w.JobCount())
	}
	return nil
}

// Shutdown stops every running job, closes the pool and deregisters. It is
// idempotent; later calls wait for the first to finish.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.shutdown.Once(func() {
		w.mu.Lock()
		w.draining = true
		jobs := make([]*RunningJob, 0, len(w.jobs))
		for _, rj := range w.jobs {
			jobs = append(jobs, rj)
		}
		w.mu.Unlock()

		if len(jobs) > 0 {
			w.log.Info("stopping jobs", slog.Int("count", len(jobs)))
		}
		for _, rj := range jobs {
			go rj.ctx.Shutdown("worker shutting down")
		}
		if err := w.awaitIdle(ctx); err != nil {
			w.log.Warn("jobs still running at shutdown deadline",
				slog.Int("remaining", w.JobCount()))
		}

		w.baseCancel()
		if err := w.pool.Close(); err != nil {
			w.log.Warn("closing executor pool", slog.String("error", err.Error()))
		}
		if w.registry != nil {
			if err := w.registry.Disconnect(); err != nil {
				w.runErr = err
			}
		}
		w.log.Info("worker stopped")
		close(w.stopped)
	})
	<-w.stopped
	return w.runErr
}

// awaitIdle blocks until the job table is empty or ctx ends.
func (w *Worker) awaitIdle(ctx context.Context) error {
	for {
		w.mu.RLock()
		n := len(w.jobs)
		w.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-w.jobsChanged:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Load is the job count over MaxProcesses, capped at 1.
func (w *Worker) Load() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loadLocked()
}

func (w *Worker) loadLocked() float64 {
	return math.Min(float64(len(w.jobs))/float64(w.opts.MaxProcesses), 1.0)
}

// JobCount returns the number of jobs in the table.
func (w *Worker) JobCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.jobs)
}

// Draining reports whether the worker has stopped accepting jobs.
func (w *Worker) Draining() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.draining
}

// Jobs returns a snapshot of the running jobs, oldest first.
func (w *Worker) Jobs() []JobSnapshot {
	w.mu.RLock()
	out := make([]JobSnapshot, 0, len(w.jobs))
	for _, rj := range w.jobs {
		out = append(out, JobSnapshot{
			ID:        rj.job.ID,
			RoomName:  rj.job.RoomName,
			State:     rj.state,
			StartedAt: rj.startedAt,
		})
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SimulateJob runs a fabricated job against the given room outside any
// registry assignment. Console mode uses it to drive the standard launch
// path from local audio. It blocks until the job ends.
func (w *Worker) SimulateJob(ctx context.Context, j job.Job, room job.Room) error {
	if j.ID == "" {
		j.ID = job.NewJobID()
	}
	if j.AgentName == "" {
		j.AgentName = w.opts.AgentID
	}
	rj, err := w.launchJob(j, room)
	if err != nil {
		return err
	}
	select {
	case <-rj.ctx.Done():
		return nil
	case <-ctx.Done():
		rj.ctx.Shutdown("simulation canceled")
		return ctx.Err()
	}
}

// registryHandler adapts registry callbacks onto the worker. The callbacks
// run on the client's read goroutine and must not block.
type registryHandler struct {
	w *Worker
}

var _ registry.Handler = registryHandler{}

func (h registryHandler) OnAvailabilityRequest(req *registry.AvailabilityRequest) {
	w := h.w
	available, reason := w.canAccept()
	if !available {
		w.log.Info("declining job",
			slog.String("job_id", req.JobID),
			slog.String("reason", reason))
	}
	w.registry.RespondAvailability(req.JobID, available, "", reason)
}

func (h registryHandler) OnJobAssignment(a *registry.JobAssignment) {
	go h.w.startAssignedJob(a)
}

func (h registryHandler) OnJobTermination(t *registry.JobTermination) {
	go h.w.terminateJob(t)
}

// canAccept is the availability decision. It is advisory: the registry may
// still decline to assign after a yes.
func (w *Worker) canAccept() (bool, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch {
	case w.draining:
		return false, "worker draining"
	case w.loadLocked() >= w.opts.LoadThreshold:
		return false, fmt.Sprintf("load %.2f at threshold %.2f", w.loadLocked(), w.opts.LoadThreshold)
	case len(w.jobs) >= w.opts.MaxProcesses:
		return false, "worker at capacity"
	}
	return true, ""
}

func (w *Worker) startAssignedJob(a *registry.JobAssignment) {
	j := job.Job{
		ID:        a.JobID,
		RoomID:    a.RoomID,
		RoomName:  a.RoomName,
		URL:       a.URL,
		Token:     a.Token,
		AgentName: w.opts.AgentID,
	}
	room, err := w.newRoom(j)
	if err != nil {
		w.log.Error("building room for assignment",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
		w.sendJobUpdate(j.ID, registry.JobFailed, err.Error())
		return
	}
	if _, err := w.launchJob(j, room); err != nil {
		w.log.Error("launching assigned job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
		w.sendJobUpdate(j.ID, registry.JobFailed, err.Error())
	}
}

// launchJob inserts the job into the table before the entrypoint runs, so
// load and availability answers see it immediately.
func (w *Worker) launchJob(j job.Job, room job.Room) (*RunningJob, error) {
	// Admission checks come before the context exists: a rejected launch
	// must not leave a cancellable child of baseCtx behind.
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return nil, ErrWorkerDraining
	}
	if _, exists := w.jobs[j.ID]; exists {
		w.mu.Unlock()
		return nil, ErrDuplicateJob
	}
	w.mu.Unlock()

	jc, err := job.NewContext(w.baseCtx, job.Config{Job: j, Room: room, Logger: w.log, Inference: w})
	if err != nil {
		return nil, fmt.Errorf("job context: %w", err)
	}

	rj := &RunningJob{job: j, ctx: jc, startedAt: time.Now(), state: JobLaunching}

	w.mu.Lock()
	var rejected error
	switch {
	case w.draining:
		rejected = ErrWorkerDraining
	default:
		if _, exists := w.jobs[j.ID]; exists {
			rejected = ErrDuplicateJob
		}
	}
	if rejected == nil {
		w.jobs[j.ID] = rj
	}
	w.mu.Unlock()
	if rejected != nil {
		// Lost the race against a concurrent launch or Drain; release the
		// context so it does not outlive the rejection.
		jc.Shutdown("launch rejected")
		return nil, rejected
	}

	w.pushStatus(true)
	go w.runJob(rj)
	return rj, nil
}

// runJob owns one job from entrypoint to completion update.
func (w *Worker) runJob(rj *RunningJob) {
	jc := rj.ctx
	log := w.log.With(
		slog.String("job_id", rj.job.ID),
		slog.String("room", rj.job.RoomName))
	log.Info("job starting")

	w.setJobState(rj, JobActive)
	w.sendJobUpdate(rj.job.ID, registry.JobRunning, "")

	err := w.invokeEntrypoint(jc)
	if err != nil {
		log.Error("job entrypoint failed", slog.String("error", err.Error()))
		w.sendJobUpdate(rj.job.ID, registry.JobError, err.Error())
	}

	// The table entry lives until the session actually ends, even after an
	// entrypoint error. Shutdown is a no-op when the entrypoint already
	// shut the context down.
	jc.Shutdown("entrypoint returned")
	<-jc.Done()

	w.detachJob(rj.job.ID)
	switch {
	case rj.terminated.Load():
		w.sendJobUpdate(rj.job.ID, registry.JobCompleted, "terminated")
	case err == nil:
		w.sendJobUpdate(rj.job.ID, registry.JobCompleted, "")
	}
	w.pushStatus(true)

	log.Info("job finished", slog.Duration("elapsed", time.Since(rj.startedAt)))
}

func (w *Worker) invokeEntrypoint(jc *job.JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entrypoint panicked: %v", r)
		}
	}()
	return w.opts.Entrypoint(jc)
}

func (w *Worker) terminateJob(t *registry.JobTermination) {
	w.mu.RLock()
	rj, ok := w.jobs[t.JobID]
	w.mu.RUnlock()
	if !ok {
		w.log.Debug("termination for unknown job", slog.String("job_id", t.JobID))
		return
	}
	reason := t.Reason
	if reason == "" {
		reason = "terminated by registry"
	}
	w.log.Info("terminating job",
		slog.String("job_id", t.JobID),
		slog.String("reason", reason))
	rj.terminated.Store(true)
	rj.ctx.Shutdown(reason)
}

func (w *Worker) setJobState(rj *RunningJob, state JobState) {
	w.mu.Lock()
	rj.state = state
	w.mu.Unlock()
}

// detachJob removes the entry and wakes idle waiters. The caller sends the
// job update and the decremented status afterwards, in that order.
func (w *Worker) detachJob(id string) {
	w.mu.Lock()
	delete(w.jobs, id)
	w.mu.Unlock()
	select {
	case w.jobsChanged <- struct{}{}:
	default:
	}
}

func (w *Worker) dialRoom(j job.Job) (job.Room, error) {
	return job.NewLiveKitRoom(job.RoomConfig{
		URL:      j.URL,
		Token:    j.Token,
		RoomName: j.RoomName,
		Logger:   w.log,
	})
}

// pushStatus reports status, load and job count to the registry. Immediate
// pushes bypass the client's debounce; job count changes use them.
func (w *Worker) pushStatus(immediate bool) {
	if w.registry == nil {
		return
	}
	w.mu.RLock()
	status := registry.StatusAvailable
	if w.draining {
		status = registry.StatusDraining
	}
	load := w.loadLocked()
	count := len(w.jobs)
	w.mu.RUnlock()

	if immediate {
		w.registry.UpdateStatusImmediate(status, load, count)
	} else {
		w.registry.UpdateStatus(status, load, count)
	}
}

func (w *Worker) sendJobUpdate(jobID string, status registry.JobStatus, errMsg string) {
	if w.registry == nil {
		return
	}
	w.registry.SendJobUpdate(jobID, status, errMsg)
}

// statusLoop keeps the registry's picture fresh between job events.
func (w *Worker) statusLoop() {
	ticker := time.NewTicker(statusUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.pushStatus(false)
		case <-w.shutdown.Watch():
			return
		}
	}
}
