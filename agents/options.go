// Package agents runs voice agents as workers: it registers with a job
// registry, accepts assignments, launches one job context per room and
// supervises the running jobs, the executor pool and the agent sessions
// serving them.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/chriscow/voice-agents-go/internal/pool"
	"github.com/chriscow/voice-agents-go/pkg/job"
)

const (
	defaultLoadThreshold = 0.75
	defaultLogLevel      = "info"
)

// EntrypointFunc serves one assigned job. It receives a fresh job context
// already bound to the room; the canonical body builds a session and calls
// ctx.RunUntilShutdown.
type EntrypointFunc func(ctx *job.JobContext) error

// PrewarmFunc runs once before the worker registers, typically to load
// models so the first job does not pay the cost.
type PrewarmFunc func(ctx context.Context) error

// WorkerOptions configures a Worker. Zero values take documented defaults;
// Validate rejects anything contradictory before the worker starts.
type WorkerOptions struct {
	// Entrypoint runs for every job this worker accepts. Required.
	Entrypoint EntrypointFunc

	// Prewarm is optional warmup run before registration.
	Prewarm PrewarmFunc

	// AgentID is the agent identity presented to the registry. Required.
	AgentID string

	// Namespace scopes the agent within the registry. Defaults to the
	// registry's default namespace.
	Namespace string

	// Capabilities advertised at registration, for example "voice".
	Capabilities []string

	// Register connects to the registry for job dispatch. Console runs
	// leave it off and feed jobs locally.
	Register bool

	// SignalingBaseURL is the registry websocket endpoint. Required when
	// Register is set.
	SignalingBaseURL string

	// AuthToken authenticates registration. Required when Register is set.
	AuthToken string

	// ExecutorKind selects thread or process task executors. Defaults to
	// thread.
	ExecutorKind pool.ExecutorKind

	// NumIdleResources is the warm executor target; MaxResources bounds the
	// pool. Zero values take the pool defaults.
	NumIdleResources int
	MaxResources     int

	// InferenceExecutor keeps one dedicated executor for inference tasks so
	// model state loads once.
	InferenceExecutor bool

	InitializeTimeout time.Duration
	CloseTimeout      time.Duration
	PingInterval      time.Duration

	// LoadThreshold is the load at or above which new jobs are declined,
	// in [0, 1]. Zero means the 0.75 default.
	LoadThreshold float64

	// MaxProcesses caps concurrent jobs and is the denominator of the load
	// calculation. Defaults to the number of CPUs.
	MaxProcesses int

	// LogLevel is one of debug, info, warn, error. The CLI installs it on
	// the default logger.
	LogLevel string

	Logger *slog.Logger
}

// Validate reports the first configuration problem. Zero values are fine;
// contradictions are not.
func (o WorkerOptions) Validate() error {
	if o.Entrypoint == nil {
		return errors.New("an entrypoint is required")
	}
	if o.AgentID == "" {
		return errors.New("agent id is required")
	}
	switch o.ExecutorKind {
	case "", pool.KindThread, pool.KindProcess:
	default:
		return fmt.Errorf("unknown executor kind %q", o.ExecutorKind)
	}
	if o.Register {
		if o.SignalingBaseURL == "" {
			return errors.New("a signaling url is required to register")
		}
		if o.AuthToken == "" {
			return errors.New("an auth token is required to register")
		}
	}
	if o.LoadThreshold < 0 || o.LoadThreshold > 1 {
		return fmt.Errorf("load threshold %v outside [0, 1]", o.LoadThreshold)
	}
	if o.MaxProcesses < 0 {
		return fmt.Errorf("max processes %d is negative", o.MaxProcesses)
	}
	if o.NumIdleResources < 0 || o.MaxResources < 0 {
		return errors.New("resource counts must not be negative")
	}
	if o.InitializeTimeout < 0 || o.CloseTimeout < 0 || o.PingInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	if _, err := parseLogLevel(o.LogLevel); err != nil {
		return err
	}
	return nil
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.ExecutorKind == "" {
		o.ExecutorKind = pool.KindThread
	}
	if o.LoadThreshold == 0 {
		o.LoadThreshold = defaultLoadThreshold
	}
	if o.MaxProcesses == 0 {
		o.MaxProcesses = runtime.NumCPU()
	}
	if o.LogLevel == "" {
		o.LogLevel = defaultLogLevel
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
