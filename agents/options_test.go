package agents

import (
	"log/slog"
	"runtime"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/voice-agents-go/internal/pool"
	"github.com/chriscow/voice-agents-go/pkg/job"
)

func noopEntrypoint(jc *job.JobContext) error { return nil }

func TestWorkerOptionsValidate(t *testing.T) {
	valid := WorkerOptions{
		Entrypoint: noopEntrypoint,
		AgentID:    "echo",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*WorkerOptions)
		want   string
	}{
		{
			name:   "missing entrypoint",
			mutate: func(o *WorkerOptions) { o.Entrypoint = nil },
			want:   "entrypoint",
		},
		{
			name:   "missing agent id",
			mutate: func(o *WorkerOptions) { o.AgentID = "" },
			want:   "agent id",
		},
		{
			name:   "unknown executor kind",
			mutate: func(o *WorkerOptions) { o.ExecutorKind = "fiber" },
			want:   "executor kind",
		},
		{
			name:   "register without url",
			mutate: func(o *WorkerOptions) { o.Register = true; o.AuthToken = "tok" },
			want:   "signaling url",
		},
		{
			name:   "register without token",
			mutate: func(o *WorkerOptions) { o.Register = true; o.SignalingBaseURL = "ws://reg" },
			want:   "auth token",
		},
		{
			name:   "load threshold above one",
			mutate: func(o *WorkerOptions) { o.LoadThreshold = 1.5 },
			want:   "load threshold",
		},
		{
			name:   "negative load threshold",
			mutate: func(o *WorkerOptions) { o.LoadThreshold = -0.1 },
			want:   "load threshold",
		},
		{
			name:   "negative max processes",
			mutate: func(o *WorkerOptions) { o.MaxProcesses = -1 },
			want:   "max processes",
		},
		{
			name:   "negative resources",
			mutate: func(o *WorkerOptions) { o.NumIdleResources = -2 },
			want:   "resource counts",
		},
		{
			name:   "negative timeout",
			mutate: func(o *WorkerOptions) { o.CloseTimeout = -1 },
			want:   "timeouts",
		},
		{
			name:   "bad log level",
			mutate: func(o *WorkerOptions) { o.LogLevel = "loud" },
			want:   "log level",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := valid
			tc.mutate(&opts)
			err := opts.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWorkerOptionsDefaults(t *testing.T) {
	is := is.New(t)

	opts := WorkerOptions{Entrypoint: noopEntrypoint, AgentID: "echo"}
	opts = opts.withDefaults()

	is.Equal(opts.ExecutorKind, pool.KindThread)   // default executor kind
	is.Equal(opts.LoadThreshold, 0.75)             // default load threshold
	is.Equal(opts.MaxProcesses, runtime.NumCPU())  // default max processes
	is.Equal(opts.LogLevel, "info")                // default log level
	is.True(opts.Logger != nil)                    // logger installed
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := parseLogLevel(tc.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
