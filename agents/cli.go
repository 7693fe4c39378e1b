package agents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chriscow/voice-agents-go/internal/pool"
	"github.com/chriscow/voice-agents-go/pkg/job"
	"github.com/chriscow/voice-agents-go/pkg/plugin"
	"github.com/chriscow/voice-agents-go/pkg/telemetry"
	"github.com/chriscow/voice-agents-go/pkg/version"
)

const envPrefix = "VOICE_AGENTS"

// RunApp is the entry point an agent binary hands its options to. It owns
// flag parsing, config and env resolution, logging and tracing setup, and
// the start / dev / console / download-files subcommands.
func RunApp(opts WorkerOptions) error {
	levels := new(slog.LevelVar)
	return newRootCommand(&opts, levels).Execute()
}

func newRootCommand(opts *WorkerOptions, levels *slog.LevelVar) *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Run a voice agent worker",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configure(cmd, v, opts, levels)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML config file")
	pf.String("url", opts.SignalingBaseURL, "registry websocket url")
	pf.String("token", opts.AuthToken, "registry auth token")
	pf.String("agent-id", opts.AgentID, "agent identity presented to the registry")
	pf.String("log-level", opts.LogLevel, "debug, info, warn or error")
	pf.String("executor", string(opts.ExecutorKind), "task executor kind: thread or process")
	pf.Float64("load-threshold", opts.LoadThreshold, "load at which new jobs are declined")
	pf.Int("max-processes", opts.MaxProcesses, "maximum concurrent jobs")
	pf.Int("idle-resources", opts.NumIdleResources, "warm executors kept idle")
	pf.Int("max-resources", opts.MaxResources, "executor pool size limit")
	pf.Bool("inference-executor", opts.InferenceExecutor, "dedicate one executor to inference tasks")
	pf.String("plugin-dir", "", "directory of provider plugin .so files (requires the plugindyn build tag)")

	root.AddCommand(
		newStartCommand(opts),
		newDevCommand(opts, levels),
		newConsoleCommand(opts),
		newDownloadCommand(),
		newRunnerCommand(),
		newVersionCommand(),
	)
	return root
}

// configure resolves the option set with flags over env over config file,
// then installs the default logger at the requested level.
func configure(cmd *cobra.Command, v *viper.Viper, opts *WorkerOptions, levels *slog.LevelVar) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("voice-agents")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	opts.SignalingBaseURL = v.GetString("url")
	opts.AuthToken = v.GetString("token")
	opts.AgentID = v.GetString("agent-id")
	opts.LogLevel = v.GetString("log-level")
	opts.ExecutorKind = pool.ExecutorKind(v.GetString("executor"))
	opts.LoadThreshold = v.GetFloat64("load-threshold")
	opts.MaxProcesses = v.GetInt("max-processes")
	opts.NumIdleResources = v.GetInt("idle-resources")
	opts.MaxResources = v.GetInt("max-resources")
	opts.InferenceExecutor = v.GetBool("inference-executor")

	level, err := parseLogLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	levels.Set(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})))
	opts.Logger = slog.Default()

	// Out-of-tree providers register before any subcommand resolves plugins.
	if err := plugin.LoadDynamicPlugins(v.GetString("plugin-dir")); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	return nil
}

func newStartCommand(opts *WorkerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Register with the registry and serve jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.Register = true
			return runWorker(ctx, *opts)
		},
	}
}

func newDevCommand(opts *WorkerOptions, levels *slog.LevelVar) *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Development mode with debug logging and restart on file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			levels.Set(slog.LevelDebug)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.Register = true
			return runDev(ctx, *opts)
		},
	}
}

func newConsoleCommand(opts *WorkerOptions) *cobra.Command {
	var (
		input    string
		output   string
		roomName string
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run one local job against WAV files instead of a live room",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.Register = false
			return runConsole(ctx, *opts, input, output, roomName)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "WAV file played as the user's speech")
	cmd.Flags().StringVar(&output, "output", "console-output.wav", "WAV file the agent's speech is written to")
	cmd.Flags().StringVar(&roomName, "room", "console", "room name for the simulated job")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download-files",
		Short: "Download model files required by registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return plugin.DownloadAll(cmd.Context())
		},
	}
}

// newRunnerCommand is the child-process entry for process executors. The
// pool respawns the agent binary with this subcommand and speaks the task
// protocol over its pipes.
func newRunnerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "runner",
		Hidden: true,
		Short:  "Serve executor tasks over stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pool.RunnerMain(os.Stdin, os.Stdout)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

// runWorker runs one worker to completion with tracing installed.
func runWorker(ctx context.Context, opts WorkerOptions) error {
	shutdownTracing, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    opts.AgentID,
		ServiceVersion: version.Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", slog.String("error", err.Error()))
		}
	}()

	w, err := NewWorker(opts)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// runDev keeps a worker running, restarting it when source files change or
// when it fails. Restarts are debounced so a save burst restarts once.
func runDev(ctx context.Context, opts WorkerOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch source tree: %w", err)
	}

	restart := make(chan struct{}, 1)
	debounced := debounce.New(500 * time.Millisecond)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				name := ev.Name
				debounced(func() {
					slog.Info("files changed, restarting worker", slog.String("file", name))
					select {
					case restart <- struct{}{}:
					default:
					}
				})
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("file watcher error", slog.String("error", werr.Error()))
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- runWorker(runCtx, opts) }()

		select {
		case <-ctx.Done():
			cancel()
			return <-done
		case <-restart:
			cancel()
			if err := <-done; err != nil {
				slog.Warn("worker exited during restart", slog.String("error", err.Error()))
			}
		case err := <-done:
			cancel()
			if err == nil || ctx.Err() != nil {
				return err
			}
			slog.Error("worker failed, restarting", slog.String("error", err.Error()))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return err
			}
		}
	}
}

// runConsole simulates one job from local WAV files through the standard
// launch path, then shuts the worker down.
func runConsole(ctx context.Context, opts WorkerOptions, input, output, roomName string) error {
	w, err := NewWorker(opts)
	if err != nil {
		return err
	}
	room, err := job.NewConsoleRoom(job.ConsoleConfig{
		InputPath:  input,
		OutputPath: output,
		Logger:     opts.Logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(runCtx) }()

	j := job.Job{ID: job.NewJobID(), RoomName: roomName, AgentName: opts.AgentID}
	simErr := w.SimulateJob(ctx, j, room)

	cancel()
	if err := <-runErr; simErr == nil {
		simErr = err
	}
	return simErr
}
