// Command va-go runs a general-purpose voice assistant as a worker. Providers
// are chosen through the plugin registry: VOICE_AGENTS_STT=openai selects the
// OpenAI transcriber, VOICE_AGENTS_VAD=silero the ONNX voice detector, and so
// on. With nothing configured every slot resolves to the in-process fakes, so
//
//	va-go console --input hello.wav
//
// works out of the box. Setting VOICE_AGENTS_REALTIME switches the job from
// the cascading pipeline to a single speech-to-speech provider session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chriscow/voice-agents-go/agents"
	"github.com/chriscow/voice-agents-go/pkg/agent"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/job"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
	"github.com/chriscow/voice-agents-go/pkg/plugin"
	"github.com/chriscow/voice-agents-go/pkg/telemetry"
	"github.com/chriscow/voice-agents-go/pkg/turn"
	"github.com/chriscow/voice-agents-go/pkg/version"

	// Imported for plugin registration.
	_ "github.com/chriscow/voice-agents-go/pkg/plugin/eou"
	_ "github.com/chriscow/voice-agents-go/pkg/plugin/fake"
	_ "github.com/chriscow/voice-agents-go/pkg/plugin/openai"
	_ "github.com/chriscow/voice-agents-go/pkg/plugin/silero"
)

const defaultInstructions = "You are a helpful voice assistant. Keep answers short and conversational; they are spoken aloud."

func main() {
	err := agents.RunApp(agents.WorkerOptions{
		AgentID:      envOr("VOICE_AGENTS_AGENT_ID", "va-go"),
		Capabilities: []string{"voice"},
		Entrypoint:   entrypoint,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// entrypoint serves one assigned job: build the assistant, wire a pipeline to
// the job's room and run until the conversation ends.
func entrypoint(jc *job.JobContext) error {
	log := jc.Logger()

	assistant, err := agent.New(agent.Config{
		Name:         envOr("VOICE_AGENTS_AGENT_ID", "va-go"),
		Instructions: envOr("VOICE_AGENTS_INSTRUCTIONS", defaultInstructions),
		Tools:        []agent.Tool{currentTimeTool()},
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("build assistant: %w", err)
	}

	if name := os.Getenv("VOICE_AGENTS_REALTIME"); name != "" {
		return runRealtime(jc, assistant, name)
	}
	return runCascading(jc, assistant)
}

// runCascading resolves the five engines from the plugin registry and drives
// the STT -> EOU -> LLM -> TTS loop.
func runCascading(jc *job.JobContext, assistant *agent.Agent) error {
	sttEngine, err := plugin.NewSTT("", nil)
	if err != nil {
		return err
	}
	llmEngine, err := plugin.NewLLM("", nil)
	if err != nil {
		return err
	}
	ttsEngine, err := plugin.NewTTS("", nil)
	if err != nil {
		return err
	}
	vadEngine, err := plugin.NewVAD("", nil)
	if err != nil {
		return err
	}
	eouEngine, err := buildEOU(jc)
	if err != nil {
		// The loop still works without a detector: every final transcript
		// finalizes the turn immediately.
		jc.Logger().Warn("end-of-utterance detector unavailable",
			slog.String("error", err.Error()))
	}

	collector := telemetry.NewCollector(telemetry.SessionInfo{
		AgentName:   assistant.Name(),
		RoomID:      jc.Job().RoomName,
		STTProvider: plugin.DefaultName(plugin.KindSTT),
		LLMProvider: plugin.DefaultName(plugin.KindLLM),
		TTSProvider: plugin.DefaultName(plugin.KindTTS),
		VADProvider: plugin.DefaultName(plugin.KindVAD),
		SDKVersion:  version.Version,
	}, telemetry.WithLogger(jc.Logger()))

	pipe, err := pipeline.New(pipeline.Config{
		STT:       sttEngine,
		LLM:       llmEngine,
		TTS:       ttsEngine,
		VAD:       vadEngine,
		EOU:       eouEngine,
		Sink:      job.RoomOutput(jc.Room()),
		Tools:     assistant,
		Collector: collector,
		Chat:      assistant.Chat(),
		Logger:    jc.Logger(),
		Voice:     os.Getenv("VOICE_AGENTS_VOICE"),
		Language:  os.Getenv("VOICE_AGENTS_LANGUAGE"),
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	session, err := agents.NewSession(agents.SessionConfig{
		Agent:          assistant,
		Pipeline:       pipe,
		Room:           jc.Room(),
		AutoEndSession: true,
		SessionTimeout: envDuration("VOICE_AGENTS_SESSION_TIMEOUT", 0),
		Logger:         jc.Logger(),
	})
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	return jc.RunUntilShutdown(jc.Context(), session, true)
}

// buildEOU resolves the end-of-utterance detector. Model-bearing detectors
// run on the worker's dedicated inference executor when the job carries one,
// so the ONNX session loads once and is shared across jobs; everything else
// (the fake, a remote endpoint plugin) runs in process as usual.
func buildEOU(jc *job.JobContext) (turn.Detector, error) {
	name := plugin.DefaultName(plugin.KindEOU)
	switch name {
	case "english", "multilingual":
		if runner := jc.Inference(); runner != nil {
			return turn.NewPooledDetector(runner, turn.DetectorConfig{Model: name})
		}
	}
	return plugin.NewEOU(name, nil)
}

// runRealtime hands the whole conversation to one speech-to-speech provider
// session instead of the cascading engines.
func runRealtime(jc *job.JobContext, assistant *agent.Agent, name string) error {
	model, err := plugin.NewRealtime(name, nil)
	if err != nil {
		return err
	}

	session, err := agents.NewRealtimeSession(agents.RealtimeSessionConfig{
		Agent:          assistant,
		Model:          model,
		Room:           jc.Room(),
		Session:        realtime.SessionConfig{Voice: os.Getenv("VOICE_AGENTS_VOICE")},
		AutoEndSession: true,
		SessionTimeout: envDuration("VOICE_AGENTS_SESSION_TIMEOUT", 0),
		Logger:         jc.Logger(),
	})
	if err != nil {
		return fmt.Errorf("build realtime session: %w", err)
	}
	return jc.RunUntilShutdown(jc.Context(), session, true)
}

// currentTimeTool reports the server's wall-clock time, the smallest useful
// tool a spoken assistant can carry.
func currentTimeTool() agent.Tool {
	return agent.Tool{
		Definition: llm.FunctionDefinition{
			Name:        "current_time",
			Description: "Get the current date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, arguments string) (string, error) {
			out, err := json.Marshal(map[string]string{
				"time": time.Now().Format(time.RFC1123),
			})
			return string(out), err
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
