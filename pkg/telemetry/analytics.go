package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// TurnAnalytics is the flat per-turn payload handed to the Emitter. Keys are
// camelCase; fields that never carry signal (raw timestamps, error details,
// per-tool timing) are deliberately absent. Session-level fields are set only
// on the first exported turn of a session.
type TurnAnalytics struct {
	SessionID  string `json:"sessionId"`
	TurnNumber int    `json:"turnNumber"`

	// Session-level, first turn only.
	AgentName   string `json:"agentName,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	STTProvider string `json:"sttProvider,omitempty"`
	LLMProvider string `json:"llmProvider,omitempty"`
	TTSProvider string `json:"ttsProvider,omitempty"`
	VADProvider string `json:"vadProvider,omitempty"`
	SDKVersion  string `json:"sdkVersion,omitempty"`
	Platform    string `json:"platform,omitempty"`

	// Engine latencies, ms rounded to 4 decimals. Nil means the engine
	// never completed during this turn.
	STTLatency *float64 `json:"sttLatency,omitempty"`
	EOULatency *float64 `json:"eouLatency,omitempty"`
	LLMLatency *float64 `json:"llmLatency,omitempty"`
	TTSLatency *float64 `json:"ttsLatency,omitempty"`
	TTFB       *float64 `json:"ttfb,omitempty"`
	E2ELatency *float64 `json:"e2eLatency,omitempty"`

	// Realtime pipeline only.
	ThinkingDelay *float64 `json:"thinkingDelay,omitempty"`

	UserSpeechDuration  *float64 `json:"userSpeechDuration,omitempty"`
	AgentSpeechDuration *float64 `json:"agentSpeechDuration,omitempty"`

	Interrupted bool     `json:"interrupted"`
	ToolsCalled []string `json:"toolsCalled,omitempty"`

	UserTranscript string `json:"userTranscript,omitempty"`
	AgentResponse  string `json:"agentResponse,omitempty"`

	IsA2AEnabled bool `json:"isA2AEnabled,omitempty"`
}

// Emitter receives one payload per exported turn.
type Emitter interface {
	EmitTurn(ctx context.Context, payload TurnAnalytics) error
}

// NopEmitter discards payloads.
type NopEmitter struct{}

func (NopEmitter) EmitTurn(ctx context.Context, payload TurnAnalytics) error { return nil }

// LogEmitter writes payloads to the structured log at debug level.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) EmitTurn(ctx context.Context, payload TurnAnalytics) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	logger.DebugContext(ctx, "turn analytics",
		slog.String("session_id", payload.SessionID),
		slog.Int("turn", payload.TurnNumber),
		slog.String("payload", string(data)))
	return nil
}

// HTTPEmitter posts payloads as JSON to an analytics endpoint.
type HTTPEmitter struct {
	URL       string
	AuthToken string

	// Client defaults to a 5s-timeout client.
	Client *http.Client
}

func (e *HTTPEmitter) EmitTurn(ctx context.Context, payload TurnAnalytics) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.AuthToken)
	}

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// buildAnalytics flattens a cascading turn into the export payload.
// firstTurn controls whether session-level fields are attached.
func buildAnalytics(info SessionInfo, t *Turn, firstTurn bool) TurnAnalytics {
	payload := TurnAnalytics{
		SessionID:      info.SessionID,
		TurnNumber:     t.Seq,
		Interrupted:    t.Interrupted,
		UserTranscript: t.UserTranscript,
		AgentResponse:  t.AgentResponse,
	}

	if firstTurn {
		attachSessionFields(&payload, info)
	}

	if ms, ok := t.STTLatencyMS(); ok {
		payload.STTLatency = &ms
	}
	if ms, ok := t.EOULatencyMS(); ok {
		payload.EOULatency = &ms
	}
	if ms, ok := t.LLMLatencyMS(); ok {
		payload.LLMLatency = &ms
	}
	if ms, ok := t.TTSLatencyMS(); ok {
		payload.TTSLatency = &ms
	}
	if ms, ok := t.TTFBMS(); ok {
		payload.TTFB = &ms
	}
	if ms, ok := t.E2ELatencyMS(); ok {
		payload.E2ELatency = &ms
	}
	if ms, ok := t.UserSpeechDurationMS(); ok {
		payload.UserSpeechDuration = &ms
	}

	for _, ev := range t.Timeline {
		if ev.Kind == TimelineAgentSpeech && !ev.End.IsZero() {
			ms := ev.DurationMS()
			payload.AgentSpeechDuration = &ms
		}
	}

	for _, tc := range t.ToolsCalled {
		payload.ToolsCalled = append(payload.ToolsCalled, tc.Name)
	}

	return payload
}

func attachSessionFields(payload *TurnAnalytics, info SessionInfo) {
	payload.AgentName = info.AgentName
	payload.RoomID = info.RoomID
	payload.STTProvider = info.STTProvider
	payload.LLMProvider = info.LLMProvider
	payload.TTSProvider = info.TTSProvider
	payload.VADProvider = info.VADProvider
	payload.SDKVersion = info.SDKVersion
	payload.Platform = runtime.GOOS + "/" + runtime.GOARCH
}
