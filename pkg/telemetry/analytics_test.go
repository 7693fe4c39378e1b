package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnalyticsSessionFieldsOnlyOnFirstTurn(t *testing.T) {
	emitter := &recordingEmitter{}
	c := NewCollector(testInfo(), WithEmitter(emitter))

	runFullTurn(c)
	runFullTurn(c)

	payloads := emitter.Payloads()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}

	first, second := payloads[0], payloads[1]
	if first.AgentName != "test-agent" {
		t.Errorf("first turn should carry agentName, got %q", first.AgentName)
	}
	if first.STTProvider != "fake-stt" || first.LLMProvider != "fake-llm" || first.TTSProvider != "fake-tts" {
		t.Error("first turn should carry provider fields")
	}
	if first.Platform == "" {
		t.Error("first turn should carry platform")
	}

	if second.AgentName != "" || second.STTProvider != "" || second.Platform != "" {
		t.Error("session fields must be omitted after the first turn")
	}
	if second.TurnNumber != 2 {
		t.Errorf("expected turn number 2, got %d", second.TurnNumber)
	}
}

func TestAnalyticsJSONShape(t *testing.T) {
	emitter := &recordingEmitter{}
	c := NewCollector(testInfo(), WithEmitter(emitter))
	runFullTurn(c)

	payload := emitter.Payloads()[0]
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// Flat: no nested objects or arrays except toolsCalled.
	for key, value := range flat {
		switch value.(type) {
		case map[string]any:
			t.Errorf("payload is not flat: %q is an object", key)
		case []any:
			if key != "toolsCalled" {
				t.Errorf("unexpected array field %q", key)
			}
		}
	}

	for _, key := range []string{"sessionId", "turnNumber", "sttLatency", "llmLatency", "ttsLatency", "e2eLatency", "interrupted"} {
		if _, ok := flat[key]; !ok {
			t.Errorf("expected camelCase key %q in payload", key)
		}
	}

	// Never-useful fields stay out of the payload.
	for _, key := range []string{"errors", "timeline", "sttStart", "sttEnd", "userSpeechStart"} {
		if _, ok := flat[key]; ok {
			t.Errorf("payload must not contain %q", key)
		}
	}
	if _, ok := flat["isA2AEnabled"]; ok {
		t.Error("isA2AEnabled must be omitted unless set")
	}
}

func TestAnalyticsOmitsAbsentLatencies(t *testing.T) {
	emitter := &recordingEmitter{}
	c := NewCollector(testInfo(), WithEmitter(emitter))

	// LLM-only turn (text reply without TTS).
	c.BeginUserSpeech()
	c.EndUserSpeech("hi")
	c.BeginLLM()
	c.EndLLM()
	c.EndTurn(context.Background())

	payload := emitter.Payloads()[0]
	data, _ := json.Marshal(payload)

	var flat map[string]any
	json.Unmarshal(data, &flat)

	if _, ok := flat["sttLatency"]; ok {
		t.Error("sttLatency must be omitted when STT never ran")
	}
	if _, ok := flat["ttsLatency"]; ok {
		t.Error("ttsLatency must be omitted when TTS never ran")
	}
	if _, ok := flat["llmLatency"]; !ok {
		t.Error("llmLatency must be present")
	}
}

func TestBuildAnalyticsRoundsToFourDecimals(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	turn := &Turn{
		Seq:      1,
		STTStart: base,
		STTEnd:   base.Add(123456789 * time.Nanosecond),
	}

	payload := buildAnalytics(testInfo(), turn, false)
	if payload.STTLatency == nil {
		t.Fatal("expected sttLatency")
	}
	if *payload.STTLatency != 123.4568 {
		t.Errorf("expected 123.4568, got %v", *payload.STTLatency)
	}
}

func TestHTTPEmitterPostsJSON(t *testing.T) {
	var received TurnAnalytics
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter := &HTTPEmitter{URL: server.URL, AuthToken: "token-123"}
	payload := TurnAnalytics{SessionID: "s", TurnNumber: 3, Interrupted: true}
	if err := emitter.EmitTurn(context.Background(), payload); err != nil {
		t.Fatalf("EmitTurn failed: %v", err)
	}

	if received.SessionID != "s" || received.TurnNumber != 3 || !received.Interrupted {
		t.Errorf("unexpected payload received: %+v", received)
	}
	if auth != "Bearer token-123" {
		t.Errorf("unexpected auth header %q", auth)
	}
}

func TestHTTPEmitterSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	emitter := &HTTPEmitter{URL: server.URL}
	if err := emitter.EmitTurn(context.Background(), TurnAnalytics{SessionID: "s"}); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}
