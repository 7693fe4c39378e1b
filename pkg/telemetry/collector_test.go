package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai"
)

// recordingEmitter captures payloads for assertions.
type recordingEmitter struct {
	mu       sync.Mutex
	payloads []TurnAnalytics
}

func (e *recordingEmitter) EmitTurn(ctx context.Context, payload TurnAnalytics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, payload)
	return nil
}

func (e *recordingEmitter) Payloads() []TurnAnalytics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TurnAnalytics(nil), e.payloads...)
}

func testInfo() SessionInfo {
	return SessionInfo{
		SessionID:   "sess-1",
		AgentName:   "test-agent",
		RoomID:      "room-1",
		STTProvider: "fake-stt",
		LLMProvider: "fake-llm",
		TTSProvider: "fake-tts",
		SDKVersion:  "0.1.0",
	}
}

func runFullTurn(c *Collector) {
	c.BeginUserSpeech()
	c.BeginSTT()
	c.EndUserSpeech("what is the weather")
	c.EndSTT()
	c.BeginEOU()
	c.EndEOU()
	c.BeginLLM()
	c.EndLLM()
	c.BeginTTS()
	c.MarkTTFB()
	c.BeginAgentSpeech()
	c.EndAgentSpeech("it is sunny")
	c.EndTTS()
	c.EndTurn(context.Background())
}

func TestCollectorExportsCompleteTurn(t *testing.T) {
	emitter := &recordingEmitter{}
	c := NewCollector(testInfo(), WithEmitter(emitter))

	runFullTurn(c)

	turns := c.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected 1 exported turn, got %d", len(turns))
	}
	turn := turns[0]
	if turn.Seq != 1 {
		t.Errorf("expected turn seq 1, got %d", turn.Seq)
	}
	if !turn.HasSubstance() {
		t.Error("full turn should have substance")
	}
	if turn.UserTranscript != "what is the weather" {
		t.Errorf("unexpected transcript %q", turn.UserTranscript)
	}
	if turn.AgentResponse != "it is sunny" {
		t.Errorf("unexpected response %q", turn.AgentResponse)
	}

	payloads := emitter.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 analytics payload, got %d", len(payloads))
	}
}

func TestTurnMonotonicity(t *testing.T) {
	c := NewCollector(testInfo())
	runFullTurn(c)

	turn := c.Turns()[0]

	ordered := [][2]time.Time{
		{turn.STTStart, turn.STTEnd},
		{turn.STTEnd, turn.LLMStart},
		{turn.LLMStart, turn.LLMEnd},
		{turn.TTSStart, turn.TTFB},
		{turn.TTFB, turn.TTSEnd},
	}
	for i, pair := range ordered {
		if pair[0].After(pair[1]) {
			t.Errorf("ordering violated at pair %d: %v after %v", i, pair[0], pair[1])
		}
	}

	// Timeline events of the same kind must not overlap.
	byKind := map[TimelineKind][]TimelineEvent{}
	for _, ev := range turn.Timeline {
		byKind[ev.Kind] = append(byKind[ev.Kind], ev)
	}
	for kind, events := range byKind {
		for i := 1; i < len(events); i++ {
			if events[i].Start.Before(events[i-1].End) {
				t.Errorf("%s events overlap: %v starts before %v ends", kind, events[i].Start, events[i-1].End)
			}
		}
	}
}

func TestTurnWithoutSubstanceIsDiscarded(t *testing.T) {
	emitter := &recordingEmitter{}
	c := NewCollector(testInfo(), WithEmitter(emitter))

	// User speaks but no engine ever completes.
	c.BeginUserSpeech()
	c.EndUserSpeech("hello")
	c.EndTurn(context.Background())

	if got := len(c.Turns()); got != 0 {
		t.Fatalf("expected no exported turns, got %d", got)
	}
	if got := len(emitter.Payloads()); got != 0 {
		t.Fatalf("expected no analytics payloads, got %d", got)
	}
}

func TestDiscardedTurnTransplantsSpeechStart(t *testing.T) {
	c := NewCollector(testInfo())

	// First turn: speech only, discarded.
	c.BeginUserSpeech()
	earlyStart := c.CurrentTurn().UserSpeechStart
	c.EndUserSpeech("early audio")
	c.EndTurn(context.Background())

	time.Sleep(5 * time.Millisecond)

	// Second turn: full pipeline.
	runFullTurn(c)

	turns := c.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected 1 exported turn, got %d", len(turns))
	}
	turn := turns[0]
	if !turn.UserSpeechStart.Equal(earlyStart) {
		t.Errorf("expected transplanted speech start %v, got %v", earlyStart, turn.UserSpeechStart)
	}
	if turn.Seq != 1 {
		t.Errorf("discarded turn should not consume a sequence number, got seq %d", turn.Seq)
	}
}

func TestE2ELatencyIsSumOfPresentLatencies(t *testing.T) {
	base := time.Now()
	turn := &Turn{
		Seq:      1,
		STTStart: base, STTEnd: base.Add(100 * time.Millisecond),
		EOUStart: base.Add(100 * time.Millisecond), EOUEnd: base.Add(120 * time.Millisecond),
		LLMStart: base.Add(120 * time.Millisecond), LLMEnd: base.Add(420 * time.Millisecond),
		TTSStart: base.Add(420 * time.Millisecond), TTSEnd: base.Add(620 * time.Millisecond),
	}

	e2e, ok := turn.E2ELatencyMS()
	if !ok {
		t.Fatal("expected e2e latency to be present")
	}
	if want := 100.0 + 20.0 + 300.0 + 200.0; e2e != want {
		t.Errorf("expected e2e %v, got %v", want, e2e)
	}
}

func TestE2ESkipsAbsentEngines(t *testing.T) {
	base := time.Now()
	turn := &Turn{
		Seq:      1,
		LLMStart: base, LLMEnd: base.Add(250 * time.Millisecond),
	}

	e2e, ok := turn.E2ELatencyMS()
	if !ok {
		t.Fatal("turn with LLM latency has substance")
	}
	if e2e != 250.0 {
		t.Errorf("expected 250ms, got %v", e2e)
	}
}

func TestRoundMS(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want float64
	}{
		{time.Millisecond, 1.0},
		{1500 * time.Microsecond, 1.5},
		{123456789 * time.Nanosecond, 123.4568},
		{time.Duration(0), 0},
	}
	for _, tt := range tests {
		if got := RoundMS(tt.d); got != tt.want {
			t.Errorf("RoundMS(%v) = %v, want %v", tt.d, got, tt.want)
		}
	}
}

func TestSpanTreeStructure(t *testing.T) {
	c := NewCollector(testInfo())
	runFullTurn(c)
	c.EndSession(context.Background())

	root := c.SpanTree()
	if root.Name != SpanAgentSession {
		t.Fatalf("expected root %q, got %q", SpanAgentSession, root.Name)
	}
	if root.Child(SpanSessionConfig) == nil {
		t.Error("missing Session Configuration span")
	}
	if root.Child(SpanSessionStart) == nil {
		t.Error("missing Session Started span")
	}

	turns := root.Child(SpanTurns)
	if turns == nil {
		t.Fatal("missing User & Agent Turns span")
	}
	if len(turns.Children) != 1 {
		t.Fatalf("expected 1 turn span, got %d", len(turns.Children))
	}

	turnSpan := turns.Children[0]
	if turnSpan.Name != "Turn #1" {
		t.Errorf("expected Turn #1, got %q", turnSpan.Name)
	}
	for _, name := range []string{SpanSTT, SpanEOU, SpanLLM, SpanTTS, SpanUserSpeech, SpanAgentSpeech} {
		if turnSpan.Child(name) == nil {
			t.Errorf("turn span missing %q child", name)
		}
	}
	tts := turnSpan.Child(SpanTTS)
	if tts.Child(SpanTTFB) == nil {
		t.Error("TTS span missing TTFB child")
	}
}

func TestToolCallSpansNestUnderLLM(t *testing.T) {
	c := NewCollector(testInfo())

	c.BeginUserSpeech()
	c.EndUserSpeech("check the weather")
	c.BeginLLM()
	now := time.Now()
	c.RecordToolCall(ToolCall{
		Name:      "get_weather",
		Arguments: `{"city":"Berlin"}`,
		StartedAt: now,
		EndedAt:   now.Add(10 * time.Millisecond),
	})
	c.EndLLM()
	c.EndTurn(context.Background())

	root := c.SpanTree()
	turnSpan := root.Child(SpanTurns).Children[0]
	llm := turnSpan.Child(SpanLLM)
	if llm == nil {
		t.Fatal("missing LLM span")
	}
	if llm.Child("Tool: get_weather") == nil {
		t.Error("tool span not nested under LLM")
	}
}

func TestErrorsAttachToTurn(t *testing.T) {
	c := NewCollector(testInfo())
	c.BeginUserSpeech()
	c.RecordError(ai.SourceTTS, errors.New("socket closed"))
	c.BeginLLM()
	c.EndLLM()
	c.EndTurn(context.Background())

	turn := c.Turns()[0]
	if len(turn.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(turn.Errors))
	}
	if turn.Errors[0].Source != ai.SourceTTS {
		t.Errorf("expected TTS source, got %s", turn.Errors[0].Source)
	}
}

func TestInterruptedTurnKeepsPartial(t *testing.T) {
	c := NewCollector(testInfo())
	c.BeginUserSpeech()
	c.EndUserSpeech("stop")
	c.BeginLLM()
	c.EndLLM()
	c.BeginTTS()
	c.BeginAgentSpeech()
	c.MarkInterrupted()
	c.EndTurn(context.Background())

	turn := c.Turns()[0]
	if !turn.Interrupted {
		t.Error("expected interrupted flag")
	}
	// The open agent_speech event must be closed on finalize.
	for _, ev := range turn.Timeline {
		if ev.End.IsZero() {
			t.Errorf("timeline event %s left open", ev.Kind)
		}
	}
}
