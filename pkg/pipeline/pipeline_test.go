package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	llmfake "github.com/chriscow/voice-agents-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/voice-agents-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/voice-agents-go/pkg/ai/tts/fake"
	vadfake "github.com/chriscow/voice-agents-go/pkg/ai/vad/fake"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
	turnfake "github.com/chriscow/voice-agents-go/pkg/turn/fake"
)

// memorySink accumulates egress audio for assertions.
type memorySink struct {
	mu         sync.Mutex
	bytes      int
	interrupts int
}

func (s *memorySink) AddBytes(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += len(pcm)
	return nil
}

func (s *memorySink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

func (s *memorySink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *memorySink) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// stubTools is a single-tool ToolSource with a scriptable result.
type stubTools struct {
	mu     sync.Mutex
	calls  []string
	result string
	err    error
}

func (st *stubTools) Definitions() []llm.FunctionDefinition {
	return []llm.FunctionDefinition{{
		Name:        "get_weather",
		Description: "Look up the current weather for a city.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
		},
	}}
}

func (st *stubTools) Execute(ctx context.Context, name, arguments string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls = append(st.calls, name)
	return st.result, st.err
}

func (st *stubTools) Calls() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.calls...)
}

type pipelineHarness struct {
	p    *Pipeline
	stt  *sttfake.ScriptedSTT
	llm  *llmfake.FakeLLM
	tts  *ttsfake.FakeTTS
	vad  *vadfake.ScriptedVAD
	eou  *turnfake.FakeTurnDetector
	sink *memorySink
	chat *llm.ChatContext
}

// newHarness builds and starts a pipeline on scripted engines. mutate, when
// set, adjusts the Config before construction.
func newHarness(t *testing.T, responses []string, mutate func(*Config)) *pipelineHarness {
	t.Helper()

	if len(responses) == 0 {
		responses = []string{"All done."}
	}
	h := &pipelineHarness{
		stt:  sttfake.NewScriptedSTT(),
		llm:  llmfake.NewFakeLLM(responses...),
		tts:  ttsfake.NewFakeTTS(),
		vad:  vadfake.NewScriptedVAD(),
		eou:  turnfake.NewFakeTurnDetector(),
		sink: &memorySink{},
		chat: llm.NewChatContext(),
	}
	cfg := Config{
		STT:    h.stt,
		LLM:    h.llm,
		TTS:    h.tts,
		VAD:    h.vad,
		EOU:    h.eou,
		Sink:   h.sink,
		Chat:   h.chat,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	h.p = p
	return h
}

// turnCount reads how many turns have been exported so far.
func (h *pipelineHarness) turnCount() int {
	return len(h.p.Collector().Turns())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testFrame(t *testing.T) rtc.AudioFrame {
	t.Helper()
	frame, err := rtc.FrameFromPCM(make([]byte, 960*2), rtc.SampleRate48k, 1)
	if err != nil {
		t.Fatalf("FrameFromPCM: %v", err)
	}
	return *frame
}

func assistantMessages(c *llm.ChatContext) []string {
	var out []string
	for _, m := range c.Messages() {
		if m.Role == llm.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestNewRequiresEngines(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without engines")
	}
	if _, err := New(Config{
		STT: sttfake.NewScriptedSTT(),
		LLM: llmfake.NewFakeLLM(),
		TTS: ttsfake.NewFakeTTS(),
	}); err == nil {
		t.Error("expected an error without a sink")
	}
}

func TestPipelineSingleTurn(t *testing.T) {
	var started []string
	var startedMu sync.Mutex

	h := newHarness(t, []string{"It is sunny today."}, func(cfg *Config) {
		cfg.OnTurnStart = func(text string) {
			startedMu.Lock()
			started = append(started, text)
			startedMu.Unlock()
		}
	})

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("what is the weather")

	waitFor(t, "turn to complete", func() bool { return h.turnCount() == 1 })

	msgs := h.chat.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 chat messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Content != "what is the weather" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "It is sunny today." {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}

	if h.sink.Bytes() == 0 {
		t.Error("no audio reached the sink")
	}
	if got := h.tts.Synthesized(); len(got) == 0 {
		t.Error("nothing was synthesized")
	}

	turn := h.p.Collector().Turns()[0]
	if turn.UserTranscript != "what is the weather" {
		t.Errorf("unexpected turn transcript %q", turn.UserTranscript)
	}
	if turn.AgentResponse != "It is sunny today." {
		t.Errorf("unexpected agent response %q", turn.AgentResponse)
	}
	if turn.Interrupted {
		t.Error("turn should not be interrupted")
	}
	for name, ts := range map[string]time.Time{
		"stt end":   turn.STTEnd,
		"eou end":   turn.EOUEnd,
		"llm start": turn.LLMStart,
		"llm end":   turn.LLMEnd,
		"tts start": turn.TTSStart,
		"ttfb":      turn.TTFB,
	} {
		if ts.IsZero() {
			t.Errorf("%s was never marked", name)
		}
	}

	startedMu.Lock()
	defer startedMu.Unlock()
	if len(started) != 1 || started[0] != "what is the weather" {
		t.Errorf("OnTurnStart saw %q", started)
	}
}

func TestAccumulatedFinalsJoined(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.WaitTimeout = 5 * time.Second
	})
	h.eou.QueueProbabilities(0.2, 0.95)

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("hello")
	waitFor(t, "first eou prediction", func() bool { return h.eou.PredictionCount() == 1 })

	h.stt.EmitFinal("world")
	waitFor(t, "turn to complete", func() bool { return h.turnCount() == 1 })

	msgs := h.chat.Messages()
	if len(msgs) == 0 || msgs[0].Content != "hello world" {
		t.Fatalf("finals were not joined: %+v", msgs)
	}
	if h.eou.PredictionCount() != 2 {
		t.Errorf("expected 2 predictions, got %d", h.eou.PredictionCount())
	}
	if h.llm.ChatCalls() != 1 {
		t.Errorf("expected a single response generation, got %d", h.llm.ChatCalls())
	}

	// The second prediction must have seen the joined transcript.
	ctxs := h.eou.Contexts()
	last := ctxs[1].Messages[len(ctxs[1].Messages)-1]
	if last.Content != "hello world" {
		t.Errorf("detector saw %q, expected joined transcript", last.Content)
	}
}

func TestWaitTimeoutFinalizes(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.WaitTimeout = 50 * time.Millisecond
	})
	h.eou.QueueProbabilities(0.1)

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("are you still there")

	waitFor(t, "wait timeout to finalize the turn", func() bool { return h.turnCount() == 1 })

	turn := h.p.Collector().Turns()[0]
	if turn.UserTranscript != "are you still there" {
		t.Errorf("unexpected transcript %q", turn.UserTranscript)
	}
	if h.eou.PredictionCount() != 1 {
		t.Errorf("expected 1 prediction, got %d", h.eou.PredictionCount())
	}
}

func TestSpeechWhileWaitingCancelsTimer(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.WaitTimeout = 500 * time.Millisecond
	})
	h.eou.QueueProbabilities(0.1, 0.95)

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("so I was thinking")
	waitFor(t, "first eou prediction", func() bool { return h.eou.PredictionCount() == 1 })

	// Resumed speech must cancel the pending wait timer.
	h.vad.EmitSpeechStart()

	time.Sleep(700 * time.Millisecond)
	if n := h.llm.ChatCalls(); n != 0 {
		t.Fatalf("turn finalized despite resumed speech: %d chat calls", n)
	}
	if h.turnCount() != 0 {
		t.Fatal("turn exported despite resumed speech")
	}

	h.stt.EmitFinal("about the weather")
	waitFor(t, "turn to complete", func() bool { return h.turnCount() == 1 })

	msgs := h.chat.Messages()
	if msgs[0].Content != "so I was thinking about the weather" {
		t.Errorf("unexpected joined transcript %q", msgs[0].Content)
	}
}

func TestBargeInInterruptsResponse(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []string{
		"One, two, three, four, five, six, seven, eight, nine, ten.",
		"Here is a joke.",
	}, nil)
	h.llm.ChunkGate = gate
	h.tts.FrameDelay = 5 * time.Millisecond

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("tell me a story")

	// Release a few words, then wait until the agent is audibly speaking.
	for i := 0; i < 4; i++ {
		gate <- struct{}{}
	}
	waitFor(t, "agent speech", func() bool { return h.p.Speaking() && h.sink.Bytes() > 0 })

	h.vad.EmitSpeechStart()

	waitFor(t, "interrupted turn export", func() bool { return h.turnCount() == 1 })
	turn := h.p.Collector().Turns()[0]
	if !turn.Interrupted {
		t.Error("turn should be marked interrupted")
	}
	if turn.AgentResponse == "" {
		t.Error("partial agent response was not recorded")
	}
	if h.tts.InterruptCount() == 0 {
		t.Error("tts was not interrupted")
	}
	if h.llm.CancelCount() == 0 {
		t.Error("llm stream was not cancelled")
	}
	if h.sink.Interrupts() == 0 {
		t.Error("sink was not interrupted")
	}
	if got := assistantMessages(h.chat); len(got) != 0 {
		t.Errorf("interrupted response must not enter the chat context, got %q", got)
	}

	// The pipeline must keep working: finish the second turn.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case gate <- struct{}{}:
			case <-stop:
				return
			}
		}
	}()

	h.stt.EmitFinal("actually tell me a joke")
	waitFor(t, "second turn", func() bool { return h.turnCount() == 2 })

	second := h.p.Collector().Turns()[1]
	if second.Interrupted {
		t.Error("second turn should complete normally")
	}
	if got := assistantMessages(h.chat); len(got) != 1 || got[0] != "Here is a joke." {
		t.Errorf("unexpected assistant messages %q", got)
	}
}

func TestReplyProgrammatic(t *testing.T) {
	h := newHarness(t, []string{"Welcome to the demo."}, nil)

	if err := h.p.Reply(context.Background(), "Greet the user.", false); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	waitFor(t, "reply turn", func() bool { return h.turnCount() == 1 })

	turn := h.p.Collector().Turns()[0]
	if turn.UserTranscript != "Greet the user." {
		t.Errorf("unexpected transcript %q", turn.UserTranscript)
	}
	if got := assistantMessages(h.chat); len(got) != 1 || got[0] != "Welcome to the demo." {
		t.Errorf("unexpected assistant messages %q", got)
	}
}

func TestReplyWaitForPlaybackGatesIngress(t *testing.T) {
	h := newHarness(t, []string{"Hello there friend, welcome to the party."}, nil)
	h.tts.FrameDelay = 3 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- h.p.Reply(context.Background(), "Say hello.", true)
	}()

	waitFor(t, "reply in flight", func() bool { return h.p.Replying() && h.sink.Bytes() > 0 })

	// Mic audio pushed while the reply plays must never reach recognition.
	for i := 0; i < 5; i++ {
		h.p.PushFrame(testFrame(t))
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.stt.FrameCount(); n != 0 {
		t.Fatalf("gated frames reached STT: %d", n)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reply: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Reply did not return")
	}

	h.p.PushFrame(testFrame(t))
	waitFor(t, "ingress to resume", func() bool { return h.stt.FrameCount() == 1 })
}

func TestSingleFlightReply(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []string{"Sure thing."}, nil)
	h.llm.ChunkGate = gate

	if err := h.p.Reply(context.Background(), "first", false); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	waitFor(t, "reply to start", func() bool { return h.p.Replying() && h.llm.ChatCalls() == 1 })

	// A second reply while one is generating must not spawn another.
	if err := h.p.Reply(context.Background(), "second", false); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.llm.ChatCalls(); n != 1 {
		t.Fatalf("second reply spawned another generation: %d chat calls", n)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case gate <- struct{}{}:
			case <-stop:
				return
			}
		}
	}()

	waitFor(t, "reply turn", func() bool { return h.turnCount() == 1 })
	if n := h.llm.ChatCalls(); n != 1 {
		t.Errorf("expected 1 generation total, got %d", n)
	}

	// Both instruction texts still land in the history.
	msgs := h.chat.Messages()
	var users []string
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			users = append(users, m.Content)
		}
	}
	if len(users) != 2 || users[0] != "first" || users[1] != "second" {
		t.Errorf("unexpected user messages %q", users)
	}
}

func TestToolLoop(t *testing.T) {
	tools := &stubTools{result: `{"temp": 72}`}
	h := newHarness(t, []string{"It is 72 degrees."}, func(cfg *Config) {
		cfg.Tools = tools
	})
	h.llm.QueueFunctionCall(llm.FunctionCall{
		Name:      "get_weather",
		Arguments: `{"city":"Austin"}`,
		CallID:    "call-1",
	})

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("weather in austin")

	waitFor(t, "turn to complete", func() bool { return h.turnCount() == 1 })

	if h.llm.ChatCalls() != 2 {
		t.Errorf("expected the stream to reopen after the tool, got %d calls", h.llm.ChatCalls())
	}
	if got := tools.Calls(); len(got) != 1 || got[0] != "get_weather" {
		t.Errorf("unexpected tool executions %q", got)
	}

	items := h.chat.Items()
	if len(items) != 4 {
		t.Fatalf("expected 4 chat items, got %d", len(items))
	}
	if items[1].Type != llm.ItemFunctionCall || items[1].Name != "get_weather" {
		t.Errorf("item 1 should be the function call, got %+v", items[1])
	}
	if items[2].Type != llm.ItemFunctionCallOutput || items[2].Output != `{"temp": 72}` || items[2].IsError {
		t.Errorf("item 2 should be the tool output, got %+v", items[2])
	}
	if items[3].Type != llm.ItemMessage || items[3].Role != llm.RoleAssistant {
		t.Errorf("item 3 should be the assistant reply, got %+v", items[3])
	}

	turn := h.p.Collector().Turns()[0]
	if len(turn.ToolsCalled) != 1 || turn.ToolsCalled[0].Name != "get_weather" {
		t.Errorf("tool call missing from turn metrics: %+v", turn.ToolsCalled)
	}
	if turn.ToolsCalled[0].Error != "" {
		t.Errorf("unexpected tool error %q", turn.ToolsCalled[0].Error)
	}
}

func TestToolErrorContinues(t *testing.T) {
	tools := &stubTools{err: errors.New("weather service unavailable")}
	h := newHarness(t, []string{"I could not reach the weather service."}, func(cfg *Config) {
		cfg.Tools = tools
	})
	h.llm.QueueFunctionCall(llm.FunctionCall{
		Name:      "get_weather",
		Arguments: `{"city":"Austin"}`,
		CallID:    "call-1",
	})

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("weather in austin")

	waitFor(t, "turn to complete", func() bool { return h.turnCount() == 1 })

	items := h.chat.Items()
	if len(items) != 4 {
		t.Fatalf("expected 4 chat items, got %d", len(items))
	}
	if !items[2].IsError || items[2].Output != "weather service unavailable" {
		t.Errorf("tool failure not recorded as error output: %+v", items[2])
	}
	if items[3].Role != llm.RoleAssistant {
		t.Errorf("response generation did not continue after the tool error")
	}

	turn := h.p.Collector().Turns()[0]
	if len(turn.ToolsCalled) != 1 || turn.ToolsCalled[0].Error == "" {
		t.Errorf("tool error missing from turn metrics: %+v", turn.ToolsCalled)
	}
}

func TestHotSwapSTT(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("first question")
	waitFor(t, "first turn", func() bool { return h.turnCount() == 1 })

	next := sttfake.NewScriptedSTT()
	if err := h.p.ChangeSTT(next); err != nil {
		t.Fatalf("ChangeSTT: %v", err)
	}
	if next.StreamCount() != 1 {
		t.Fatalf("expected a stream on the new engine, got %d", next.StreamCount())
	}

	// Ingress lands on the new engine.
	h.p.PushFrame(testFrame(t))
	waitFor(t, "frame on new engine", func() bool { return next.FrameCount() == 1 })
	if h.stt.FrameCount() != 0 {
		t.Errorf("frame leaked to the old engine")
	}

	h.vad.EmitSpeechStart()
	next.EmitFinal("second question")
	waitFor(t, "turn on new engine", func() bool { return h.turnCount() == 2 })
}

func TestProviderErrorDoesNotKillPipeline(t *testing.T) {
	var mu sync.Mutex
	var sources []ai.Source

	h := newHarness(t, nil, func(cfg *Config) {
		cfg.OnError = func(source ai.Source, err error) {
			mu.Lock()
			sources = append(sources, source)
			mu.Unlock()
		}
	})

	h.stt.EmitError(errors.New("websocket closed unexpectedly"))
	waitFor(t, "error delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) == 1
	})

	mu.Lock()
	if sources[0] != ai.SourceSTT {
		t.Errorf("expected an STT error, got %v", sources[0])
	}
	mu.Unlock()

	// The session keeps going.
	h.vad.EmitSpeechStart()
	h.stt.EmitFinal("still with me")
	waitFor(t, "turn after error", func() bool { return h.turnCount() == 1 })

	turn := h.p.Collector().Turns()[0]
	if len(turn.Errors) != 1 || turn.Errors[0].Source != ai.SourceSTT {
		t.Errorf("provider error missing from turn: %+v", turn.Errors)
	}
}

func TestNoFinalsNoTurn(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.vad.EmitSpeechStart()
	h.vad.EmitSpeechEnd()
	time.Sleep(50 * time.Millisecond)

	if err := h.p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.p.Collector().EndSession(context.Background())

	if n := h.turnCount(); n != 0 {
		t.Errorf("speech without a transcript produced %d turns", n)
	}
	if h.llm.ChatCalls() != 0 {
		t.Errorf("speech without a transcript reached the LLM")
	}
}
