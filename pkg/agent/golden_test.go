package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	llmfake "github.com/chriscow/voice-agents-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/voice-agents-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/voice-agents-go/pkg/ai/tts/fake"
	vadfake "github.com/chriscow/voice-agents-go/pkg/ai/vad/fake"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
	turnfake "github.com/chriscow/voice-agents-go/pkg/turn/fake"
)

type countingSink struct {
	mu    sync.Mutex
	bytes int
}

func (s *countingSink) AddBytes(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += len(pcm)
	return nil
}

func (s *countingSink) Interrupt() {}

func (s *countingSink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// TestAgentGoldenConversation drives an agent through a complete tool-using
// turn on scripted engines and checks the conversation record end to end.
func TestAgentGoldenConversation(t *testing.T) {
	a, err := New(Config{
		Name:         "weather-bot",
		Instructions: "You answer questions about the weather.",
		Tools:        []Tool{weatherTool(`{"temp": 72, "sky": "clear"}`, nil)},
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("New agent: %v", err)
	}

	sttEngine := sttfake.NewScriptedSTT()
	llmEngine := llmfake.NewFakeLLM("It is 72 degrees and clear in Oslo.")
	vadEngine := vadfake.NewScriptedVAD()
	sink := &countingSink{}

	p, err := pipeline.New(pipeline.Config{
		STT:    sttEngine,
		LLM:    llmEngine,
		TTS:    ttsfake.NewFakeTTS(),
		VAD:    vadEngine,
		EOU:    turnfake.NewFakeTurnDetector(),
		Sink:   sink,
		Tools:  a,
		Chat:   a.Chat(),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("New pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	llmEngine.QueueFunctionCall(llm.FunctionCall{
		Name:      "get_weather",
		Arguments: `{"city":"Oslo"}`,
		CallID:    "call-1",
	})

	vadEngine.EmitSpeechStart()
	sttEngine.EmitFinal("what is the weather in Oslo")

	deadline := time.Now().Add(3 * time.Second)
	for len(p.Collector().Turns()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the turn to complete")
		}
		time.Sleep(2 * time.Millisecond)
	}

	items := a.Chat().Items()
	if len(items) != 5 {
		t.Fatalf("expected 5 chat items, got %d", len(items))
	}
	if items[0].Role != llm.RoleSystem || items[0].Text() != "You answer questions about the weather." {
		t.Errorf("item 0 should be the instructions, got %+v", items[0])
	}
	if items[1].Role != llm.RoleUser || items[1].Text() != "what is the weather in Oslo" {
		t.Errorf("item 1 should be the user turn, got %+v", items[1])
	}
	if items[2].Type != llm.ItemFunctionCall || items[2].Name != "get_weather" {
		t.Errorf("item 2 should be the tool call, got %+v", items[2])
	}
	if items[3].Type != llm.ItemFunctionCallOutput || items[3].Output != `{"temp": 72, "sky": "clear"}` || items[3].IsError {
		t.Errorf("item 3 should be the tool result, got %+v", items[3])
	}
	if items[4].Role != llm.RoleAssistant || items[4].Text() != "It is 72 degrees and clear in Oslo." {
		t.Errorf("item 4 should be the assistant reply, got %+v", items[4])
	}

	if got := counterValue(a.Metrics().ToolCalls, "get_weather"); got != 1 {
		t.Errorf("expected 1 tool call in metrics, got %d", got)
	}
	if sink.Bytes() == 0 {
		t.Error("no synthesized audio reached the sink")
	}

	turn := p.Collector().Turns()[0]
	if turn.UserTranscript != "what is the weather in Oslo" {
		t.Errorf("unexpected transcript %q", turn.UserTranscript)
	}
	if turn.AgentResponse != "It is 72 degrees and clear in Oslo." {
		t.Errorf("unexpected response %q", turn.AgentResponse)
	}
	if len(turn.ToolsCalled) != 1 || turn.ToolsCalled[0].Name != "get_weather" {
		t.Errorf("tool call missing from turn metrics: %+v", turn.ToolsCalled)
	}
}
