package fake

import (
	"context"
	"strings"
	"testing"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
)

func collect(t *testing.T, s llm.ChatStream) (string, *llm.FunctionCall) {
	t.Helper()
	var text strings.Builder
	var fc *llm.FunctionCall
	for chunk := range s.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		text.WriteString(chunk.Delta)
		if chunk.FunctionCall != nil {
			fc = chunk.FunctionCall
		}
	}
	return text.String(), fc
}

func TestChatStreamReassemblesResponse(t *testing.T) {
	f := NewFakeLLM("the quick brown fox")
	s, err := f.ChatStream(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	text, fc := collect(t, s)
	if text != "the quick brown fox" {
		t.Errorf("text = %q", text)
	}
	if fc != nil {
		t.Errorf("unexpected function call %+v", fc)
	}
	if f.ChatCalls() != 1 {
		t.Errorf("ChatCalls() = %d, want 1", f.ChatCalls())
	}
}

func TestQueuedFunctionCallComesFirst(t *testing.T) {
	f := NewFakeLLM("sunny, 11 degrees")
	f.QueueFunctionCall(llm.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`, CallID: "call_1"})

	s1, err := f.ChatStream(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text, fc := collect(t, s1)
	if text != "" {
		t.Errorf("function-call stream produced text %q", text)
	}
	if fc == nil || fc.Name != "get_weather" {
		t.Fatalf("function call = %+v", fc)
	}

	// Follow-up stream produces the text response.
	s2, err := f.ChatStream(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text, fc = collect(t, s2)
	if fc != nil {
		t.Errorf("second stream repeated the function call")
	}
	if text != "sunny, 11 degrees" {
		t.Errorf("text = %q", text)
	}
}

func TestCancelCurrentClosesStream(t *testing.T) {
	gate := make(chan struct{})
	f := NewFakeLLM("a b c d e f g h")
	f.ChunkGate = gate

	s, err := f.ChatStream(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	gate <- struct{}{} // let one chunk through
	<-s.Chunks()

	f.CancelCurrent()
	if f.CancelCount() != 1 {
		t.Errorf("CancelCount() = %d, want 1", f.CancelCount())
	}

	// Stream drains without further gate feeds: it was cancelled.
	for range s.Chunks() {
	}
}

func TestRotatingResponses(t *testing.T) {
	f := NewFakeLLM("first", "second")

	r1, err := f.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := f.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	r3, err := f.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	if r1.Message.Content != "first" || r2.Message.Content != "second" || r3.Message.Content != "first" {
		t.Errorf("responses = %q, %q, %q", r1.Message.Content, r2.Message.Content, r3.Message.Content)
	}
}
