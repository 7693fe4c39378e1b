// Package fake provides a deterministic LLM for tests: canned rotating
// responses streamed word by word, scripted function calls, and counters
// for invocation and cancellation assertions.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
)

var _ llm.LLM = (*FakeLLM)(nil)

// FakeLLM is a fake LLM implementation for testing.
type FakeLLM struct {
	mu        sync.Mutex
	responses []string
	callCount int

	pendingCalls []llm.FunctionCall
	cancelCount  int
	current      *fakeStream

	// ChunkGate, when set, is received from before each text chunk is
	// emitted, letting tests pace the stream (e.g. to inject a barge-in
	// mid-response).
	ChunkGate <-chan struct{}
}

// NewFakeLLM creates a new fake LLM provider with predefined responses.
func NewFakeLLM(responses ...string) *FakeLLM {
	if len(responses) == 0 {
		responses = []string{
			"This is a fake response from the fake LLM provider.",
			"I'm a fake AI assistant. How can I help you?",
			"This is another fake response for testing purposes.",
		}
	}
	return &FakeLLM{responses: responses}
}

// QueueFunctionCall makes the next stream emit fc before any text. The call
// is consumed once; the follow-up stream (after the tool output lands in the
// context) produces a normal text response.
func (f *FakeLLM) QueueFunctionCall(fc llm.FunctionCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingCalls = append(f.pendingCalls, fc)
}

// ChatCalls reports how many chat invocations (blocking or streaming) were made.
func (f *FakeLLM) ChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// CancelCount reports how many times CancelCurrent found a live stream.
func (f *FakeLLM) CancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCount
}

// Chat processes a blocking chat request and returns a fake response.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	response := f.responses[f.callCount%len(f.responses)]
	f.callCount++
	var fc *llm.FunctionCall
	if len(f.pendingCalls) > 0 {
		call := f.pendingCalls[0]
		f.pendingCalls = f.pendingCalls[1:]
		fc = &call
	}
	f.mu.Unlock()

	if fc != nil {
		return llm.ChatResponse{
			Message:      llm.Message{Role: llm.RoleAssistant},
			FunctionCall: fc,
			TokensUsed:   10,
			FinishReason: "function_call",
		}, nil
	}

	return llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: response},
		TokensUsed:   len(strings.Fields(response)) + 10,
		FinishReason: "stop",
	}, nil
}

// ChatStream opens a stream that yields either a queued function call or the
// next canned response, one word per chunk.
func (f *FakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	f.mu.Lock()
	response := f.responses[f.callCount%len(f.responses)]
	f.callCount++
	var fc *llm.FunctionCall
	if len(f.pendingCalls) > 0 {
		call := f.pendingCalls[0]
		f.pendingCalls = f.pendingCalls[1:]
		fc = &call
	}
	gate := f.ChunkGate
	s := &fakeStream{
		chunks: make(chan llm.ChatChunk, 8),
		done:   make(chan struct{}),
	}
	f.current = s
	f.mu.Unlock()

	go s.run(ctx, response, fc, gate)
	return s, nil
}

// CancelCurrent closes the most recently opened stream.
func (f *FakeLLM) CancelCurrent() {
	f.mu.Lock()
	s := f.current
	f.current = nil
	if s != nil {
		f.cancelCount++
	}
	f.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Capabilities returns the fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		SupportsStreaming:  true,
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model-1", "fake-model-2"},
		SupportsSystemRole: true,
	}
}

type fakeStream struct {
	chunks    chan llm.ChatChunk
	done      chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) run(ctx context.Context, response string, fc *llm.FunctionCall, gate <-chan struct{}) {
	defer close(s.chunks)

	if fc != nil {
		select {
		case s.chunks <- llm.ChatChunk{FunctionCall: fc, FinishReason: "function_call"}:
		case <-s.done:
		case <-ctx.Done():
		}
		return
	}

	words := strings.Fields(response)
	for i, w := range words {
		if gate != nil {
			select {
			case <-gate:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		select {
		case s.chunks <- llm.ChatChunk{Delta: chunk}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}

	select {
	case s.chunks <- llm.ChatChunk{FinishReason: "stop"}:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *fakeStream) Chunks() <-chan llm.ChatChunk { return s.chunks }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
