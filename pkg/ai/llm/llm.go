// Package llm defines the language-model contract used by the conversation
// flow: a streaming chat interface with tool support, plus the ChatContext
// type that owns conversation history.
package llm

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/ai"
)

var (
	// ErrRecoverable indicates a temporary LLM failure that may succeed if retried.
	// Examples: rate limiting, temporary service error, timeout.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent LLM failure that will not succeed if retried.
	// Examples: invalid API key, unsupported model, content policy violation.
	ErrFatal = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    MessageRole
	Content string
	Name    string // optional speaker name
}

// FunctionCall represents a tool invocation requested by the model.
type FunctionCall struct {
	Name      string
	Arguments string // JSON-encoded arguments
	CallID    string
}

// FunctionCallOutput carries the result of executing a FunctionCall back to
// the model. IsError marks tool failures; the loop continues either way.
type FunctionCallOutput struct {
	Name    string
	CallID  string
	Output  string
	IsError bool
}

// FunctionDefinition defines a function that the LLM can call.
type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Context     *ChatContext
	MaxTokens   int
	Temperature float32
	TopP        float32
	Functions   []FunctionDefinition
}

// ChatResponse contains the response from a non-streaming chat request.
type ChatResponse struct {
	Message      Message
	FunctionCall *FunctionCall
	TokensUsed   int
	FinishReason string
}

// ChatChunk is one streamed increment from the model. Exactly one of Delta
// or FunctionCall is set; Err reports a mid-stream provider failure.
type ChatChunk struct {
	Delta        string
	FunctionCall *FunctionCall
	FinishReason string
	Err          error
}

// ChatStream is a finite, non-restartable sequence of chunks. Chunks is
// closed when the model finishes, the stream is closed, or an error chunk
// has been delivered.
type ChatStream interface {
	Chunks() <-chan ChatChunk

	// Close abandons the stream. Safe to call more than once.
	Close() error
}

// LLMCapabilities describes the capabilities of an LLM provider.
type LLMCapabilities struct {
	SupportsFunctions  bool
	SupportsStreaming  bool
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for large language model providers.
type LLM interface {
	// Chat performs a blocking chat completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatStream opens a streaming completion over the request context.
	ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error)

	// CancelCurrent closes the most recently opened stream, if any. Used by
	// barge-in; a no-op when nothing is in flight.
	CancelCurrent()

	// Capabilities returns the provider's capabilities.
	Capabilities() LLMCapabilities
}
