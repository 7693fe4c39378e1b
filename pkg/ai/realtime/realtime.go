// Package realtime defines the contract for integrated speech-to-speech
// providers: a single bidirectional session that listens and speaks
// concurrently, replacing the cascading STT/LLM/TTS chain.
package realtime

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// SessionConfig configures a realtime session.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []llm.FunctionDefinition

	// InputSampleRate and OutputSampleRate are the PCM rates the provider
	// expects and produces. Zero selects the provider default.
	InputSampleRate  int
	OutputSampleRate int
}

// EventType tags a session event.
type EventType int

const (
	// EventUserSpeechStart fires when the provider detects the user speaking.
	EventUserSpeechStart EventType = iota
	// EventUserSpeechEnd fires when the provider detects the user stopped.
	EventUserSpeechEnd
	// EventAgentSpeechStart fires with the first audio of an agent response.
	EventAgentSpeechStart
	// EventAgentSpeechEnd fires when an agent response finishes.
	EventAgentSpeechEnd
	// EventUserTranscript carries the user's finalized transcript.
	EventUserTranscript
	// EventAgentTranscript carries the agent's response transcript.
	EventAgentTranscript
	// EventToolCall asks the runtime to execute a tool. Reply with
	// Session.SendToolResponse using the same CallID.
	EventToolCall
	// EventError carries a provider-side failure. The session stays usable
	// unless the audio/event channels close.
	EventError
)

// Event is a tagged union of session happenings.
type Event struct {
	Type EventType

	Text string // transcripts

	// Tool call fields.
	ToolName string
	ToolArgs string // JSON-encoded
	CallID   string

	Err error
}

// Session is a live bidirectional link to a realtime provider. Audio and
// Events are closed together when the session ends.
type Session interface {
	// HandleAudioInput forwards one PCM frame of user audio. The frame must
	// already be at the session's input sample rate.
	HandleAudioInput(frame *rtc.AudioFrame) error

	// Audio streams the provider's synthesized PCM output.
	Audio() <-chan *rtc.AudioFrame

	// Events streams speech boundaries, transcripts, tool calls and errors.
	Events() <-chan Event

	// SendMessage injects text as a user message and requests a response.
	SendMessage(text string) error

	// SendTextMessage injects text without requesting a response.
	SendTextMessage(text string) error

	// SendToolResponse answers an EventToolCall and resumes the response.
	SendToolResponse(callID, result string) error

	// Interrupt cancels the in-flight agent response.
	Interrupt() error

	// Close tears the session down. Idempotent.
	Close() error
}

// Model creates realtime sessions.
type Model interface {
	// Connect opens a session. The context bounds connection setup, not the
	// session lifetime.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
