// Package stt provides interfaces and types for speech-to-text providers.
// It defines streaming STT interfaces that convert audio frames to text transcripts
// with support for interim results, multiple languages, and error handling.
package stt

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary STT failure that may succeed if retried.
	// Examples: network timeout, service unavailable, rate limiting.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent STT failure that will not succeed if retried.
	// Examples: invalid audio format, unsupported language, authentication failure.
	ErrFatal = ai.ErrFatal
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate  int
	NumChannels int
	Lang        string
	MaxRetry    int
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventStart marks the provider detecting the beginning of speech.
	SpeechEventStart SpeechEventType = iota
	// SpeechEventInterim represents partial transcription results that may change
	SpeechEventInterim
	// SpeechEventFinal represents final transcription results that won't change
	SpeechEventFinal
	// SpeechEventEnd marks the provider detecting the end of speech.
	SpeechEventEnd
	// SpeechEventError represents transcription errors
	SpeechEventError
)

// SpeechEvent represents a speech recognition event containing transcription results or errors.
type SpeechEvent struct {
	Type       SpeechEventType
	Text       string  // Transcribed text (empty for start/end/error events)
	IsFinal    bool    // True if this is a final result that won't change
	Confidence float64 // Provider confidence in [0,1], 0 when unreported
	Language   string  // Detected or configured language code
	StartedAt  int64   // Utterance start, ms since epoch, 0 when unreported
	EndedAt    int64   // Utterance end, ms since epoch, 0 when unreported
	Timestamp  int64   // Event timestamp in milliseconds since epoch
	Error      error   // Error details (only set for error events)
}

// STTCapabilities describes the capabilities of an STT provider.
type STTCapabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream creates a new streaming STT session.
	NewStream(ctx context.Context, cfg StreamConfig) (STTStream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() STTCapabilities
}

// STTStream represents an active STT streaming session.
type STTStream interface {
	// Push sends an audio frame for processing.
	Push(frame rtc.AudioFrame) error

	// Events returns a channel of speech recognition events.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent and flushes any pending data.
	CloseSend() error
}
