// Package tts defines the text-to-speech contract: synthesis of segmented
// text into PCM frames, interruption, and first-audio-byte tracking used for
// TTFB measurement.
package tts

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary TTS failure that may succeed if retried.
	// Examples: service overload, temporary quota exceeded, network issues.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent TTS failure that will not succeed if retried.
	// Examples: invalid voice ID, unsupported text format, permanent quota exceeded.
	ErrFatal = ai.ErrFatal
)

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float32
	Pitch    float32
}

// TTSCapabilities describes the capabilities of a TTS provider.
type TTSCapabilities struct {
	Streaming            bool
	SupportedLanguages   []string
	SupportedVoices      []string
	SampleRates          []int
	SupportsSSML         bool
	SupportsSpeedControl bool
	SupportsPitchControl bool
}

// TTS is the main interface for text-to-speech providers.
//
// The first-audio-byte callback fires at most once per synthesize invocation;
// callers reset the tracking between invocations.
type TTS interface {
	// Synthesize converts text to audio frames.
	// Returns a channel that will receive audio frames and close when synthesis is complete.
	Synthesize(ctx context.Context, req SynthesizeRequest) (<-chan rtc.AudioFrame, error)

	// SynthesizeStream consumes text segments as they arrive and emits audio
	// frames in segment order. The returned channel closes after the segment
	// channel closes and the tail has been synthesized.
	SynthesizeStream(ctx context.Context, segments <-chan string, req SynthesizeRequest) (<-chan rtc.AudioFrame, error)

	// Interrupt drops any buffered or in-flight synthesis output. Frames
	// already delivered are the caller's to discard.
	Interrupt()

	// OnFirstAudioByte registers cb to run when the first audio byte of the
	// next synthesis is produced.
	OnFirstAudioByte(cb func())

	// ResetFirstAudioTracking re-arms the first-audio-byte callback.
	ResetFirstAudioTracking()

	// Capabilities returns the provider's capabilities.
	Capabilities() TTSCapabilities
}
