// Package audio defines the capture-path processing hook the pipeline runs
// before speech recognition: denoising, echo cancellation, gain control.
package audio

import (
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary audio processor failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent audio processor failure that will not succeed if retried.
	// Examples: unsupported audio format, invalid configuration.
	ErrFatal = ai.ErrFatal
)

// ProcessorConfig toggles individual processing sub-modules.
type ProcessorConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	HighPassFilter   bool
	AutoGainControl  bool
}

// NewProcessorConfig creates a new ProcessorConfig with recommended defaults.
// All processing features are enabled by default for optimal audio quality.
func NewProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		EchoCancellation: true,
		NoiseSuppression: true,
		HighPassFilter:   true,
		AutoGainControl:  true,
	}
}

// NewProcessorConfigDisabled creates a new ProcessorConfig with all features disabled.
func NewProcessorConfigDisabled() ProcessorConfig {
	return ProcessorConfig{}
}

// Processor cleans up microphone audio ahead of STT and VAD. Implementations
// wrap echo cancellers or denoisers; the pipeline treats the hook as optional.
type Processor interface {
	// ProcessReverse handles far-end (speaker output) reference. Must be fed
	// the same frame sizes as the capture path.
	ProcessReverse(frame rtc.AudioFrame) error

	// ProcessCapture handles near-end (microphone) capture, processed in-place.
	ProcessCapture(frame *rtc.AudioFrame) error

	// SetStreamDelay provides measured delay between reverse/capture paths
	// when echo cancellation is on.
	SetStreamDelay(d time.Duration) error

	// Close releases resources.
	Close() error
}
