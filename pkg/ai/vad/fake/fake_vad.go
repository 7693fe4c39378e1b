// Package fake provides VAD implementations for tests: a seeded random
// detector for realistic flows and a scripted detector whose events tests
// inject directly.
package fake

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/vad"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	// DefaultSpeechProbability is the default probability of speech detection per frame
	DefaultSpeechProbability = 0.3
	// HysteresisFrames is the number of frames to wait before switching speech state
	HysteresisFrames = 5
	// MinSpeechDurationMs is the minimum duration in milliseconds for a speech segment
	MinSpeechDurationMs = 200
	// DefaultSeed is the deterministic seed for reproducible testing
	DefaultSeed = 42
)

var (
	_ vad.VAD = (*FakeVAD)(nil)
	_ vad.VAD = (*ScriptedVAD)(nil)
)

// FakeVAD is a fake VAD implementation for testing.
type FakeVAD struct {
	speechProbability float32
	rng               *rand.Rand
}

// NewFakeVAD creates a new fake VAD provider.
// speechProbability controls how often speech is detected (0.0 to 1.0).
// Uses a deterministic seed for reproducible testing.
func NewFakeVAD(speechProbability float32) *FakeVAD {
	return NewFakeVADWithSeed(speechProbability, DefaultSeed)
}

// NewFakeVADWithSeed creates a new fake VAD provider with a custom seed.
// Use this for tests that need different random sequences.
func NewFakeVADWithSeed(speechProbability float32, seed int64) *FakeVAD {
	if speechProbability <= 0 {
		speechProbability = DefaultSpeechProbability
	}
	return &FakeVAD{
		speechProbability: speechProbability,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// Detect processes audio frames and generates fake VAD events.
func (f *FakeVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	output := make(chan vad.VADEvent, 10)

	go func() {
		defer close(output)

		var isSpeaking bool
		var speechStartTime time.Time
		frameCount := 0

		for {
			select {
			case _, ok := <-frames:
				if !ok {
					if isSpeaking {
						select {
						case output <- vad.VADEvent{Type: vad.VADEventSpeechEnd, Timestamp: time.Now()}:
						case <-ctx.Done():
						}
					}
					return
				}

				frameCount++
				hasActivity := f.rng.Float32() < f.speechProbability

				// Hysteresis avoids rapid state flapping.
				if !isSpeaking && hasActivity && frameCount%HysteresisFrames == 0 {
					isSpeaking = true
					speechStartTime = time.Now()
					select {
					case output <- vad.VADEvent{
						Type:       vad.VADEventSpeechStart,
						Confidence: float64(f.speechProbability),
						Timestamp:  speechStartTime,
					}:
					case <-ctx.Done():
						return
					}
				} else if isSpeaking && !hasActivity && time.Since(speechStartTime) > MinSpeechDurationMs*time.Millisecond {
					isSpeaking = false
					select {
					case output <- vad.VADEvent{Type: vad.VADEventSpeechEnd, Timestamp: time.Now()}:
					case <-ctx.Done():
						return
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return output, nil
}

// Capabilities returns the fake VAD capabilities.
func (f *FakeVAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{16000, 48000},
		MinSpeechDuration:  100 * time.Millisecond,
		MinSilenceDuration: 200 * time.Millisecond,
		Sensitivity:        f.speechProbability,
	}
}

// ScriptedVAD emits exactly the events a test injects, ignoring audio.
type ScriptedVAD struct {
	mu     sync.Mutex
	out    chan vad.VADEvent
	closed bool
}

// NewScriptedVAD creates a ScriptedVAD.
func NewScriptedVAD() *ScriptedVAD {
	return &ScriptedVAD{out: make(chan vad.VADEvent, 32)}
}

// Detect drains the input frames and forwards injected events.
func (f *ScriptedVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	go func() {
		for {
			select {
			case _, ok := <-frames:
				if !ok {
					f.mu.Lock()
					if !f.closed {
						f.closed = true
						close(f.out)
					}
					f.mu.Unlock()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return f.out, nil
}

// EmitSpeechStart injects a speech-start event.
func (f *ScriptedVAD) EmitSpeechStart() {
	f.emit(vad.VADEvent{Type: vad.VADEventSpeechStart, Confidence: 0.99, Timestamp: time.Now()})
}

// EmitSpeechEnd injects a speech-end event.
func (f *ScriptedVAD) EmitSpeechEnd() {
	f.emit(vad.VADEvent{Type: vad.VADEventSpeechEnd, Confidence: 0.99, Timestamp: time.Now()})
}

func (f *ScriptedVAD) emit(ev vad.VADEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.out <- ev
}

// Capabilities returns the scripted VAD capabilities.
func (f *ScriptedVAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{SampleRates: []int{16000, 48000}}
}
