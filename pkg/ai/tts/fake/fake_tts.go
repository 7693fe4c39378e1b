// Package fake provides a deterministic TTS for tests: a 440 Hz sine tone
// whose length tracks the input text, with working interruption and
// first-audio-byte tracking.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/tts"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var _ tts.TTS = (*FakeTTS)(nil)

const (
	sampleRate = 48000
	frequency  = 440.0 // A4 note
)

// FakeTTS synthesizes one 10 ms sine frame per input character.
type FakeTTS struct {
	// FrameDelay paces frame emission to simulate real-time synthesis.
	// Zero (the default) emits as fast as the consumer reads.
	FrameDelay time.Duration

	mu             sync.Mutex
	firstByteCB    func()
	firstByteFired bool
	interrupts     int
	cancelCurrent  context.CancelFunc
	synthesized    []string
}

// NewFakeTTS creates a new fake TTS provider.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{}
}

// InterruptCount reports how many times Interrupt was called.
func (f *FakeTTS) InterruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Synthesized returns every text or segment synthesized so far, in order.
func (f *FakeTTS) Synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.synthesized))
	copy(out, f.synthesized)
	return out
}

// Synthesize generates fake audio frames (sine wave) for the given text.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	segments := make(chan string, 1)
	segments <- req.Text
	close(segments)
	return f.SynthesizeStream(ctx, segments, req)
}

// SynthesizeStream consumes text segments and emits audio frames in order.
func (f *FakeTTS) SynthesizeStream(ctx context.Context, segments <-chan string, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	ctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	if f.cancelCurrent != nil {
		f.cancelCurrent()
	}
	f.cancelCurrent = cancel
	f.mu.Unlock()

	output := make(chan rtc.AudioFrame, 16)
	go func() {
		defer close(output)
		sampleIndex := 0
		for {
			select {
			case seg, ok := <-segments:
				if !ok {
					return
				}
				f.mu.Lock()
				f.synthesized = append(f.synthesized, seg)
				f.mu.Unlock()
				if !f.emitSegment(ctx, output, seg, &sampleIndex) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return output, nil
}

// emitSegment writes one 10 ms frame per character of seg. Returns false when
// the synthesis was cancelled.
func (f *FakeTTS) emitSegment(ctx context.Context, output chan<- rtc.AudioFrame, seg string, sampleIndex *int) bool {
	samplesPerChannel := sampleRate / 100

	for i := 0; i < len(seg); i++ {
		data := make([]byte, samplesPerChannel*2)
		for j := 0; j < samplesPerChannel; j++ {
			sample := math.Sin(2*math.Pi*frequency*float64(*sampleIndex)/float64(sampleRate)) * 0.3
			intSample := int16(sample * 32767)
			data[j*2] = byte(intSample & 0xFF)
			data[j*2+1] = byte((intSample >> 8) & 0xFF)
			*sampleIndex++
		}

		f.fireFirstByte()

		frame := rtc.AudioFrame{
			Data:              data,
			SampleRate:        sampleRate,
			SamplesPerChannel: samplesPerChannel,
			NumChannels:       1,
			Timestamp:         time.Duration(i) * 10 * time.Millisecond,
		}
		select {
		case output <- frame:
		case <-ctx.Done():
			return false
		}

		if f.FrameDelay > 0 {
			select {
			case <-time.After(f.FrameDelay):
			case <-ctx.Done():
				return false
			}
		}
	}
	return true
}

// Interrupt cancels the in-flight synthesis.
func (f *FakeTTS) Interrupt() {
	f.mu.Lock()
	f.interrupts++
	cancel := f.cancelCurrent
	f.cancelCurrent = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// OnFirstAudioByte registers cb for the next synthesis.
func (f *FakeTTS) OnFirstAudioByte(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstByteCB = cb
}

// ResetFirstAudioTracking re-arms the first-audio-byte callback.
func (f *FakeTTS) ResetFirstAudioTracking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstByteFired = false
}

func (f *FakeTTS) fireFirstByte() {
	f.mu.Lock()
	cb := f.firstByteCB
	fired := f.firstByteFired
	f.firstByteFired = true
	f.mu.Unlock()

	if !fired && cb != nil {
		cb()
	}
}

// Capabilities returns the fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:            true,
		SupportedLanguages:   []string{"en-US", "en-GB", "es-ES"},
		SupportedVoices:      []string{"fake-voice-1", "fake-voice-2"},
		SampleRates:          []int{16000, 48000},
		SupportsSpeedControl: true,
		SupportsPitchControl: true,
	}
}
