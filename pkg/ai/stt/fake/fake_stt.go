// Package fake provides deterministic STT implementations for tests: a
// frame-driven fake that transcribes on flush, and a scripted fake whose
// events are injected by the test itself.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	// InterimResultFrameInterval controls how often interim results are sent
	InterimResultFrameInterval = 10
	// DefaultTranscript is used when no transcript is provided
	DefaultTranscript = "This is a fake transcript from the fake STT provider."
)

var _ stt.STT = (*FakeSTT)(nil)

// FakeSTT emits interim results while audio is pushed and a fixed final
// transcript on CloseSend.
type FakeSTT struct {
	transcript string
}

// NewFakeSTT creates a new fake STT provider with a fixed transcript.
func NewFakeSTT(transcript string) *FakeSTT {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	return &FakeSTT{transcript: transcript}
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	return &FakeSTTStream{
		transcript: f.transcript,
		events:     make(chan stt.SpeechEvent, 10),
		ctx:        ctx,
	}, nil
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en-US", "en-GB", "es-ES"},
		SampleRates:        []int{16000, 48000},
	}
}

// FakeSTTStream is a fake STT stream implementation.
type FakeSTTStream struct {
	transcript string
	events     chan stt.SpeechEvent
	ctx        context.Context

	mu         sync.Mutex
	frameCount int
	closed     bool
}

// Push processes an audio frame (fake implementation just counts frames).
func (s *FakeSTTStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream is closed")
	}
	s.frameCount++
	count := s.frameCount
	s.mu.Unlock()

	if count%InterimResultFrameInterval != 0 {
		return nil
	}

	interim := s.transcript
	if n := count / 2; n < len(interim) {
		interim = interim[:n]
	}
	select {
	case s.events <- stt.SpeechEvent{
		Type:      stt.SpeechEventInterim,
		Text:      interim,
		Language:  "en-US",
		Timestamp: time.Now().UnixMilli(),
	}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	return nil
}

// Events returns the events channel.
func (s *FakeSTTStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend closes the stream and sends the final result.
func (s *FakeSTTStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.events <- stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      s.transcript,
		IsFinal:   true,
		Language:  "en-US",
		Timestamp: time.Now().UnixMilli(),
	}:
	case <-s.ctx.Done():
		close(s.events)
		return s.ctx.Err()
	}

	close(s.events)
	return nil
}
