package fake

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var _ stt.STT = (*ScriptedSTT)(nil)

// ScriptedSTT lets a test drive recognition events by hand: audio pushes are
// counted and otherwise ignored, and EmitInterim/EmitFinal deliver events to
// the most recently opened stream. This gives tests exact control over final
// ordering and timing.
type ScriptedSTT struct {
	mu      sync.Mutex
	streams []*scriptedStream
}

// NewScriptedSTT creates a ScriptedSTT with no pending events.
func NewScriptedSTT() *ScriptedSTT {
	return &ScriptedSTT{}
}

// NewStream opens a stream that only emits what the test injects.
func (f *ScriptedSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	s := &scriptedStream{
		events: make(chan stt.SpeechEvent, 32),
		ctx:    ctx,
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// Capabilities reports a fully capable streaming provider.
func (f *ScriptedSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en-US"},
		SampleRates:        []int{16000, 48000},
	}
}

// EmitInterim delivers an interim transcript to the active stream.
func (f *ScriptedSTT) EmitInterim(text string) {
	f.emit(stt.SpeechEvent{
		Type:      stt.SpeechEventInterim,
		Text:      text,
		Language:  "en-US",
		Timestamp: time.Now().UnixMilli(),
	})
}

// EmitFinal delivers a final transcript to the active stream.
func (f *ScriptedSTT) EmitFinal(text string) {
	f.emit(stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      text,
		IsFinal:   true,
		Language:  "en-US",
		Timestamp: time.Now().UnixMilli(),
	})
}

// EmitError delivers a provider error to the active stream.
func (f *ScriptedSTT) EmitError(err error) {
	f.emit(stt.SpeechEvent{
		Type:      stt.SpeechEventError,
		Error:     err,
		Timestamp: time.Now().UnixMilli(),
	})
}

// FrameCount reports how many frames the active stream has absorbed.
func (f *ScriptedSTT) FrameCount() int {
	s := f.current()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// StreamCount reports how many streams have been opened, which hot-swap and
// reconnection tests assert on.
func (f *ScriptedSTT) StreamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *ScriptedSTT) emit(ev stt.SpeechEvent) {
	s := f.current()
	if s == nil {
		return
	}
	s.deliver(ev)
}

func (f *ScriptedSTT) current() *scriptedStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type scriptedStream struct {
	events chan stt.SpeechEvent
	ctx    context.Context

	mu         sync.Mutex
	frameCount int
	closed     bool
}

func (s *scriptedStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrFatal
	}
	s.frameCount++
	return nil
}

func (s *scriptedStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

func (s *scriptedStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *scriptedStream) deliver(ev stt.SpeechEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
