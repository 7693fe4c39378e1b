// Package fake provides a scripted realtime session for testing the realtime
// pipeline without a provider connection.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var (
	_ realtime.Model   = (*FakeModel)(nil)
	_ realtime.Session = (*FakeSession)(nil)
)

// FakeModel hands out FakeSessions and remembers the last one so tests can
// script it after the pipeline connects.
type FakeModel struct {
	mu       sync.Mutex
	sessions []*FakeSession

	// ConnectErr, when set, makes Connect fail.
	ConnectErr error
}

// NewFakeModel creates a new fake realtime model.
func NewFakeModel() *FakeModel {
	return &FakeModel{}
}

// Connect opens a new scripted session.
func (m *FakeModel) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	s := newFakeSession(cfg)
	m.sessions = append(m.sessions, s)
	return s, nil
}

// LastSession returns the most recently connected session, or nil.
func (m *FakeModel) LastSession() *FakeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// FakeSession is a scriptable realtime session. Tests push events and audio
// with the Emit* methods and inspect what the pipeline sent back.
type FakeSession struct {
	cfg realtime.SessionConfig

	mu     sync.Mutex
	closed bool

	audio  chan *rtc.AudioFrame
	events chan realtime.Event

	inputFrames   int
	sentMessages  []string
	sentTexts     []string
	toolResponses map[string]string
	interrupts    int
}

func newFakeSession(cfg realtime.SessionConfig) *FakeSession {
	return &FakeSession{
		cfg:           cfg,
		audio:         make(chan *rtc.AudioFrame, 64),
		events:        make(chan realtime.Event, 64),
		toolResponses: make(map[string]string),
	}
}

// Config returns the SessionConfig the session was connected with.
func (s *FakeSession) Config() realtime.SessionConfig { return s.cfg }

// HandleAudioInput counts the frame and discards it.
func (s *FakeSession) HandleAudioInput(frame *rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.inputFrames++
	return nil
}

// Audio streams scripted output frames.
func (s *FakeSession) Audio() <-chan *rtc.AudioFrame { return s.audio }

// Events streams scripted events.
func (s *FakeSession) Events() <-chan realtime.Event { return s.events }

// SendMessage records the text and scripts a short agent reply echoing it.
func (s *FakeSession) SendMessage(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.sentMessages = append(s.sentMessages, text)
	s.mu.Unlock()

	s.EmitAgentSpeech(text)
	return nil
}

// SendTextMessage records the text without scripting a reply.
func (s *FakeSession) SendTextMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.sentTexts = append(s.sentTexts, text)
	return nil
}

// SendToolResponse records the result keyed by call ID.
func (s *FakeSession) SendToolResponse(callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.toolResponses[callID] = result
	return nil
}

// Interrupt counts the interruption.
func (s *FakeSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.interrupts++
	return nil
}

// Close closes both channels. Idempotent.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.audio)
	close(s.events)
	return nil
}

// EmitUserTranscript scripts a user speech turn: start, transcript, end.
func (s *FakeSession) EmitUserTranscript(text string) {
	s.emit(realtime.Event{Type: realtime.EventUserSpeechStart})
	s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: text})
	s.emit(realtime.Event{Type: realtime.EventUserSpeechEnd})
}

// EmitAgentSpeech scripts an agent response: start, one audio frame per word,
// transcript, end.
func (s *FakeSession) EmitAgentSpeech(transcript string) {
	s.emit(realtime.Event{Type: realtime.EventAgentSpeechStart})

	pcm := make([]byte, rtc.SampleRate24k/100*2) // 10ms mono silence
	frame, _ := rtc.FrameFromPCM(pcm, rtc.SampleRate24k, 1)
	s.mu.Lock()
	if !s.closed {
		select {
		case s.audio <- frame:
		default:
		}
	}
	s.mu.Unlock()

	s.emit(realtime.Event{Type: realtime.EventAgentTranscript, Text: transcript})
	s.emit(realtime.Event{Type: realtime.EventAgentSpeechEnd})
}

// EmitUserSpeechStart scripts the provider detecting user speech.
func (s *FakeSession) EmitUserSpeechStart() {
	s.emit(realtime.Event{Type: realtime.EventUserSpeechStart})
}

// EmitUserSpeechEnd scripts the provider detecting the user stopped.
func (s *FakeSession) EmitUserSpeechEnd() {
	s.emit(realtime.Event{Type: realtime.EventUserSpeechEnd})
}

// EmitAgentSpeechStart scripts the start of an agent response without the
// transcript or end that EmitAgentSpeech adds.
func (s *FakeSession) EmitAgentSpeechStart() {
	s.emit(realtime.Event{Type: realtime.EventAgentSpeechStart})
}

// EmitAgentSpeechEnd scripts the end of an agent response.
func (s *FakeSession) EmitAgentSpeechEnd(transcript string) {
	if transcript != "" {
		s.emit(realtime.Event{Type: realtime.EventAgentTranscript, Text: transcript})
	}
	s.emit(realtime.Event{Type: realtime.EventAgentSpeechEnd})
}

// EmitToolCall scripts a tool call the pipeline should answer.
func (s *FakeSession) EmitToolCall(name, args, callID string) {
	s.emit(realtime.Event{Type: realtime.EventToolCall, ToolName: name, ToolArgs: args, CallID: callID})
}

// EmitError scripts a provider error.
func (s *FakeSession) EmitError(err error) {
	s.emit(realtime.Event{Type: realtime.EventError, Err: err})
}

func (s *FakeSession) emit(ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// InputFrameCount reports how many audio frames the pipeline forwarded.
func (s *FakeSession) InputFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputFrames
}

// SentMessages returns texts injected with SendMessage.
func (s *FakeSession) SentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentMessages...)
}

// SentTexts returns texts injected with SendTextMessage.
func (s *FakeSession) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentTexts...)
}

// ToolResponse returns the recorded result for a call ID.
func (s *FakeSession) ToolResponse(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolResponses[callID]
	return r, ok
}

// InterruptCount reports how many times Interrupt was called.
func (s *FakeSession) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}
