package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	defaultRealtimeModel = "gpt-4o-realtime-preview"
	realtimeEndpoint     = "wss://api.openai.com/v1/realtime"

	// The realtime API speaks pcm16 at 24 kHz in both directions.
	realtimeSampleRate = 24000

	realtimeHandshakeTimeout = 10 * time.Second
	realtimeWriteTimeout     = 10 * time.Second
)

// RealtimeModel opens speech-to-speech sessions over the realtime API.
type RealtimeModel struct {
	apiKey    string
	model     string
	voiceName string
	endpoint  string
	log       *slog.Logger
}

var _ realtime.Model = (*RealtimeModel)(nil)

// NewRealtimeModel creates a realtime session factory. The model defaults
// to gpt-4o-realtime-preview and the voice to alloy; BaseURL, when set, is
// dialed as the websocket endpoint.
func NewRealtimeModel(cfg Config) (*RealtimeModel, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultRealtimeModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	endpoint := realtimeEndpoint
	if cfg.BaseURL != "" {
		endpoint = cfg.BaseURL
	}

	return &RealtimeModel{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		voiceName: cfg.Voice,
		endpoint:  endpoint,
		log:       slog.Default().With(slog.String("component", "openai-realtime")),
	}, nil
}

// Connect dials the realtime API and configures a session. The context
// bounds the handshake and initial configuration only.
func (m *RealtimeModel) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	if cfg.InputSampleRate != 0 && cfg.InputSampleRate != realtimeSampleRate {
		return nil, fmt.Errorf("input sample rate %d not supported, the realtime API takes %d Hz pcm16", cfg.InputSampleRate, realtimeSampleRate)
	}
	if cfg.OutputSampleRate != 0 && cfg.OutputSampleRate != realtimeSampleRate {
		return nil, fmt.Errorf("output sample rate %d not supported, the realtime API produces %d Hz pcm16", cfg.OutputSampleRate, realtimeSampleRate)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: realtimeHandshakeTimeout}
	endpoint := m.endpoint + "?model=" + url.QueryEscape(m.model)
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime API: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial realtime API: %w", err)
	}

	voice := cfg.Voice
	if voice == "" {
		voice = m.voiceName
	}

	s := &realtimeSession{
		conn:   conn,
		log:    m.log,
		audio:  make(chan *rtc.AudioFrame, 64),
		events: make(chan realtime.Event, 64),
	}

	if err := s.configure(cfg, voice); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

// realtimeSession is one websocket conversation. A single reader goroutine
// owns dispatch and is the only closer of the audio and event channels;
// writes are serialized by writeMu.
type realtimeSession struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	audio  chan *rtc.AudioFrame
	events chan realtime.Event

	closed core.Fuse
}

var _ realtime.Session = (*realtimeSession)(nil)

// clientEvent is the superset of fields written to the server; Type selects
// which are meaningful.
type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
	Item    *itemPayload    `json:"item,omitempty"`
}

type sessionPayload struct {
	Modalities              []string              `json:"modalities,omitempty"`
	Instructions            string                `json:"instructions,omitempty"`
	Voice                   string                `json:"voice,omitempty"`
	InputAudioFormat        string                `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionPayload `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionPayload `json:"turn_detection,omitempty"`
	Tools                   []toolPayload         `json:"tools,omitempty"`
	ToolChoice              string                `json:"tool_choice,omitempty"`
}

type transcriptionPayload struct {
	Model string `json:"model"`
}

type turnDetectionPayload struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type toolPayload struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type itemPayload struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []partPayload `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type partPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverEvent is the superset of fields read from server messages.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// configure pushes the session settings: pcm16 both ways, server-side turn
// detection, whisper transcription of user audio, and any tools.
func (s *realtimeSession) configure(cfg realtime.SessionConfig, voice string) error {
	session := &sessionPayload{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.Instructions,
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionPayload{Model: "whisper-1"},
		TurnDetection: &turnDetectionPayload{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
	if len(cfg.Tools) > 0 {
		session.ToolChoice = "auto"
		for _, fn := range cfg.Tools {
			session.Tools = append(session.Tools, toolPayload{
				Type:        "function",
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
	}
	return s.send(clientEvent{Type: "session.update", Session: session})
}

// HandleAudioInput forwards one frame of user audio. Frames must be mono
// pcm16 at the session rate.
func (s *realtimeSession) HandleAudioInput(frame *rtc.AudioFrame) error {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}
	if frame.SampleRate != realtimeSampleRate {
		return fmt.Errorf("frame sample rate %d, session takes %d Hz", frame.SampleRate, realtimeSampleRate)
	}
	return s.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

func (s *realtimeSession) Audio() <-chan *rtc.AudioFrame { return s.audio }

func (s *realtimeSession) Events() <-chan realtime.Event { return s.events }

// SendMessage injects a user message and requests a response.
func (s *realtimeSession) SendMessage(text string) error {
	if err := s.SendTextMessage(text); err != nil {
		return err
	}
	return s.send(clientEvent{Type: "response.create"})
}

// SendTextMessage injects a user message without requesting a response.
func (s *realtimeSession) SendTextMessage(text string) error {
	return s.send(clientEvent{
		Type: "conversation.item.create",
		Item: &itemPayload{
			Type:    "message",
			Role:    "user",
			Content: []partPayload{{Type: "input_text", Text: text}},
		},
	})
}

// SendToolResponse answers a tool call and resumes the response.
func (s *realtimeSession) SendToolResponse(callID, result string) error {
	err := s.send(clientEvent{
		Type: "conversation.item.create",
		Item: &itemPayload{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	})
	if err != nil {
		return err
	}
	return s.send(clientEvent{Type: "response.create"})
}

// Interrupt cancels the in-flight agent response.
func (s *realtimeSession) Interrupt() error {
	return s.send(clientEvent{Type: "response.cancel"})
}

// Close tears the session down. The read loop notices the closed connection
// and closes the audio and event channels.
func (s *realtimeSession) Close() error {
	s.closed.Once(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
	return nil
}

func (s *realtimeSession) send(ev clientEvent) error {
	if s.closed.IsBroken() {
		return fmt.Errorf("session is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

func (s *realtimeSession) readLoop() {
	defer func() {
		close(s.audio)
		close(s.events)
	}()

	speaking := false
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.IsBroken() {
				s.log.Warn("realtime connection lost", slog.String("error", err.Error()))
				s.deliver(realtime.Event{
					Type: realtime.EventError,
					Err:  fmt.Errorf("connection lost: %w", err),
				})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("undecodable server event", slog.String("error", err.Error()))
			continue
		}
		s.dispatch(ev, &speaking)
	}
}

func (s *realtimeSession) dispatch(ev serverEvent, speaking *bool) {
	switch ev.Type {
	case "session.created", "session.updated":
		s.log.Debug("realtime session ready", slog.String("type", ev.Type))

	case "input_audio_buffer.speech_started":
		s.deliver(realtime.Event{Type: realtime.EventUserSpeechStart})

	case "input_audio_buffer.speech_stopped":
		s.deliver(realtime.Event{Type: realtime.EventUserSpeechEnd})

	case "conversation.item.input_audio_transcription.completed":
		s.deliver(realtime.Event{Type: realtime.EventUserTranscript, Text: ev.Transcript})

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		frame, err := rtc.FrameFromPCM(pcm, realtimeSampleRate, 1)
		if err != nil {
			s.log.Warn("bad audio delta", slog.String("error", err.Error()))
			return
		}
		if !*speaking {
			*speaking = true
			s.deliver(realtime.Event{Type: realtime.EventAgentSpeechStart})
		}
		s.deliverAudio(frame)

	case "response.done":
		if *speaking {
			*speaking = false
			s.deliver(realtime.Event{Type: realtime.EventAgentSpeechEnd})
		}

	case "response.audio_transcript.done":
		s.deliver(realtime.Event{Type: realtime.EventAgentTranscript, Text: ev.Transcript})

	case "response.function_call_arguments.done":
		s.deliver(realtime.Event{
			Type:     realtime.EventToolCall,
			ToolName: ev.Name,
			ToolArgs: ev.Arguments,
			CallID:   ev.CallID,
		})

	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.deliver(realtime.Event{
			Type: realtime.EventError,
			Err:  fmt.Errorf("realtime API error: %s", msg),
		})
	}
}

// deliver drops the event if the session closed while the consumer was not
// draining, so the read loop can always make progress toward shutdown.
func (s *realtimeSession) deliver(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.closed.Watch():
	}
}

func (s *realtimeSession) deliverAudio(frame *rtc.AudioFrame) {
	select {
	case s.audio <- frame:
	case <-s.closed.Watch():
	}
}
