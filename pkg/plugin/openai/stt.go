package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/audio/wav"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// Whisper has no streaming endpoint, so streams batch audio and transcribe
// a window on a timer. The tail frames of each window carry into the next
// so a word straddling the boundary is heard twice rather than never.
const (
	whisperFlushInterval = 3 * time.Second
	whisperMinAudio      = 100 * time.Millisecond
	whisperTailFrames    = 2
)

// WhisperSTT transcribes speech through the OpenAI audio API.
type WhisperSTT struct {
	client   *openai.Client
	model    string
	language string
	log      *slog.Logger
}

var _ stt.STT = (*WhisperSTT)(nil)

// NewWhisperSTT creates a Whisper-backed transcriber. The model defaults to
// whisper-1. Setting Language skips server-side detection.
func NewWhisperSTT(cfg Config) (*WhisperSTT, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}

	return &WhisperSTT{
		client:   cfg.newClient(),
		model:    cfg.Model,
		language: cfg.Language,
		log:      slog.Default().With(slog.String("component", "openai-stt")),
	}, nil
}

// NewStream starts a batching transcription stream. Cancelling ctx stops
// the background transcriber and closes the event channel.
func (w *WhisperSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	s := &whisperStream{
		parent:  w,
		ctx:     ctx,
		cfg:     cfg,
		events:  make(chan stt.SpeechEvent, 10),
		closeCh: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Capabilities reports batched pseudo-streaming: events arrive while audio
// flows, but only as finals, never interim results.
func (w *WhisperSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:      true,
		InterimResults: false,
		SupportedLanguages: []string{
			"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl",
			"ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro",
			"da", "hu", "ta", "no", "th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy",
			"sk", "te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk", "br", "eu",
			"is", "hy", "ne", "mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km",
			"sn", "yo", "so", "af", "oc", "ka", "be", "tg", "sd", "gu", "am", "yi", "lo",
			"uz", "fo", "ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl", "mg",
			"as", "tt", "haw", "ln", "ha", "ba", "jw", "su",
		},
		SampleRates: []int{8000, 16000, 24000, 44100, 48000},
	}
}

type whisperStream struct {
	parent *WhisperSTT
	ctx    context.Context
	cfg    stt.StreamConfig

	mu     sync.Mutex
	buf    []rtc.AudioFrame
	closed bool

	events  chan stt.SpeechEvent
	closeCh chan struct{}
}

func (s *whisperStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	s.buf = append(s.buf, frame)
	return nil
}

func (s *whisperStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

func (s *whisperStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream already closed")
	}
	s.closed = true
	close(s.closeCh)
	return nil
}

func (s *whisperStream) run() {
	defer close(s.events)

	ticker := time.NewTicker(whisperFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.closeCh:
			s.flush(true)
			return
		case <-ticker.C:
			s.flush(false)
		}
	}
}

// flush transcribes the buffered window. Non-final flushes keep the last
// whisperTailFrames buffered for continuity.
func (s *whisperStream) flush(isFinal bool) {
	s.mu.Lock()
	frames := make([]rtc.AudioFrame, len(s.buf))
	copy(frames, s.buf)
	if isFinal {
		s.buf = nil
	} else if len(s.buf) > whisperTailFrames {
		s.buf = s.buf[len(s.buf)-whisperTailFrames:]
	}
	s.mu.Unlock()

	if len(frames) == 0 {
		return
	}

	var pcm []byte
	var duration time.Duration
	for i := range frames {
		pcm = append(pcm, frames[i].Data...)
		duration += frames[i].Duration()
	}
	if duration < whisperMinAudio {
		return
	}

	wavData := wav.Encode(pcm, frames[0].SampleRate, frames[0].NumChannels)

	text, language, err := s.transcribe(wavData)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.parent.log.Warn("transcription failed", slog.String("error", err.Error()))
		s.emit(stt.SpeechEvent{
			Type:      stt.SpeechEventError,
			Error:     err,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	if text == "" {
		return
	}

	s.emit(stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      text,
		IsFinal:   true,
		Language:  language,
		Timestamp: time.Now().UnixMilli(),
	})
}

// transcribe sends one window to the API, retrying recoverable failures
// (rate limits, 5xx, transport errors) with backoff. StreamConfig.MaxRetry
// overrides the default attempt budget when positive.
func (s *whisperStream) transcribe(wavData []byte) (string, string, error) {
	language := s.cfg.Lang
	if language == "" {
		language = s.parent.language
	}

	retryCfg := ai.DefaultRetryConfig
	if s.cfg.MaxRetry > 0 {
		retryCfg.MaxRetries = s.cfg.MaxRetry
	}

	var resp openai.AudioResponse
	err := ai.Retry(s.ctx, retryCfg, func(ctx context.Context) error {
		var err error
		resp, err = s.parent.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    s.parent.model,
			Language: language,
			Format:   openai.AudioResponseFormatVerboseJSON,
			Reader:   bytes.NewReader(wavData),
			FilePath: "audio.wav",
		})
		if err != nil {
			return classifyErr("transcribe", err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return resp.Text, resp.Language, nil
}

func (s *whisperStream) emit(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
