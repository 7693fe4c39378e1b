package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/tts"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	defaultVoice = "alloy"

	// The speech endpoint's PCM response format is fixed at 24 kHz mono
	// 16-bit, emitted here as 10 ms frames.
	ttsSampleRate = 24000
	ttsFrameBytes = ttsSampleRate / 100 * 2
)

// SpeechTTS synthesizes speech through the OpenAI audio API.
type SpeechTTS struct {
	client    *openai.Client
	model     string
	voiceName string
	log       *slog.Logger

	mu             sync.Mutex
	firstByteCB    func()
	firstByteFired bool
	cancelCurrent  context.CancelFunc
}

var _ tts.TTS = (*SpeechTTS)(nil)

// NewSpeechTTS creates a speech synthesis provider. The model defaults to
// tts-1 and the voice to alloy.
func NewSpeechTTS(cfg Config) (*SpeechTTS, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}

	return &SpeechTTS{
		client:    cfg.newClient(),
		model:     cfg.Model,
		voiceName: cfg.Voice,
		log:       slog.Default().With(slog.String("component", "openai-tts")),
	}, nil
}

// Synthesize converts one text into audio frames.
func (t *SpeechTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	segments := make(chan string, 1)
	segments <- req.Text
	close(segments)
	return t.SynthesizeStream(ctx, segments, req)
}

// SynthesizeStream synthesizes each segment as it arrives and emits audio
// frames in segment order. Starting a new stream cancels the previous one.
func (t *SpeechTTS) SynthesizeStream(ctx context.Context, segments <-chan string, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancelCurrent != nil {
		t.cancelCurrent()
	}
	t.cancelCurrent = cancel
	t.mu.Unlock()

	output := make(chan rtc.AudioFrame, 16)
	go func() {
		defer close(output)
		var elapsed time.Duration
		for {
			select {
			case seg, ok := <-segments:
				if !ok {
					return
				}
				if seg == "" {
					continue
				}
				if !t.synthesizeSegment(ctx, output, seg, req, &elapsed) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return output, nil
}

// synthesizeSegment requests audio for one segment and streams it out as
// frames. Returns false when synthesis was cancelled or failed.
func (t *SpeechTTS) synthesizeSegment(ctx context.Context, output chan<- rtc.AudioFrame, seg string, req tts.SynthesizeRequest, elapsed *time.Duration) bool {
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(t.model),
		Input:          seg,
		Voice:          openai.SpeechVoice(t.voice(req.Voice)),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	var resp io.ReadCloser
	err := ai.Retry(ctx, ai.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := t.client.CreateSpeech(ctx, speechReq)
		if err != nil {
			return classifyErr("synthesize", err)
		}
		resp = r
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn("synthesis failed", slog.String("error", err.Error()))
		}
		return false
	}
	defer resp.Close()

	buf := make([]byte, ttsFrameBytes)
	for {
		n, err := io.ReadFull(resp, buf)
		if n > 1 {
			t.fireFirstByte()

			pcm := make([]byte, n&^1)
			copy(pcm, buf[:n&^1])
			frame, ferr := rtc.FrameFromPCM(pcm, ttsSampleRate, 1)
			if ferr != nil {
				t.log.Warn("bad synthesis frame", slog.String("error", ferr.Error()))
				return false
			}
			frame.Timestamp = *elapsed
			*elapsed += frame.Duration()

			select {
			case output <- *frame:
			case <-ctx.Done():
				return false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return true
			}
			if ctx.Err() == nil {
				t.log.Warn("reading synthesis response failed", slog.String("error", err.Error()))
			}
			return false
		}
	}
}

func (t *SpeechTTS) voice(requested string) string {
	if requested != "" {
		return requested
	}
	return t.voiceName
}

// Interrupt cancels the in-flight synthesis.
func (t *SpeechTTS) Interrupt() {
	t.mu.Lock()
	cancel := t.cancelCurrent
	t.cancelCurrent = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// OnFirstAudioByte registers cb for the next synthesis.
func (t *SpeechTTS) OnFirstAudioByte(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.firstByteCB = cb
}

// ResetFirstAudioTracking re-arms the first-audio-byte callback.
func (t *SpeechTTS) ResetFirstAudioTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.firstByteFired = false
}

func (t *SpeechTTS) fireFirstByte() {
	t.mu.Lock()
	cb := t.firstByteCB
	fired := t.firstByteFired
	t.firstByteFired = true
	t.mu.Unlock()

	if !fired && cb != nil {
		cb()
	}
}

// Capabilities returns the provider capabilities.
func (t *SpeechTTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:            true,
		SupportedLanguages:   []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
		SupportedVoices:      []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SampleRates:          []int{ttsSampleRate},
		SupportsSSML:         false,
		SupportsSpeedControl: true,
		SupportsPitchControl: false,
	}
}
