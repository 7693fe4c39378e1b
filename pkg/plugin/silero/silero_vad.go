// Package silero implements voice activity detection with the Silero VAD
// ONNX model. The model scores fixed 32 ms windows of 16 kHz mono audio;
// incoming frames at other rates are downmixed and resampled before scoring.
// The model file must be on disk; `va-go download-files` fetches it.
package silero

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/vad"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	// DefaultActivationThreshold opens a speech segment when the model's
	// probability reaches it. Silence is only recognized below
	// DefaultActivationThreshold - releaseDelta, so borderline windows do
	// not flap the state.
	DefaultActivationThreshold = 0.5
	releaseDelta               = 0.15

	// DefaultMinSpeechDuration is how much sustained speech it takes to
	// report a start.
	DefaultMinSpeechDuration = 50 * time.Millisecond

	// DefaultMinSilenceDuration is how much sustained silence it takes to
	// close a segment. Long enough that mid-sentence pauses stay inside
	// one segment.
	DefaultMinSilenceDuration = 550 * time.Millisecond
)

// Config holds Silero VAD settings. Zero values select the defaults above.
type Config struct {
	// ActivationThreshold is the speech probability in (0,1) at which a
	// window counts as speech.
	ActivationThreshold float32

	// MinSpeechDuration and MinSilenceDuration debounce segment
	// transitions.
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration

	// ModelPath is the directory holding silero_vad.onnx. Empty selects
	// the shared model directory.
	ModelPath string
}

// VAD detects speech segments with the Silero model. Each Detect call runs
// its own inference session, so one VAD may serve multiple streams.
type VAD struct {
	cfg    Config
	logger *slog.Logger
}

var _ vad.VAD = (*VAD)(nil)

// New creates a Silero VAD. The model file is checked at Detect time, not
// here, so construction works before files are downloaded.
func New(cfg Config) (*VAD, error) {
	if cfg.ActivationThreshold == 0 {
		cfg.ActivationThreshold = DefaultActivationThreshold
	}
	if cfg.ActivationThreshold <= 0 || cfg.ActivationThreshold >= 1 {
		return nil, fmt.Errorf("activation threshold must be in (0,1), got %v", cfg.ActivationThreshold)
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if cfg.MinSilenceDuration <= 0 {
		cfg.MinSilenceDuration = DefaultMinSilenceDuration
	}

	return &VAD{
		cfg:    cfg,
		logger: slog.Default().With("component", "silero-vad"),
	}, nil
}

// Detect scores incoming frames and emits speech start/end events. The
// returned channel closes when the input channel closes or ctx is cancelled.
func (v *VAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	file := modelFile(v.cfg.ModelPath)
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("silero model not found: %s (run 'va-go download-files' first)", file)
	}

	sess, err := newInferenceSession(file)
	if err != nil {
		return nil, fmt.Errorf("load silero model: %w", err)
	}

	events := make(chan vad.VADEvent, 10)
	go v.run(ctx, sess, frames, events)
	return events, nil
}

func (v *VAD) run(ctx context.Context, sess *inferenceSession, frames <-chan rtc.AudioFrame, events chan<- vad.VADEvent) {
	defer close(events)
	defer sess.Close()

	seg := newSegmenter(v.cfg)

	var (
		resampler *rtc.Resampler
		srcRate   int
		buf       []float32
	)
	window := make([]float32, windowSamples)

	emit := func(ev vad.VADEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-frames:
			if !ok {
				if seg.speaking {
					emit(vad.VADEvent{Type: vad.VADEventSpeechEnd, Timestamp: time.Now()})
				}
				return
			}

			pcm := frame.Data
			if frame.NumChannels == 2 {
				pcm = rtc.MonoFromStereo(pcm)
			}
			if frame.SampleRate != internalRate {
				if resampler == nil || srcRate != frame.SampleRate {
					r, err := rtc.NewResampler(frame.SampleRate, internalRate)
					if err != nil {
						emit(vad.VADEvent{Type: vad.VADEventError, Timestamp: time.Now(), Error: err})
						return
					}
					resampler = r
					srcRate = frame.SampleRate
				}
				pcm = resampler.Resample(pcm)
			}

			buf = appendFloatSamples(buf, pcm)

			off := 0
			for len(buf)-off >= windowSamples {
				copy(window, buf[off:off+windowSamples])
				off += windowSamples

				p, err := sess.Score(window)
				if err != nil {
					v.logger.Error("silero inference failed", slog.String("error", err.Error()))
					emit(vad.VADEvent{Type: vad.VADEventError, Timestamp: time.Now(), Error: err})
					return
				}

				if ev, flipped := seg.observe(p, time.Now()); flipped {
					if !emit(ev) {
						return
					}
				}
			}
			buf = buf[:copy(buf, buf[off:])]
		}
	}
}

// Capabilities reports what the detector accepts. Any of the listed rates
// works; non-16 kHz input is resampled internally.
func (v *VAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, rtc.SampleRate16k, rtc.SampleRate24k, rtc.SampleRate48k},
		MinSpeechDuration:  v.cfg.MinSpeechDuration,
		MinSilenceDuration: v.cfg.MinSilenceDuration,
		Sensitivity:        v.cfg.ActivationThreshold,
	}
}

// segmenter turns per-window speech probabilities into start/end transitions
// with duration hysteresis. Windows scoring between the release and
// activation thresholds count for neither side.
type segmenter struct {
	activate float64
	release  float64

	startWindows int
	endWindows   int

	speaking   bool
	speechRun  int
	silenceRun int
}

func newSegmenter(cfg Config) *segmenter {
	activate := float64(cfg.ActivationThreshold)
	release := activate - releaseDelta
	if release < 0.01 {
		release = 0.01
	}

	return &segmenter{
		activate:     activate,
		release:      release,
		startWindows: windowsFor(cfg.MinSpeechDuration),
		endWindows:   windowsFor(cfg.MinSilenceDuration),
	}
}

// windowsFor converts a duration into a count of 32 ms model windows,
// rounding up and never below one.
func windowsFor(d time.Duration) int {
	n := int((d + windowDuration - 1) / windowDuration)
	if n < 1 {
		n = 1
	}
	return n
}

// observe consumes one window's probability. It returns an event exactly
// when the speaking state flips.
func (s *segmenter) observe(p float64, now time.Time) (vad.VADEvent, bool) {
	switch {
	case p >= s.activate:
		s.silenceRun = 0
		s.speechRun++
		if !s.speaking && s.speechRun >= s.startWindows {
			s.speaking = true
			return vad.VADEvent{Type: vad.VADEventSpeechStart, Confidence: p, Timestamp: now}, true
		}

	case p < s.release:
		s.speechRun = 0
		s.silenceRun++
		if s.speaking && s.silenceRun >= s.endWindows {
			s.speaking = false
			return vad.VADEvent{Type: vad.VADEventSpeechEnd, Confidence: p, Timestamp: now}, true
		}

	default:
		s.speechRun, s.silenceRun = 0, 0
	}

	return vad.VADEvent{}, false
}

// appendFloatSamples decodes little-endian PCM16 into [-1,1) floats.
func appendFloatSamples(dst []float32, pcm []byte) []float32 {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		dst = append(dst, float32(s)/32768)
	}
	return dst
}
