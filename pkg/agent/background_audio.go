package agent

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/audio/wav"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// AudioOutput receives background audio. Pipeline sinks satisfy it, so
// filler audio plays through the same path as agent speech.
type AudioOutput interface {
	AddBytes(pcm []byte) error
}

// BackgroundAudio loops a WAV file into an audio output, for ambient sound
// or thinking noise while a response is being generated. The pipeline stops
// it the moment the agent starts speaking or the user barges in.
type BackgroundAudio struct {
	mu       sync.RWMutex
	enabled  bool
	volume   float32
	frames   []rtc.AudioFrame
	position int
	playing  bool
}

var _ pipeline.BackgroundAudio = (*BackgroundAudio)(nil)

// BackgroundAudioConfig holds configuration for background audio.
type BackgroundAudioConfig struct {
	// AudioFile is the path to the WAV file to loop.
	AudioFile string
	// Volume scales playback, 0.0 to 1.0.
	Volume float32
	// Enabled determines if background audio plays when started.
	Enabled bool
}

// NewBackgroundAudio creates a BackgroundAudio, preloading AudioFile when set.
func NewBackgroundAudio(cfg BackgroundAudioConfig) (*BackgroundAudio, error) {
	ba := &BackgroundAudio{
		enabled: cfg.Enabled,
		volume:  cfg.Volume,
	}

	if cfg.AudioFile != "" {
		if err := ba.LoadAudioFile(cfg.AudioFile); err != nil {
			return nil, err
		}
	}

	return ba, nil
}

// LoadAudioFile loads a WAV file for looping playback. The whole file is
// preloaded so the loop never touches disk.
func (ba *BackgroundAudio) LoadAudioFile(filename string) error {
	reader, err := wav.NewReader(filename)
	if err != nil {
		return err
	}
	defer reader.Close()

	frames, err := reader.ReadFrames()
	if err != nil {
		return err
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()
	ba.frames = frames
	ba.position = 0
	return nil
}

// SetEnabled controls whether background audio is active.
func (ba *BackgroundAudio) SetEnabled(enabled bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	ba.enabled = enabled
}

// SetVolume adjusts the playback volume, clamped to 0.0 through 1.0.
func (ba *BackgroundAudio) SetVolume(volume float32) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	if volume < 0.0 {
		volume = 0.0
	} else if volume > 1.0 {
		volume = 1.0
	}
	ba.volume = volume
}

// IsEnabled returns whether background audio is currently enabled.
func (ba *BackgroundAudio) IsEnabled() bool {
	ba.mu.RLock()
	defer ba.mu.RUnlock()
	return ba.enabled
}

// NextFrame returns the next frame at the configured volume, looping back to
// the start of the file when it runs out. Nil when disabled or nothing is
// loaded.
func (ba *BackgroundAudio) NextFrame() *rtc.AudioFrame {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if !ba.enabled || len(ba.frames) == 0 {
		return nil
	}

	frame := ba.frames[ba.position]
	ba.position = (ba.position + 1) % len(ba.frames)

	if ba.volume != 1.0 {
		frame = scaleVolume(frame, ba.volume)
	}

	return &frame
}

// Start begins paced playback into out on a separate goroutine. Calling
// Start while already playing is a no-op.
func (ba *BackgroundAudio) Start(ctx context.Context, out AudioOutput) {
	ba.mu.Lock()
	if ba.playing {
		ba.mu.Unlock()
		return
	}
	ba.playing = true
	ba.mu.Unlock()

	go ba.playLoop(ctx, out)
}

// Stop ends playback. The preloaded audio stays; Start resumes the loop.
func (ba *BackgroundAudio) Stop() {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	ba.playing = false
}

// playLoop delivers one 10ms frame per tick until stopped.
func (ba *BackgroundAudio) playLoop(ctx context.Context, out AudioOutput) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ba.Stop()
			return
		case <-ticker.C:
			ba.mu.RLock()
			playing := ba.playing
			ba.mu.RUnlock()
			if !playing {
				return
			}

			if frame := ba.NextFrame(); frame != nil {
				if err := out.AddBytes(frame.Data); err != nil {
					ba.Stop()
					return
				}
			}
		}
	}
}

// scaleVolume scales 16-bit PCM samples, clamping instead of overflowing.
func scaleVolume(frame rtc.AudioFrame, volume float32) rtc.AudioFrame {
	if volume == 1.0 {
		return frame
	}

	scaled := rtc.AudioFrame{
		Data:              make([]byte, len(frame.Data)),
		SampleRate:        frame.SampleRate,
		SamplesPerChannel: frame.SamplesPerChannel,
		NumChannels:       frame.NumChannels,
		Timestamp:         frame.Timestamp,
	}

	for i := 0; i+1 < len(frame.Data); i += 2 {
		sample := int16(frame.Data[i]) | int16(frame.Data[i+1])<<8

		v := int32(sample) * int32(volume*32768) / 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)

		scaled.Data[i] = byte(s)
		scaled.Data[i+1] = byte(s >> 8)
	}

	return scaled
}
