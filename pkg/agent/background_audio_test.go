package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/audio/wav"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// writeToneFixture writes a 48kHz mono tone of the given length and returns
// its path.
func writeToneFixture(t *testing.T, durationMs int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	w, err := wav.NewWriter(path, 48000, 1, 16)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSineWave(440, durationMs); err != nil {
		t.Fatalf("WriteSineWave: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

// recordingOutput counts AddBytes calls, optionally failing them.
type recordingOutput struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (o *recordingOutput) AddBytes(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.err
}

func (o *recordingOutput) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func TestNewBackgroundAudio(t *testing.T) {
	tests := []struct {
		name   string
		config BackgroundAudioConfig
	}{
		{
			name: "enabled without file",
			config: BackgroundAudioConfig{
				Volume:  0.5,
				Enabled: true,
			},
		},
		{
			name: "disabled",
			config: BackgroundAudioConfig{
				Volume:  0.3,
				Enabled: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ba, err := NewBackgroundAudio(tt.config)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ba.IsEnabled() != tt.config.Enabled {
				t.Errorf("expected enabled=%v, got %v", tt.config.Enabled, ba.IsEnabled())
			}
		})
	}
}

func TestNewBackgroundAudioMissingFile(t *testing.T) {
	_, err := NewBackgroundAudio(BackgroundAudioConfig{
		AudioFile: filepath.Join(t.TempDir(), "does-not-exist.wav"),
		Volume:    1.0,
		Enabled:   true,
	})
	if err == nil {
		t.Error("expected error for missing audio file")
	}
}

func TestBackgroundAudioSetEnabled(t *testing.T) {
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{Volume: 0.5})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	if ba.IsEnabled() {
		t.Error("expected background audio to start disabled")
	}
	ba.SetEnabled(true)
	if !ba.IsEnabled() {
		t.Error("expected background audio to be enabled")
	}
	ba.SetEnabled(false)
	if ba.IsEnabled() {
		t.Error("expected background audio to be disabled again")
	}
}

func TestBackgroundAudioNextFrameWithoutAudio(t *testing.T) {
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{Volume: 0.5, Enabled: true})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}
	if frame := ba.NextFrame(); frame != nil {
		t.Error("expected nil frame when no audio is loaded")
	}
}

func TestBackgroundAudioNextFrameDisabled(t *testing.T) {
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{
		AudioFile: writeToneFixture(t, 30),
		Volume:    1.0,
		Enabled:   false,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}
	if frame := ba.NextFrame(); frame != nil {
		t.Error("expected nil frame while disabled")
	}
}

func TestBackgroundAudioLoops(t *testing.T) {
	// 30ms of audio is exactly three 10ms frames.
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{
		AudioFile: writeToneFixture(t, 30),
		Volume:    1.0,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	first := ba.NextFrame()
	if first == nil {
		t.Fatal("expected a frame")
	}
	for i := 0; i < 2; i++ {
		if ba.NextFrame() == nil {
			t.Fatalf("expected frame %d", i+2)
		}
	}

	wrapped := ba.NextFrame()
	if wrapped == nil {
		t.Fatal("expected playback to loop")
	}
	if wrapped.Timestamp != first.Timestamp {
		t.Errorf("expected loop back to the first frame, got timestamp %v", wrapped.Timestamp)
	}
}

func TestScaleVolume(t *testing.T) {
	frame := ba16Frame(t, []int16{256, 512, -1024})

	unscaled := scaleVolume(frame, 1.0)
	for i := range frame.Data {
		if unscaled.Data[i] != frame.Data[i] {
			t.Fatalf("volume 1.0 should preserve data, differs at byte %d", i)
		}
	}

	silenced := scaleVolume(frame, 0.0)
	for i, b := range silenced.Data {
		if b != 0 {
			t.Fatalf("volume 0.0 should silence, got %d at byte %d", b, i)
		}
	}

	halved := scaleVolume(frame, 0.5)
	got := int16(halved.Data[0]) | int16(halved.Data[1])<<8
	if got < 120 || got > 136 {
		t.Errorf("expected first sample near 128 at half volume, got %d", got)
	}
}

// ba16Frame packs int16 samples into a little-endian test frame.
func ba16Frame(t *testing.T, samples []int16) rtc.AudioFrame {
	t.Helper()
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return rtc.AudioFrame{
		Data:              data,
		SampleRate:        48000,
		SamplesPerChannel: len(samples),
		NumChannels:       1,
	}
}

func TestBackgroundAudioStartStop(t *testing.T) {
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{
		AudioFile: writeToneFixture(t, 30),
		Volume:    1.0,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &recordingOutput{}
	ba.Start(ctx, out)

	deadline := time.Now().Add(2 * time.Second)
	for out.Calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for playback to deliver frames")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ba.Stop()
	time.Sleep(30 * time.Millisecond) // let an in-flight tick land
	settled := out.Calls()
	time.Sleep(50 * time.Millisecond)
	if out.Calls() != settled {
		t.Errorf("playback continued after Stop: %d -> %d", settled, out.Calls())
	}

	// Playback can be restarted after Stop.
	ba.Start(ctx, out)
	deadline = time.Now().Add(2 * time.Second)
	for out.Calls() <= settled {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for restarted playback")
		}
		time.Sleep(2 * time.Millisecond)
	}
	ba.Stop()
}

func TestBackgroundAudioOutputErrorStopsPlayback(t *testing.T) {
	ba, err := NewBackgroundAudio(BackgroundAudioConfig{
		AudioFile: writeToneFixture(t, 30),
		Volume:    1.0,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &recordingOutput{err: errors.New("sink closed")}
	ba.Start(ctx, out)

	deadline := time.Now().Add(2 * time.Second)
	for out.Calls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first delivery")
		}
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if got := out.Calls(); got != 1 {
		t.Errorf("expected playback to stop after a sink error, got %d deliveries", got)
	}
}
