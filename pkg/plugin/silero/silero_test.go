package silero

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/vad"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

func testConfig() Config {
	return Config{
		ActivationThreshold: 0.5,
		MinSpeechDuration:   50 * time.Millisecond,
		MinSilenceDuration:  550 * time.Millisecond,
	}
}

func TestSegmenter_StartAfterMinSpeech(t *testing.T) {
	seg := newSegmenter(testConfig())
	// 50 ms at 32 ms windows rounds up to 2 windows.
	if seg.startWindows != 2 {
		t.Fatalf("expected 2 start windows, got %d", seg.startWindows)
	}

	if _, flipped := seg.observe(0.9, time.Now()); flipped {
		t.Error("first speech window should not open a segment yet")
	}

	ev, flipped := seg.observe(0.9, time.Now())
	if !flipped {
		t.Fatal("second speech window should open the segment")
	}
	if ev.Type != vad.VADEventSpeechStart {
		t.Errorf("expected speech start, got %v", ev.Type)
	}
	if ev.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", ev.Confidence)
	}

	// Further speech windows stay silent.
	if _, flipped := seg.observe(0.9, time.Now()); flipped {
		t.Error("ongoing speech should not re-report a start")
	}
}

func TestSegmenter_EndAfterMinSilence(t *testing.T) {
	seg := newSegmenter(testConfig())
	seg.observe(0.9, time.Now())
	seg.observe(0.9, time.Now())
	if !seg.speaking {
		t.Fatal("segment should be open")
	}

	// 550 ms at 32 ms windows rounds up to 18 windows.
	for i := 0; i < seg.endWindows-1; i++ {
		if _, flipped := seg.observe(0.1, time.Now()); flipped {
			t.Fatalf("silence window %d should not close the segment yet", i+1)
		}
	}

	ev, flipped := seg.observe(0.1, time.Now())
	if !flipped {
		t.Fatal("final silence window should close the segment")
	}
	if ev.Type != vad.VADEventSpeechEnd {
		t.Errorf("expected speech end, got %v", ev.Type)
	}
	if seg.speaking {
		t.Error("segmenter should be idle after the segment closes")
	}
}

func TestSegmenter_HysteresisBandHoldsState(t *testing.T) {
	seg := newSegmenter(testConfig())
	seg.observe(0.9, time.Now())
	seg.observe(0.9, time.Now())

	// Probabilities between release (0.35) and activation (0.5) are
	// evidence for neither side, so the segment stays open indefinitely.
	for i := 0; i < 100; i++ {
		if _, flipped := seg.observe(0.45, time.Now()); flipped {
			t.Fatal("in-band probability should never flip the state")
		}
	}
	if !seg.speaking {
		t.Error("segment should still be open")
	}

	// Band windows also reset the silence run.
	for i := 0; i < seg.endWindows-1; i++ {
		seg.observe(0.1, time.Now())
	}
	seg.observe(0.45, time.Now())
	if _, flipped := seg.observe(0.1, time.Now()); flipped {
		t.Error("silence run should restart after an in-band window")
	}
}

func TestSegmenter_SpeechRunResetBySilence(t *testing.T) {
	seg := newSegmenter(testConfig())

	seg.observe(0.9, time.Now())
	seg.observe(0.1, time.Now())
	if _, flipped := seg.observe(0.9, time.Now()); flipped {
		t.Error("speech run should have been reset by the silence window")
	}
	if _, flipped := seg.observe(0.9, time.Now()); !flipped {
		t.Error("two consecutive speech windows should open the segment")
	}
}

func TestWindowsFor(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{windowDuration, 1},
		{windowDuration + time.Millisecond, 2},
		{550 * time.Millisecond, 18},
	}
	for _, tt := range tests {
		if got := windowsFor(tt.d); got != tt.want {
			t.Errorf("windowsFor(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestAppendFloatSamples(t *testing.T) {
	// 0x8000 = -32768 → -1.0, 0x7FFF = 32767 → just under 1.0.
	pcm := []byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00}
	out := appendFloatSamples(nil, pcm)

	if len(out) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(out))
	}
	if out[0] != -1.0 {
		t.Errorf("expected -1.0, got %v", out[0])
	}
	if out[1] <= 0.999 || out[1] >= 1.0 {
		t.Errorf("expected just under 1.0, got %v", out[1])
	}
	if out[2] != 0 {
		t.Errorf("expected 0, got %v", out[2])
	}
}

func TestConfigFromMap(t *testing.T) {
	c := configFromMap(map[string]any{
		"threshold":      0.7,
		"min_speech_ms":  100,
		"min_silence_ms": 300.0,
		"model_path":     "/models",
	})

	if c.ActivationThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", c.ActivationThreshold)
	}
	if c.MinSpeechDuration != 100*time.Millisecond {
		t.Errorf("expected 100ms speech, got %v", c.MinSpeechDuration)
	}
	if c.MinSilenceDuration != 300*time.Millisecond {
		t.Errorf("expected 300ms silence, got %v", c.MinSilenceDuration)
	}
	if c.ModelPath != "/models" {
		t.Errorf("expected /models, got %q", c.ModelPath)
	}
}

func TestNew_Defaults(t *testing.T) {
	v, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	caps := v.Capabilities()
	if caps.Sensitivity != DefaultActivationThreshold {
		t.Errorf("expected default threshold, got %v", caps.Sensitivity)
	}
	if caps.MinSilenceDuration != DefaultMinSilenceDuration {
		t.Errorf("expected default silence duration, got %v", caps.MinSilenceDuration)
	}

	found := false
	for _, rate := range caps.SampleRates {
		if rate == rtc.SampleRate16k {
			found = true
		}
	}
	if !found {
		t.Error("capabilities should include 16 kHz")
	}
}

func TestNew_RejectsBadThreshold(t *testing.T) {
	if _, err := New(Config{ActivationThreshold: 1.5}); err == nil {
		t.Error("expected error for threshold above 1")
	}
}

func TestDetect_MissingModel(t *testing.T) {
	v, err := New(Config{ModelPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	frames := make(chan rtc.AudioFrame)
	_, err = v.Detect(context.Background(), frames)
	if err == nil {
		t.Fatal("expected error when model file is missing")
	}
	if !strings.Contains(err.Error(), "download-files") {
		t.Errorf("error should point at the download command, got: %v", err)
	}
}
