package rtc

import (
	"math"
	"testing"
)

func TestResamplerPassthrough(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}

	in := PCMFromSamples([]int16{1, 2, 3, 4})
	out := r.Resample(in)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input buffer")
	}
}

func TestResamplerDownsampleLength(t *testing.T) {
	tests := []struct {
		name    string
		src     int
		dst     int
		inLen   int // samples
		wantLen int // samples, +/- 1 tolerated at buffer edges
	}{
		{name: "48k to 16k", src: 48000, dst: 16000, inLen: 960, wantLen: 320},
		{name: "48k to 24k", src: 48000, dst: 24000, inLen: 960, wantLen: 480},
		{name: "24k to 48k", src: 24000, dst: 48000, inLen: 240, wantLen: 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResampler(tt.src, tt.dst)
			if err != nil {
				t.Fatalf("NewResampler() error = %v", err)
			}

			in := make([]int16, tt.inLen)
			out := r.Resample(PCMFromSamples(in))
			gotLen := len(out) / 2
			if diff := gotLen - tt.wantLen; diff < -1 || diff > 1 {
				t.Errorf("output length = %d samples, want %d (+/-1)", gotLen, tt.wantLen)
			}
		})
	}
}

func TestResamplerStreamingContinuity(t *testing.T) {
	// Feeding a stream in two halves must produce (within a sample) the same
	// total output length as feeding it at once.
	src, dst := 48000, 16000
	whole := make([]int16, 960)
	for i := range whole {
		whole[i] = int16(1000 * math.Sin(float64(i)/10))
	}

	one, err := NewResampler(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	all := one.Resample(PCMFromSamples(whole))

	two, err := NewResampler(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	first := two.Resample(PCMFromSamples(whole[:480]))
	second := two.Resample(PCMFromSamples(whole[480:]))

	if diff := (len(first)+len(second))/2 - len(all)/2; diff < -1 || diff > 1 {
		t.Errorf("split output = %d samples, whole = %d samples", (len(first)+len(second))/2, len(all)/2)
	}
}

func TestResamplerConstantSignal(t *testing.T) {
	// Linear interpolation of a constant signal is the same constant.
	r, err := NewResampler(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}

	in := make([]int16, 480)
	for i := range in {
		in[i] = 1234
	}
	out := r.Resample(PCMFromSamples(in))
	frame, err := FrameFromPCM(out, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range frame.Samples() {
		if s != 1234 {
			t.Fatalf("sample %d = %d, want 1234", i, s)
		}
	}
}

func TestMonoFromStereo(t *testing.T) {
	stereo := PCMFromSamples([]int16{100, 200, -100, -200, 0, 500})
	mono := MonoFromStereo(stereo)

	frame, err := FrameFromPCM(mono, 48000, 1)
	if err != nil {
		t.Fatal(err)
	}
	got := frame.Samples()
	want := []int16{150, -150, 250}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
