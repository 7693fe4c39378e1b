package fake

import (
	"context"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/tts"
)

func TestSynthesizeFrameCountTracksText(t *testing.T) {
	f := NewFakeTTS()
	frames, err := f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	for range frames {
		count++
	}
	if count != 5 {
		t.Errorf("frame count = %d, want 5 (one per character)", count)
	}
}

func TestFirstAudioByteFiresOncePerSynthesis(t *testing.T) {
	f := NewFakeTTS()
	fired := 0
	f.OnFirstAudioByte(func() { fired++ })

	frames, err := f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	for range frames {
	}
	if fired != 1 {
		t.Fatalf("callback fired %d times during first synthesis, want 1", fired)
	}

	// Without a reset the callback stays quiet.
	frames, err = f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "de"})
	if err != nil {
		t.Fatal(err)
	}
	for range frames {
	}
	if fired != 1 {
		t.Fatalf("callback fired %d times without reset, want 1", fired)
	}

	f.ResetFirstAudioTracking()
	frames, err = f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "fg"})
	if err != nil {
		t.Fatal(err)
	}
	for range frames {
	}
	if fired != 2 {
		t.Errorf("callback fired %d times after reset, want 2", fired)
	}
}

func TestInterruptStopsSynthesis(t *testing.T) {
	f := NewFakeTTS()
	f.FrameDelay = 5 * time.Millisecond

	frames, err := f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "a very long sentence that keeps going"})
	if err != nil {
		t.Fatal(err)
	}

	<-frames // synthesis underway
	f.Interrupt()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				if f.InterruptCount() != 1 {
					t.Errorf("InterruptCount() = %d, want 1", f.InterruptCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("frames channel did not close after Interrupt")
		}
	}
}

func TestSynthesizeStreamOrdersSegments(t *testing.T) {
	f := NewFakeTTS()
	segments := make(chan string, 3)
	segments <- "one."
	segments <- "two."
	segments <- "three."
	close(segments)

	frames, err := f.SynthesizeStream(context.Background(), segments, tts.SynthesizeRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for range frames {
	}

	got := f.Synthesized()
	want := []string{"one.", "two.", "three."}
	if len(got) != len(want) {
		t.Fatalf("synthesized = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}
