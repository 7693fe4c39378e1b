package fake

import (
	"context"
	"testing"

	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

func pushFrames(t *testing.T, s stt.STTStream, n int) {
	t.Helper()
	data := make([]byte, 320)
	for i := 0; i < n; i++ {
		frame, err := rtc.NewAudioFrame(data, 16000, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Push(*frame); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
}

func TestFakeSTTFinalOnClose(t *testing.T) {
	f := NewFakeSTT("hello world")
	stream, err := f.NewStream(context.Background(), stt.StreamConfig{SampleRate: 16000, NumChannels: 1})
	if err != nil {
		t.Fatal(err)
	}

	pushFrames(t, stream, 25)
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	var finals []string
	for ev := range stream.Events() {
		if ev.Type == stt.SpeechEventFinal {
			finals = append(finals, ev.Text)
		}
	}
	if len(finals) != 1 || finals[0] != "hello world" {
		t.Errorf("finals = %v, want exactly [hello world]", finals)
	}
}

func TestFakeSTTPushAfterClose(t *testing.T) {
	f := NewFakeSTT("")
	stream, err := f.NewStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	frame, _ := rtc.NewAudioFrame(make([]byte, 320), 16000, 1, 0)
	if err := stream.Push(*frame); err == nil {
		t.Error("Push() after CloseSend should fail")
	}
}

func TestScriptedSTTDeliversInOrder(t *testing.T) {
	f := NewScriptedSTT()
	stream, err := f.NewStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}

	f.EmitInterim("hel")
	f.EmitFinal("hello")
	f.EmitFinal("world")

	got := []stt.SpeechEvent{<-stream.Events(), <-stream.Events(), <-stream.Events()}
	if got[0].Type != stt.SpeechEventInterim || got[0].Text != "hel" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Type != stt.SpeechEventFinal || got[1].Text != "hello" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Type != stt.SpeechEventFinal || got[2].Text != "world" {
		t.Errorf("event 2 = %+v", got[2])
	}
}

func TestScriptedSTTEmitAfterCloseDoesNotPanic(t *testing.T) {
	f := NewScriptedSTT()
	stream, err := f.NewStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}
	f.EmitFinal("dropped")

	if _, ok := <-stream.Events(); ok {
		t.Error("events channel should be closed with no pending events")
	}
}
