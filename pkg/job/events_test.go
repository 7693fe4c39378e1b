package job

import (
	"errors"
	"testing"
)

func TestEventBuilders(t *testing.T) {
	event := NewEvent(EventParticipantJoined)

	if event.Type != EventParticipantJoined {
		t.Errorf("expected event type %s, got %s", EventParticipantJoined, event.Type)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	p := Participant{Identity: "alice", SID: "PA_alice"}
	errBoom := errors.New("boom")

	event = event.
		WithParticipant(p).
		WithTrack("TR_audio").
		WithError(errBoom)

	if event.Participant != p {
		t.Error("participant should be set")
	}
	if event.Track != "TR_audio" {
		t.Errorf("expected track TR_audio, got %s", event.Track)
	}
	if !errors.Is(event.Err, errBoom) {
		t.Errorf("expected wrapped error, got %v", event.Err)
	}
}

func TestNewJobID(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	if a == "" || b == "" {
		t.Fatal("job IDs should not be empty")
	}
	if a == b {
		t.Errorf("job IDs should be unique, both were %s", a)
	}
}
