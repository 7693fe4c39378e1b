package job

import (
	"context"
	"errors"

	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// AudioFrameHandler receives decoded PCM frames from a remote participant.
// Frames arrive in capture order, one goroutine per participant track.
type AudioFrameHandler func(participant string, frame rtc.AudioFrame)

// DataHandler receives a payload published to a subscribed data topic.
type DataHandler func(participant string, payload []byte)

// AudioOutput is the room's speech egress. AddBytes queues PCM16 audio for
// playout, Interrupt drops whatever has not played yet, and WaitForPlayout
// blocks until the queue drains.
type AudioOutput interface {
	AddBytes(pcm []byte) error
	Interrupt()
	WaitForPlayout(ctx context.Context) error
}

// Room is one media connection an agent serves. LiveKitRoom implements it
// over WebRTC; ConsoleRoom implements it over WAV files for local runs.
//
// Join connects and starts delivering events. Leave is idempotent and safe
// to call on a room that never joined.
type Room interface {
	Join(ctx context.Context) error
	Leave() error

	// WaitForParticipant blocks until the named participant is present, or
	// until any participant is present when identity is empty. It returns
	// the participant's identity.
	WaitForParticipant(ctx context.Context, identity string) (string, error)

	// OnAudioFrame registers the sink for remote participant audio. Call it
	// before Join so no frames are lost.
	OnAudioFrame(fn AudioFrameHandler)

	// AudioOutput returns the egress the agent speaks through. It is nil
	// until Join succeeds.
	AudioOutput() AudioOutput

	// Subscribe registers a handler for a data topic.
	Subscribe(topic string, fn DataHandler)

	// Publish sends a payload to the room on a topic.
	Publish(topic string, payload []byte) error

	// Events delivers room lifecycle events. The channel closes when the
	// room is left.
	Events() <-chan *Event
}

// RoomOutput adapts a Room into an AudioOutput that resolves the room's
// egress on every call. Entrypoints build their pipeline before the room has
// joined, when AudioOutput is still nil; this defers the lookup until audio
// actually flows.
func RoomOutput(r Room) AudioOutput {
	return &roomOutput{room: r}
}

type roomOutput struct {
	room Room
}

func (o *roomOutput) AddBytes(pcm []byte) error {
	out := o.room.AudioOutput()
	if out == nil {
		return errors.New("room has no audio output yet")
	}
	return out.AddBytes(pcm)
}

func (o *roomOutput) Interrupt() {
	if out := o.room.AudioOutput(); out != nil {
		out.Interrupt()
	}
}

func (o *roomOutput) WaitForPlayout(ctx context.Context) error {
	out := o.room.AudioOutput()
	if out == nil {
		return nil
	}
	return out.WaitForPlayout(ctx)
}
