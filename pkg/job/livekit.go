package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const defaultEventBuffer = 100

// RoomConfig contains configuration for connecting to a LiveKit room.
type RoomConfig struct {
	// URL of the LiveKit server
	URL string

	// Token for authentication. The token's grant decides which room is
	// joined and whether it is created on demand.
	Token string

	// RoomName the token grants access to, used for logging
	RoomName string

	// TrackName labels the published voice track. Defaults to "agent-voice".
	TrackName string

	// Buffer size for the events channel. Defaults to 100.
	EventBufferSize int

	Logger *slog.Logger
}

// LiveKitRoom implements Room over a WebRTC connection to a LiveKit server.
// Remote audio is opus-decoded into PCM frames for the frame handler; agent
// speech goes out through an opus-encoded sample track.
type LiveKitRoom struct {
	log *slog.Logger
	cfg RoomConfig

	mu           sync.RWMutex
	room         *lksdk.Room
	track        *opusTrack
	connected    bool
	eventsClosed bool
	participants map[string]Participant
	arrival      chan struct{}
	frameFn      AudioFrameHandler
	subs         map[string][]DataHandler

	events chan *Event
}

var _ Room = (*LiveKitRoom)(nil)

// dataMessage wraps data channel payloads in a topic envelope, since the
// receive callback does not carry topics itself.
type dataMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

// NewLiveKitRoom validates the configuration and prepares a room handle.
// Nothing connects until Join.
func NewLiveKitRoom(cfg RoomConfig) (*LiveKitRoom, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.TrackName == "" {
		cfg.TrackName = "agent-voice"
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &LiveKitRoom{
		log:          cfg.Logger.With(slog.String("room", cfg.RoomName)),
		cfg:          cfg,
		participants: make(map[string]Participant),
		arrival:      make(chan struct{}),
		subs:         make(map[string][]DataHandler),
		events:       make(chan *Event, cfg.EventBufferSize),
	}, nil
}

// Join connects to the server and publishes the agent's voice track.
func (r *LiveKitRoom) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return fmt.Errorf("room is already joined")
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    r.onParticipantConnected,
		OnParticipantDisconnected: r.onParticipantDisconnected,
		OnDisconnected:            r.onDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
			OnDataReceived:      r.onDataReceived,
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(r.cfg.URL, r.cfg.Token, callback)
	if err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}

	track, err := newOpusTrack(r.log)
	if err != nil {
		room.Disconnect()
		return err
	}
	if _, err := room.LocalParticipant.PublishTrack(track.local, &lksdk.TrackPublicationOptions{
		Name:   r.cfg.TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		track.Close()
		room.Disconnect()
		return fmt.Errorf("publish voice track: %w", err)
	}

	r.mu.Lock()
	r.room = room
	r.track = track
	r.connected = true
	// Participants already in the room never hit the connected callback.
	for _, rp := range room.GetParticipants() {
		r.participants[rp.Identity()] = Participant{Identity: rp.Identity(), SID: rp.SID()}
	}
	if len(r.participants) > 0 {
		close(r.arrival)
		r.arrival = make(chan struct{})
	}
	count := len(r.participants)
	r.mu.Unlock()

	r.log.Info("joined room",
		slog.String("url", r.cfg.URL),
		slog.Int("participants", count))
	r.sendEvent(NewEvent(EventRoomJoined))
	return nil
}

// Leave disconnects and closes the events channel. It is idempotent.
func (r *LiveKitRoom) Leave() error {
	r.mu.Lock()
	if r.eventsClosed {
		r.mu.Unlock()
		return nil
	}
	room := r.room
	track := r.track
	wasConnected := r.connected
	r.room = nil
	r.track = nil
	r.connected = false
	r.mu.Unlock()

	if track != nil {
		track.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	if wasConnected {
		r.sendEvent(NewEvent(EventRoomLeft))
		r.log.Info("left room")
	}

	r.mu.Lock()
	if !r.eventsClosed {
		r.eventsClosed = true
		close(r.events)
	}
	r.mu.Unlock()
	return nil
}

// WaitForParticipant blocks until the named participant is in the room, or
// any participant when identity is empty.
func (r *LiveKitRoom) WaitForParticipant(ctx context.Context, identity string) (string, error) {
	for {
		r.mu.RLock()
		found := ""
		if identity == "" {
			for id := range r.participants {
				found = id
				break
			}
		} else if _, ok := r.participants[identity]; ok {
			found = identity
		}
		arrival := r.arrival
		r.mu.RUnlock()

		if found != "" {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-arrival:
		}
	}
}

// OnAudioFrame registers the sink for remote participant audio.
func (r *LiveKitRoom) OnAudioFrame(fn AudioFrameHandler) {
	r.mu.Lock()
	r.frameFn = fn
	r.mu.Unlock()
}

// AudioOutput returns the published voice track, nil before Join.
func (r *LiveKitRoom) AudioOutput() AudioOutput {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.track == nil {
		return nil
	}
	return r.track
}

// Subscribe registers a handler for a data topic.
func (r *LiveKitRoom) Subscribe(topic string, fn DataHandler) {
	r.mu.Lock()
	r.subs[topic] = append(r.subs[topic], fn)
	r.mu.Unlock()
}

// Publish sends a payload to the room on the reliable data channel.
func (r *LiveKitRoom) Publish(topic string, payload []byte) error {
	r.mu.RLock()
	room := r.room
	r.mu.RUnlock()
	if room == nil {
		return fmt.Errorf("room is not joined")
	}

	raw, err := json.Marshal(dataMessage{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode data message: %w", err)
	}
	if err := room.LocalParticipant.PublishData(raw, lksdk.WithDataPublishReliable(true)); err != nil {
		return fmt.Errorf("publish data: %w", err)
	}
	return nil
}

// Events delivers room lifecycle events.
func (r *LiveKitRoom) Events() <-chan *Event {
	return r.events
}

// Participants returns a snapshot of the remote participants currently in
// the room.
func (r *LiveKitRoom) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Event handlers

func (r *LiveKitRoom) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	p := Participant{Identity: rp.Identity(), SID: rp.SID()}

	r.mu.Lock()
	r.participants[p.Identity] = p
	close(r.arrival)
	r.arrival = make(chan struct{})
	r.mu.Unlock()

	r.log.Info("participant joined",
		slog.String("identity", p.Identity),
		slog.String("sid", p.SID))
	r.sendEvent(NewEvent(EventParticipantJoined).WithParticipant(p))
}

func (r *LiveKitRoom) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	p := Participant{Identity: rp.Identity(), SID: rp.SID()}

	r.mu.Lock()
	delete(r.participants, p.Identity)
	r.mu.Unlock()

	r.log.Info("participant left", slog.String("identity", p.Identity))
	r.sendEvent(NewEvent(EventParticipantLeft).WithParticipant(p))
}

func (r *LiveKitRoom) onDisconnected() {
	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if wasConnected {
		r.log.Warn("disconnected from room")
		r.sendEvent(NewEvent(EventRoomLeft))
	}
}

func (r *LiveKitRoom) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	p := Participant{Identity: rp.Identity(), SID: rp.SID()}

	r.log.Info("audio track subscribed",
		slog.String("participant", p.Identity),
		slog.String("track_sid", publication.SID()))
	r.sendEvent(NewEvent(EventTrackEnabled).WithParticipant(p).WithTrack(publication.SID()))

	go r.readAudioTrack(track, p.Identity)
}

func (r *LiveKitRoom) onTrackUnsubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	p := Participant{Identity: rp.Identity(), SID: rp.SID()}
	r.sendEvent(NewEvent(EventTrackDisabled).WithParticipant(p).WithTrack(publication.SID()))
}

func (r *LiveKitRoom) onDataReceived(data []byte, rp *lksdk.RemoteParticipant) {
	r.dispatchData(rp.Identity(), data)
}

func (r *LiveKitRoom) dispatchData(identity string, data []byte) {
	var msg dataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("dropping malformed data message", slog.String("participant", identity))
		return
	}

	r.mu.RLock()
	handlers := append([]DataHandler(nil), r.subs[msg.Topic]...)
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(identity, msg.Payload)
	}
}

// readAudioTrack decodes a remote opus track into 48kHz mono PCM frames and
// forwards them to the frame handler. One packet is one frame, typically
// 20ms. The loop exits when the track ends.
func (r *LiveKitRoom) readAudioTrack(track *webrtc.TrackRemote, identity string) {
	dec, err := opus.NewDecoder(egressSampleRate, egressChannels)
	if err != nil {
		r.log.Error("create opus decoder", slog.String("error", err.Error()))
		return
	}

	// 120ms at 48kHz, the largest frame opus allows.
	pcm := make([]int16, 5760)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.log.Debug("audio track reader stopped",
				slog.String("participant", identity),
				slog.String("reason", err.Error()))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			r.log.Warn("opus decode failed", slog.String("error", err.Error()))
			continue
		}

		r.mu.RLock()
		fn := r.frameFn
		r.mu.RUnlock()
		if fn == nil {
			continue
		}

		fn(identity, rtc.AudioFrame{
			Data:              rtc.PCMFromSamples(pcm[:n]),
			SampleRate:        egressSampleRate,
			SamplesPerChannel: n,
			NumChannels:       egressChannels,
		})
	}
}

// sendEvent delivers an event without blocking, dropping it when the
// channel is full.
func (r *LiveKitRoom) sendEvent(event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.eventsClosed {
		return
	}

	select {
	case r.events <- event:
	default:
		r.log.Warn("events channel is full, dropping event",
			slog.String("event_type", string(event.Type)))
	}
}
