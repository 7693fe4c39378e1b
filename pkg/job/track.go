package job

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

const (
	egressSampleRate = rtc.SampleRate48k
	egressChannels   = 1

	// egressFrameDuration is the packet size sent to the room. 10ms keeps
	// interruption latency low without flooding the packetizer.
	egressFrameDuration = 10 * time.Millisecond

	egressFrameSamples = egressSampleRate / 100
	egressFrameBytes   = egressFrameSamples * egressChannels * 2

	// maxOpusPacket is the largest encoded frame opus can produce.
	maxOpusPacket = 1275
)

var errTrackClosed = errors.New("audio track is closed")

// opusTrack is the LiveKit speech egress. PCM from the pipeline is cut into
// 10ms frames, opus-encoded and queued; the SDK's sample writer pulls
// packets through NextSample at playout pace.
type opusTrack struct {
	log   *slog.Logger
	local *lksdk.LocalSampleTrack

	mu        sync.Mutex
	cond      *sync.Cond
	enc       *opus.Encoder
	queue     [][]byte
	remainder []byte
	drained   chan struct{}
	closed    bool

	scratch [egressFrameSamples]int16
	encBuf  [maxOpusPacket]byte
}

var (
	_ lksdk.AudioSampleProvider = (*opusTrack)(nil)
	_ AudioOutput               = (*opusTrack)(nil)
)

func newOpusTrack(log *slog.Logger) (*opusTrack, error) {
	enc, err := opus.NewEncoder(egressSampleRate, egressChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	local, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: egressSampleRate,
		Channels:  egressChannels,
	})
	if err != nil {
		return nil, fmt.Errorf("create sample track: %w", err)
	}

	t := &opusTrack{
		log:   log,
		local: local,
		enc:   enc,
	}
	t.cond = sync.NewCond(&t.mu)

	if err := local.StartWrite(t, t.onWriteComplete); err != nil {
		return nil, fmt.Errorf("start track writer: %w", err)
	}
	return t, nil
}

func (t *opusTrack) onWriteComplete() {
	t.log.Debug("voice track writer finished")
}

// AddBytes queues 48kHz mono PCM16 audio for playout. Partial frames are
// held back until enough bytes arrive to fill one.
func (t *opusTrack) AddBytes(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errTrackClosed
	}

	t.remainder = append(t.remainder, pcm...)
	for len(t.remainder) >= egressFrameBytes {
		frame := t.remainder[:egressFrameBytes]
		for i := range t.scratch {
			t.scratch[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
		}
		n, err := t.enc.Encode(t.scratch[:], t.encBuf[:])
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		packet := make([]byte, n)
		copy(packet, t.encBuf[:n])
		t.queue = append(t.queue, packet)
		t.remainder = t.remainder[egressFrameBytes:]
	}
	if len(t.remainder) == 0 {
		t.remainder = nil
	}

	t.cond.Broadcast()
	return nil
}

// Interrupt drops all queued audio. Playout stops after the packet already
// handed to the writer finishes.
func (t *opusTrack) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
	t.remainder = nil
	t.signalDrainedLocked()
}

// WaitForPlayout blocks until every queued packet has been handed to the
// writer and the final packet's playout window has elapsed.
func (t *opusTrack) WaitForPlayout(ctx context.Context) error {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.drained == nil {
		t.drained = make(chan struct{})
	}
	ch := t.drained
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		time.Sleep(egressFrameDuration)
		return nil
	}
}

// NextSample implements lksdk.SampleProvider. It blocks until audio is
// queued and returns io.EOF once the track is closed.
func (t *opusTrack) NextSample() (media.Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) == 0 && !t.closed {
		t.cond.Wait()
	}
	if len(t.queue) == 0 {
		return media.Sample{}, io.EOF
	}

	packet := t.queue[0]
	t.queue = t.queue[1:]
	if len(t.queue) == 0 {
		t.queue = nil
		t.signalDrainedLocked()
	}
	return media.Sample{Data: packet, Duration: egressFrameDuration}, nil
}

func (t *opusTrack) OnBind() error   { return nil }
func (t *opusTrack) OnUnbind() error { return nil }

// CurrentAudioLevel reports speaking loudness in dBov, 127 meaning silence.
// The server only uses it for speaker ranking.
func (t *opusTrack) CurrentAudioLevel() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) > 0 {
		return 25
	}
	return 127
}

// Close stops the writer. Queued audio is dropped and NextSample returns
// io.EOF to the SDK.
func (t *opusTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.queue = nil
	t.remainder = nil
	t.signalDrainedLocked()
	t.cond.Broadcast()
	return nil
}

func (t *opusTrack) signalDrainedLocked() {
	if t.drained != nil {
		close(t.drained)
		t.drained = nil
	}
}
