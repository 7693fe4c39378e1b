package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/audio/wav"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// consoleFrameDuration matches the 20ms cadence rooms deliver audio at.
const consoleFrameDuration = 20 * time.Millisecond

// ConsoleConfig configures a WAV-backed console room.
type ConsoleConfig struct {
	// InputPath is the WAV file standing in for the user's microphone.
	InputPath string

	// OutputPath is where the agent's speech is written.
	OutputPath string

	// OutputSampleRate matches the pipeline's synthesis rate. Defaults to
	// 48kHz.
	OutputSampleRate int

	// Identity of the simulated participant. Defaults to "console".
	Identity string

	Logger *slog.Logger
}

// ConsoleRoom implements Room against local WAV files so an agent can run
// without a media server. Input audio is delivered as 20ms frames at the
// pace it would arrive live; agent speech lands in the output file. When
// the input runs out the simulated participant leaves, which winds the
// session down the same way a production room does.
type ConsoleRoom struct {
	log *slog.Logger
	cfg ConsoleConfig

	mu           sync.RWMutex
	frameFn      AudioFrameHandler
	subs         map[string][]DataHandler
	out          *consoleOutput
	cancel       context.CancelFunc
	joined       bool
	eventsClosed bool

	done   chan struct{}
	events chan *Event
}

var _ Room = (*ConsoleRoom)(nil)

// NewConsoleRoom validates the configuration. Files are opened on Join.
func NewConsoleRoom(cfg ConsoleConfig) (*ConsoleRoom, error) {
	if cfg.InputPath == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = rtc.SampleRate48k
	}
	if cfg.Identity == "" {
		cfg.Identity = "console"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ConsoleRoom{
		log:    cfg.Logger.With(slog.String("room", "console")),
		cfg:    cfg,
		subs:   make(map[string][]DataHandler),
		done:   make(chan struct{}),
		events: make(chan *Event, defaultEventBuffer),
	}, nil
}

// Join opens both WAV files and starts replaying input audio in real time.
func (c *ConsoleRoom) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return fmt.Errorf("room is already joined")
	}

	reader, err := wav.NewReader(c.cfg.InputPath)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open input: %w", err)
	}
	writer, err := wav.NewWriter(c.cfg.OutputPath, uint32(c.cfg.OutputSampleRate), 1, 16)
	if err != nil {
		reader.Close()
		c.mu.Unlock()
		return fmt.Errorf("open output: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.out = &consoleOutput{w: writer}
	c.cancel = cancel
	c.joined = true
	c.mu.Unlock()

	c.sendEvent(NewEvent(EventRoomJoined))
	c.sendEvent(NewEvent(EventParticipantJoined).WithParticipant(Participant{Identity: c.cfg.Identity}))
	go c.pump(pumpCtx, reader)

	c.log.Info("console room ready",
		slog.String("input", c.cfg.InputPath),
		slog.String("output", c.cfg.OutputPath))
	return nil
}

// Leave stops the input pump, finalizes the output file and closes the
// events channel. It is idempotent.
func (c *ConsoleRoom) Leave() error {
	c.mu.Lock()
	if c.eventsClosed {
		c.mu.Unlock()
		return nil
	}
	joined := c.joined
	cancel := c.cancel
	out := c.out
	c.joined = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}
	var err error
	if out != nil {
		err = out.Close()
	}
	if joined {
		c.sendEvent(NewEvent(EventRoomLeft))
		c.log.Info("left console room")
	}

	c.mu.Lock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
	c.mu.Unlock()
	return err
}

// WaitForParticipant resolves immediately: the console participant is in
// the room from the moment it is joined.
func (c *ConsoleRoom) WaitForParticipant(ctx context.Context, identity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if identity != "" && identity != c.cfg.Identity {
		return "", fmt.Errorf("participant %q never joins a console room", identity)
	}
	return c.cfg.Identity, nil
}

// OnAudioFrame registers the sink for input audio.
func (c *ConsoleRoom) OnAudioFrame(fn AudioFrameHandler) {
	c.mu.Lock()
	c.frameFn = fn
	c.mu.Unlock()
}

// AudioOutput returns the output file egress, nil before Join.
func (c *ConsoleRoom) AudioOutput() AudioOutput {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.out == nil {
		return nil
	}
	return c.out
}

// Subscribe registers a handler for a data topic.
func (c *ConsoleRoom) Subscribe(topic string, fn DataHandler) {
	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], fn)
	c.mu.Unlock()
}

// Publish loops payloads back to local subscribers. A console room has no
// remote peers, so publishing is only observable through Subscribe.
func (c *ConsoleRoom) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	handlers := append([]DataHandler(nil), c.subs[topic]...)
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(c.cfg.Identity, payload)
	}
	return nil
}

// Events delivers room lifecycle events.
func (c *ConsoleRoom) Events() <-chan *Event {
	return c.events
}

// pump replays the input file as if a participant were speaking live, two
// 10ms reader frames per 20ms tick. Input EOF is reported as the
// participant leaving.
func (c *ConsoleRoom) pump(ctx context.Context, reader *wav.Reader) {
	defer close(c.done)
	defer reader.Close()

	ticker := time.NewTicker(consoleFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := c.nextInputFrame(reader)
		if err != nil {
			if err != io.EOF {
				c.log.Error("reading input audio", slog.String("error", err.Error()))
				c.sendEvent(NewEvent(EventRoomError).WithError(err))
			}
			c.sendEvent(NewEvent(EventParticipantLeft).WithParticipant(Participant{Identity: c.cfg.Identity}))
			return
		}

		c.mu.RLock()
		fn := c.frameFn
		c.mu.RUnlock()
		if fn != nil {
			fn(c.cfg.Identity, *frame)
		}
	}
}

// nextInputFrame merges up to two 10ms frames into one.
func (c *ConsoleRoom) nextInputFrame(reader *wav.Reader) (*rtc.AudioFrame, error) {
	first, err := reader.NextFrame()
	if err != nil {
		return nil, err
	}
	second, err := reader.NextFrame()
	if err == io.EOF {
		return first, nil
	}
	if err != nil {
		return nil, err
	}
	first.Data = append(first.Data, second.Data...)
	first.SamplesPerChannel += second.SamplesPerChannel
	return first, nil
}

// sendEvent delivers an event without blocking, dropping it when the
// channel is full.
func (c *ConsoleRoom) sendEvent(event *Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eventsClosed {
		return
	}

	select {
	case c.events <- event:
	default:
		c.log.Warn("events channel is full, dropping event",
			slog.String("event_type", string(event.Type)))
	}
}

// consoleOutput lands agent speech in the output WAV. Writes complete
// immediately, so playout waits return at once and interrupts have nothing
// to drop.
type consoleOutput struct {
	mu     sync.Mutex
	w      *wav.Writer
	closed bool
}

var _ AudioOutput = (*consoleOutput)(nil)

func (o *consoleOutput) AddBytes(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("console output is closed")
	}
	return o.w.WritePCM(pcm)
}

func (o *consoleOutput) Interrupt() {}

func (o *consoleOutput) WaitForPlayout(ctx context.Context) error {
	return ctx.Err()
}

func (o *consoleOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.w.Close()
}
