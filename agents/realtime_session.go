package agents

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/chriscow/voice-agents-go/pkg/agent"
	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/job"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// RealtimeSessionConfig assembles a RealtimeSession.
type RealtimeSessionConfig struct {
	// Agent supplies the persona and tools. Required.
	Agent *agent.Agent

	// Model is the speech-to-speech provider. Required.
	Model realtime.Model

	// Session configures the provider session. Instructions and tools are
	// filled from the agent when unset.
	Session realtime.SessionConfig

	// Room is the audio source and sink. Required, not yet joined.
	Room job.Room

	// AutoEndSession ends the session when the last remote participant
	// leaves and nobody returns within SessionTimeout.
	AutoEndSession bool

	// SessionTimeout is the rejoin grace window for AutoEndSession. Zero
	// ends the session as soon as the room empties.
	SessionTimeout time.Duration

	Logger *slog.Logger
}

// RealtimeSession ties one agent to one room through an integrated
// speech-to-speech provider instead of the cascading pipeline. Turn-taking
// lives inside the provider; the session routes audio both ways and watches
// the room the same way AgentSession does.
type RealtimeSession struct {
	agent *agent.Agent
	pipe  *pipeline.RealtimePipeline
	room  job.Room
	cfg   RealtimeSessionConfig
	log   *slog.Logger

	mu           sync.Mutex
	participants int
	endTimer     *time.Timer
	started      bool

	ended    core.Fuse
	closed   core.Fuse
	done     chan struct{}
	closeErr error
}

var _ job.Session = (*RealtimeSession)(nil)

// NewRealtimeSession builds the realtime pipeline and wires the room's audio
// into it. Registration happens before Join so no frames are lost.
func NewRealtimeSession(cfg RealtimeSessionConfig) (*RealtimeSession, error) {
	if cfg.Agent == nil {
		return nil, errors.New("an agent is required")
	}
	if cfg.Model == nil {
		return nil, errors.New("a realtime model is required")
	}
	if cfg.Room == nil {
		return nil, errors.New("a room is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Instructions == "" {
		cfg.Session.Instructions = cfg.Agent.Instructions()
	}

	pipe, err := pipeline.NewRealtime(pipeline.RealtimeConfig{
		Model:   cfg.Model,
		Session: cfg.Session,
		Sink:    job.RoomOutput(cfg.Room),
		Tools:   cfg.Agent,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &RealtimeSession{
		agent: cfg.Agent,
		pipe:  pipe,
		room:  cfg.Room,
		cfg:   cfg,
		log:   cfg.Logger.With(slog.String("session_agent", cfg.Agent.Name())),
		done:  make(chan struct{}),
	}
	cfg.Room.OnAudioFrame(func(participant string, frame rtc.AudioFrame) {
		if err := s.pipe.PushFrame(&frame); err != nil {
			s.log.Debug("audio input rejected", slog.String("error", err.Error()))
		}
	})
	return s, nil
}

// Agent returns the agent this session serves.
func (s *RealtimeSession) Agent() *agent.Agent { return s.agent }

// Pipeline returns the realtime voice loop.
func (s *RealtimeSession) Pipeline() *pipeline.RealtimePipeline { return s.pipe }

// Start connects the provider session and begins watching room events. The
// room must already be joined.
func (s *RealtimeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.pipe.Start(ctx); err != nil {
		return err
	}
	go s.watchRoom()
	s.log.Info("realtime session started")
	return nil
}

// Done closes when the session has ended, whatever the reason.
func (s *RealtimeSession) Done() <-chan struct{} { return s.done }

// SendMessage injects text as a user message and requests a spoken response.
func (s *RealtimeSession) SendMessage(text string) error {
	return s.pipe.SendMessage(text)
}

// Interrupt cancels any response in flight.
func (s *RealtimeSession) Interrupt() { s.pipe.Interrupt() }

// Close stops the pipeline, flushes telemetry and marks the session ended.
// Idempotent.
func (s *RealtimeSession) Close() error {
	s.closed.Once(func() {
		s.mu.Lock()
		if s.endTimer != nil {
			s.endTimer.Stop()
			s.endTimer = nil
		}
		s.mu.Unlock()

		s.closeErr = s.pipe.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), collectorFlushTimeout)
		defer cancel()
		s.pipe.Collector().EndSession(ctx)

		s.end("session closed")
	})
	return s.closeErr
}

func (s *RealtimeSession) watchRoom() {
	for ev := range s.room.Events() {
		switch ev.Type {
		case job.EventParticipantJoined:
			s.mu.Lock()
			s.participants++
			if s.endTimer != nil {
				s.endTimer.Stop()
				s.endTimer = nil
				s.log.Info("participant returned, end canceled",
					slog.String("participant", ev.Participant.Identity))
			}
			s.mu.Unlock()
		case job.EventParticipantLeft:
			s.mu.Lock()
			if s.participants > 0 {
				s.participants--
			}
			empty := s.participants == 0
			s.mu.Unlock()
			if empty && s.cfg.AutoEndSession {
				s.scheduleEnd()
			}
		case job.EventRoomError:
			if ev.Err != nil {
				s.log.Warn("room error", slog.String("error", ev.Err.Error()))
			}
		}
	}
	s.end("room closed")
}

func (s *RealtimeSession) scheduleEnd() {
	grace := s.cfg.SessionTimeout
	if grace <= 0 {
		s.end("room empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTimer != nil {
		return
	}
	s.log.Info("room empty, session ends after grace window",
		slog.Duration("grace", grace))
	s.endTimer = time.AfterFunc(grace, func() {
		s.end("room empty")
	})
}

func (s *RealtimeSession) end(reason string) {
	s.ended.Once(func() {
		s.log.Info("realtime session ended", slog.String("reason", reason))
		close(s.done)
	})
}
