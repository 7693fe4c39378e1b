package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/chriscow/voice-agents-go/pkg/agent"
	"github.com/chriscow/voice-agents-go/pkg/job"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// collectorFlushTimeout bounds the telemetry flush during Close.
const collectorFlushTimeout = 5 * time.Second

// SessionConfig assembles an AgentSession.
type SessionConfig struct {
	// Agent supplies the persona and tools. Required.
	Agent *agent.Agent

	// Pipeline is the voice loop the session feeds. Required, not yet
	// started.
	Pipeline *pipeline.Pipeline

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

// AgentSession ties one agent to one room for the lifetime of a job: it
// routes room audio into the pipeline, watches participant comings and
// goings, and ends itself when the conversation is over.
type AgentSession struct {
	agent *agent.Agent
	pipe  *pipeline.Pipeline
	room  job.Room
	cfg   SessionConfig
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

var _ job.Session = (*AgentSession)(nil)

// NewSession wires the room's audio into the pipeline. Register happens
// here, before Join, so no frames are lost.
func NewSession(cfg SessionConfig) (*AgentSession, error) {
	if cfg.Agent == nil {
		return nil, errors.New("an agent is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("a pipeline is required")
	}
	if cfg.Room == nil {
		return nil, errors.New("a room is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &AgentSession{
		agent: cfg.Agent,
		pipe:  cfg.Pipeline,
		room:  cfg.Room,
		cfg:   cfg,
		log:   cfg.Logger.With(slog.String("session_agent", cfg.Agent.Name())),
		done:  make(chan struct{}),
	}
	cfg.Room.OnAudioFrame(func(participant string, frame rtc.AudioFrame) {
		s.pipe.PushFrame(frame)
	})
	return s, nil
}

// Agent returns the agent this session serves.
func (s *AgentSession) Agent() *agent.Agent { return s.agent }

// Pipeline returns the voice loop, for interruption and state checks.
func (s *AgentSession) Pipeline() *pipeline.Pipeline { return s.pipe }

// Start launches the pipeline and begins watching room events. The room
// must already be joined.
func (s *AgentSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	go s.watchRoom()
	s.log.Info("session started")
	return nil
}

// Done closes when the session has ended, whatever the reason.
func (s *AgentSession) Done() <-chan struct{} { return s.done }

// Reply makes the agent speak once from the given instructions. The
// instructions join the chat history as a user message. With
// waitForPlayback the reply cannot be interrupted and Reply returns only
// after playout.
func (s *AgentSession) Reply(ctx context.Context, instructions string, waitForPlayback bool) error {
	return s.pipe.Reply(ctx, instructions, waitForPlayback)
}

// Interrupt cancels any reply in flight.
func (s *AgentSession) Interrupt() { s.pipe.Interrupt() }

// Close stops the pipeline, flushes telemetry and marks the session ended.
// It is idempotent. Leaving the room is the job context's business, after
// Close, so the pipeline never writes to a dead room.
func (s *AgentSession) Close() error {
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

// watchRoom consumes room events until the channel closes. It is the only
// Events consumer; participant arrivals cancel a pending auto-end.
func (s *AgentSession) watchRoom() {
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
	// The channel closes when the room is left.
	s.end("room closed")
}

// scheduleEnd arms the auto-end timer. With no grace window the session
// ends right away.
func (s *AgentSession) scheduleEnd() {
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

func (s *AgentSession) end(reason string) {
	s.ended.Once(func() {
		s.log.Info("session ended", slog.String("reason", reason))
		close(s.done)
	})
}
