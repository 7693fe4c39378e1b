package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
	"github.com/chriscow/voice-agents-go/pkg/telemetry"
)

// RealtimeConfig wires a speech-to-speech provider session to the room.
type RealtimeConfig struct {
	Model   realtime.Model
	Session realtime.SessionConfig

	Sink  AudioSink
	Tools ToolSource

	Collector *telemetry.RealtimeCollector
	Logger    *slog.Logger

	// MicSampleRate is the rate of captured room audio. When it differs from
	// the session's input rate, frames are resampled on the way in.
	MicSampleRate int

	OnError func(source ai.Source, err error)
}

// RealtimePipeline drives one realtime provider session: microphone frames
// in, provider audio out, tool calls answered in between. Turn-taking lives
// inside the provider; this side handles resampling, barge-in delivery and
// metrics.
type RealtimePipeline struct {
	cfg       RealtimeConfig
	log       *slog.Logger
	collector *telemetry.RealtimeCollector

	session   realtime.Session
	resampler *rtc.Resampler

	agentSpeaking atomic.Bool

	transcriptMu sync.Mutex
	transcript   []string

	runCtx   context.Context
	runStop  context.CancelFunc
	shutdown core.Fuse
}

// NewRealtime validates cfg and builds a stopped realtime pipeline.
func NewRealtime(cfg RealtimeConfig) (*RealtimePipeline, error) {
	if cfg.Model == nil {
		return nil, errors.New("realtime pipeline requires a model")
	}
	if cfg.Sink == nil {
		return nil, errors.New("realtime pipeline requires an audio sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collector == nil {
		cfg.Collector = telemetry.NewRealtimeCollector(telemetry.SessionInfo{})
	}
	if cfg.MicSampleRate <= 0 {
		cfg.MicSampleRate = rtc.SampleRate48k
	}
	if cfg.Tools != nil && len(cfg.Session.Tools) == 0 {
		cfg.Session.Tools = cfg.Tools.Definitions()
	}

	return &RealtimePipeline{
		cfg:       cfg,
		log:       cfg.Logger.With(slog.String("component", "realtime-pipeline")),
		collector: cfg.Collector,
	}, nil
}

// Start connects the provider session and begins pumping audio and events.
func (p *RealtimePipeline) Start(ctx context.Context) error {
	if p.runCtx != nil {
		return errors.New("realtime pipeline already started")
	}
	p.runCtx, p.runStop = context.WithCancel(ctx)

	session, err := p.cfg.Model.Connect(ctx, p.cfg.Session)
	if err != nil {
		return fmt.Errorf("connect realtime session: %w", err)
	}
	p.session = session

	if in := p.cfg.Session.InputSampleRate; in > 0 && in != p.cfg.MicSampleRate {
		r, err := rtc.NewResampler(p.cfg.MicSampleRate, in)
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("build input resampler: %w", err)
		}
		p.resampler = r
	}

	go p.pumpAudio()
	go p.pumpEvents()

	p.log.Info("realtime session connected",
		slog.Int("mic_rate", p.cfg.MicSampleRate),
		slog.Int("session_rate", p.cfg.Session.InputSampleRate),
		slog.Bool("resampling", p.resampler != nil))
	return nil
}

// Stop closes the provider session and stops the pumps. Safe to call more
// than once.
func (p *RealtimePipeline) Stop() error {
	p.shutdown.Once(func() {
		if p.session != nil {
			_ = p.session.Close()
		}
		if p.runStop != nil {
			p.runStop()
		}
		p.log.Info("realtime pipeline stopped")
	})
	return nil
}

// PushFrame forwards one captured room frame to the provider, resampling to
// the session's input rate when needed.
func (p *RealtimePipeline) PushFrame(frame *rtc.AudioFrame) error {
	if p.shutdown.IsBroken() || p.session == nil {
		return nil
	}
	if p.resampler != nil {
		resampled, err := p.resampler.ResampleFrame(frame)
		if err != nil {
			return fmt.Errorf("resample input frame: %w", err)
		}
		frame = resampled
	}
	return p.session.HandleAudioInput(frame)
}

// SendMessage injects text as a user message and requests a response.
func (p *RealtimePipeline) SendMessage(text string) error {
	if p.session == nil {
		return errors.New("realtime session not started")
	}
	return p.session.SendMessage(text)
}

// SendTextMessage injects text without requesting a response.
func (p *RealtimePipeline) SendTextMessage(text string) error {
	if p.session == nil {
		return errors.New("realtime session not started")
	}
	return p.session.SendTextMessage(text)
}

// Interrupt cancels the in-flight agent response and drops queued audio.
func (p *RealtimePipeline) Interrupt() {
	p.bargeIn()
}

// Speaking reports whether the provider is currently delivering a response.
func (p *RealtimePipeline) Speaking() bool {
	return p.agentSpeaking.Load()
}

// Collector exposes the metrics collector backing this pipeline.
func (p *RealtimePipeline) Collector() *telemetry.RealtimeCollector {
	return p.collector
}

func (p *RealtimePipeline) pumpAudio() {
	for {
		select {
		case frame, ok := <-p.session.Audio():
			if !ok {
				return
			}
			p.collector.MarkFirstAudio()
			if err := p.cfg.Sink.AddBytes(frame.Data); err != nil {
				p.log.Warn("audio sink rejected frame", "error", err)
			}
		case <-p.runCtx.Done():
			return
		}
	}
}

func (p *RealtimePipeline) pumpEvents() {
	for {
		select {
		case ev, ok := <-p.session.Events():
			if !ok {
				return
			}
			p.handleEvent(ev)
		case <-p.runCtx.Done():
			return
		}
	}
}

func (p *RealtimePipeline) handleEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventUserSpeechStart:
		if p.agentSpeaking.Load() {
			p.bargeIn()
		}
		p.collector.BeginUserSpeech(p.runCtx)

	case realtime.EventUserSpeechEnd:
		p.collector.EndUserSpeech("")

	case realtime.EventUserTranscript:
		p.collector.SetUserTranscript(ev.Text)

	case realtime.EventAgentSpeechStart:
		p.collector.BeginAgentSpeech()
		p.agentSpeaking.Store(true)

	case realtime.EventAgentTranscript:
		p.transcriptMu.Lock()
		p.transcript = append(p.transcript, ev.Text)
		p.transcriptMu.Unlock()

	case realtime.EventAgentSpeechEnd:
		p.collector.EndAgentSpeech(p.runCtx, p.takeTranscript())
		p.agentSpeaking.Store(false)

	case realtime.EventToolCall:
		go p.runToolCall(ev)

	case realtime.EventError:
		p.emitRealtimeError(ev.Err)
	}
}

// bargeIn drops queued output and tells the provider to abandon the
// response. The provider keeps listening; turn bookkeeping marks the
// interruption.
func (p *RealtimePipeline) bargeIn() {
	if p.session == nil {
		return
	}
	p.cfg.Sink.Interrupt()
	if err := p.session.Interrupt(); err != nil {
		p.log.Warn("session interrupt failed", "error", err)
	}
	p.collector.MarkInterrupted(p.runCtx)
	p.agentSpeaking.Store(false)
	p.log.Debug("realtime response interrupted")
}

// runToolCall executes a provider-requested tool off the event pump and
// sends the result back so the response can resume.
func (p *RealtimePipeline) runToolCall(ev realtime.Event) {
	started := time.Now()
	var result string
	var err error
	if p.cfg.Tools == nil {
		err = fmt.Errorf("no tools registered, cannot call %q", ev.ToolName)
	} else {
		result, err = p.cfg.Tools.Execute(p.runCtx, ev.ToolName, ev.ToolArgs)
	}

	rec := telemetry.ToolCall{
		Name:      ev.ToolName,
		Arguments: ev.ToolArgs,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
		result = err.Error()
		p.log.Warn("tool call failed", "tool", ev.ToolName, "error", err)
	}
	p.collector.RecordToolCall(rec)

	if sendErr := p.session.SendToolResponse(ev.CallID, result); sendErr != nil {
		p.emitRealtimeError(fmt.Errorf("send tool response: %w", sendErr))
	}
}

func (p *RealtimePipeline) emitRealtimeError(err error) {
	if err == nil {
		return
	}
	p.collector.RecordError(ai.SourceRealtime, err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(ai.SourceRealtime, err)
	}
}

func (p *RealtimePipeline) takeTranscript() string {
	p.transcriptMu.Lock()
	defer p.transcriptMu.Unlock()
	joined := strings.Join(p.transcript, " ")
	p.transcript = nil
	return joined
}
