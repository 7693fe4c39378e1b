// Package pipeline coordinates the engines of a voice agent. The cascading
// pipeline chains STT, end-of-utterance detection, an LLM and TTS behind a
// turn-taking state machine with barge-in; the realtime pipeline plays the
// same role against a single speech-to-speech provider session. Both report
// timings through pkg/telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/audio"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/ai/tts"
	"github.com/chriscow/voice-agents-go/pkg/ai/vad"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
	"github.com/chriscow/voice-agents-go/pkg/telemetry"
	"github.com/chriscow/voice-agents-go/pkg/turn"
)

const (
	// DefaultWaitTimeout is how long the flow waits for more speech after a
	// final the detector scored as unfinished.
	DefaultWaitTimeout = 800 * time.Millisecond

	// DefaultChunkBuffer is the capacity of the LLM-to-TTS text channel.
	DefaultChunkBuffer = 50

	// bargeInGrace bounds how long barge-in waits for the response task to
	// unwind before settling the turn anyway.
	bargeInGrace = 500 * time.Millisecond

	ingressBuffer = 256
)

// AudioSink receives synthesized agent audio, typically the room's egress
// track. Interrupt drops whatever is queued but not yet played.
type AudioSink interface {
	AddBytes(pcm []byte) error
	Interrupt()
}

// PlayoutWaiter is an optional AudioSink upgrade for sinks that can report
// when queued audio has actually finished playing.
type PlayoutWaiter interface {
	WaitForPlayout(ctx context.Context) error
}

// BackgroundAudio is anything playing filler audio that must stop the moment
// the user starts talking over the agent.
type BackgroundAudio interface {
	Stop()
}

// ToolSource exposes the agent's callable tools to the response loop.
type ToolSource interface {
	Definitions() []llm.FunctionDefinition
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// Config wires the engines and knobs of a cascading pipeline. STT, LLM, TTS
// and Sink are required; everything else is optional.
type Config struct {
	STT stt.STT
	LLM llm.LLM
	TTS tts.TTS

	// VAD drives speech-start/speech-end events (and with them barge-in).
	VAD vad.VAD
	// EOU scores whether the user finished talking. Without one every STT
	// final finalizes a turn immediately.
	EOU turn.Detector
	// Denoiser cleans captured audio before recognition.
	Denoiser audio.Processor

	Sink       AudioSink
	Tools      ToolSource
	Background BackgroundAudio

	// Collector receives turn timings. A private collector with no emitter
	// is created when unset.
	Collector *telemetry.Collector
	// Chat is the conversation history, usually shared with the agent.
	Chat   *llm.ChatContext
	Logger *slog.Logger

	Language string
	Voice    string
	// EOUThreshold overrides the detector's tuned threshold when positive.
	EOUThreshold float64
	// SampleRate of ingress audio handed to STT. Defaults to 48 kHz.
	SampleRate int

	WaitTimeout time.Duration
	ChunkBuffer int
	// MinWords feeds the segmenter's word budget (twice this many words).
	MinWords int

	// OnTurnStart fires when a user turn finalizes, before the response.
	OnTurnStart func(text string)
	// OnError surfaces provider failures; they are also attached to the turn.
	OnError func(source ai.Source, err error)
}

// Pipeline is the cascading voice pipeline: room audio in, recognized turns
// through the LLM, synthesized speech out.
type Pipeline struct {
	cfg       Config
	log       *slog.Logger
	gate      *Gate
	collector *telemetry.Collector
	flow      *flow

	sttMu     sync.Mutex
	stt       stt.STT
	sttStream stt.STTStream

	llmMu sync.Mutex
	llm   llm.LLM

	ttsMu sync.Mutex
	tts   tts.TTS

	chatMu sync.Mutex
	chat   *llm.ChatContext

	ingress   chan rtc.AudioFrame
	vadFrames chan rtc.AudioFrame
	dropped   atomic.Int64

	agentSpeaking atomic.Bool
	interrupted   atomic.Bool

	runCtx   context.Context
	runStop  context.CancelFunc
	shutdown core.Fuse
}

// New validates cfg and builds a stopped pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, errors.New("pipeline requires STT, LLM and TTS engines")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline requires an audio sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collector == nil {
		cfg.Collector = telemetry.NewCollector(telemetry.SessionInfo{})
	}
	if cfg.Chat == nil {
		cfg.Chat = llm.NewChatContext()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = DefaultChunkBuffer
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = rtc.SampleRate48k
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       cfg.Logger.With(slog.String("component", "pipeline")),
		gate:      NewGate(),
		collector: cfg.Collector,
		stt:       cfg.STT,
		llm:       cfg.LLM,
		tts:       cfg.TTS,
		chat:      cfg.Chat,
		ingress:   make(chan rtc.AudioFrame, ingressBuffer),
	}
	p.flow = newFlow(p)
	return p, nil
}

// Start opens the STT stream, starts voice activity detection and begins
// draining ingress audio. ctx bounds the pipeline's lifetime.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.runCtx != nil {
		return errors.New("pipeline already started")
	}
	p.runCtx, p.runStop = context.WithCancel(ctx)

	if err := p.openSTTStream(); err != nil {
		return fmt.Errorf("open stt stream: %w", err)
	}

	if p.cfg.VAD != nil {
		p.vadFrames = make(chan rtc.AudioFrame, ingressBuffer)
		events, err := p.cfg.VAD.Detect(p.runCtx, p.vadFrames)
		if err != nil {
			return fmt.Errorf("start vad: %w", err)
		}
		go p.consumeVAD(events)
	}

	go p.dispatchIngress()

	p.log.Info("pipeline started",
		slog.Bool("vad", p.cfg.VAD != nil),
		slog.Bool("eou", p.cfg.EOU != nil),
		slog.Bool("denoise", p.cfg.Denoiser != nil))
	return nil
}

// Stop tears the pipeline down: the live response is cut short, ingress
// stops and the STT stream is flushed closed. Safe to call more than once.
func (p *Pipeline) Stop() error {
	p.shutdown.Once(func() {
		p.flow.interrupt()
		if p.runStop != nil {
			p.runStop()
		}
		p.sttMu.Lock()
		if p.sttStream != nil {
			_ = p.sttStream.CloseSend()
			p.sttStream = nil
		}
		p.sttMu.Unlock()
		p.log.Info("pipeline stopped", slog.Int64("dropped_frames", p.dropped.Load()))
	})
	return nil
}

// PushFrame hands one captured room frame to the pipeline. It never blocks:
// when processing falls behind, frames are dropped rather than backing up
// the media transport.
func (p *Pipeline) PushFrame(frame rtc.AudioFrame) {
	if p.shutdown.IsBroken() {
		return
	}
	select {
	case p.ingress <- frame:
	default:
		if n := p.dropped.Add(1); n%250 == 1 {
			p.log.Debug("ingress saturated, dropping frames", slog.Int64("dropped", n))
		}
	}
}

// Reply generates a response from instruction text instead of microphone
// input. With waitForPlayback the microphone gate closes for the duration
// and Reply returns only after the reply has been spoken.
func (p *Pipeline) Reply(ctx context.Context, instructions string, waitForPlayback bool) error {
	if waitForPlayback {
		p.gate.Close()
		defer p.gate.Open()
	}

	st := p.flow.reply(instructions)
	if st == nil || !waitForPlayback {
		return nil
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w, ok := p.cfg.Sink.(PlayoutWaiter); ok {
		return w.WaitForPlayout(ctx)
	}
	return nil
}

// Interrupt cancels the in-flight response exactly as a user barge-in would.
func (p *Pipeline) Interrupt() {
	p.flow.interrupt()
}

// Replying reports whether a response generation is currently running.
func (p *Pipeline) Replying() bool {
	return p.flow.replying()
}

// Speaking reports whether synthesized audio is being delivered right now.
func (p *Pipeline) Speaking() bool {
	return p.agentSpeaking.Load()
}

// Collector exposes the metrics collector backing this pipeline.
func (p *Pipeline) Collector() *telemetry.Collector {
	return p.collector
}

// ChangeSTT swaps the recognition engine at runtime. The outgoing stream is
// flushed closed, the engine closed, and transcript consumption re-registers
// on a fresh stream.
func (p *Pipeline) ChangeSTT(next stt.STT) error {
	if next == nil {
		return errors.New("nil stt engine")
	}
	p.sttMu.Lock()
	defer p.sttMu.Unlock()
	if p.sttStream != nil {
		_ = p.sttStream.CloseSend()
		p.sttStream = nil
	}
	closeEngine(p.stt)
	p.stt = next
	if err := p.openSTTStreamLocked(); err != nil {
		return fmt.Errorf("open stream on new stt engine: %w", err)
	}
	p.log.Info("stt engine swapped")
	return nil
}

// ChangeLLM swaps the language model at runtime, cancelling whatever the
// outgoing engine had in flight.
func (p *Pipeline) ChangeLLM(next llm.LLM) error {
	if next == nil {
		return errors.New("nil llm engine")
	}
	p.llmMu.Lock()
	defer p.llmMu.Unlock()
	p.llm.CancelCurrent()
	closeEngine(p.llm)
	p.llm = next
	p.log.Info("llm engine swapped")
	return nil
}

// ChangeTTS swaps the synthesis engine at runtime. Queued audio from the
// outgoing engine is dropped; new synthesis lands on the same sink.
func (p *Pipeline) ChangeTTS(next tts.TTS) error {
	if next == nil {
		return errors.New("nil tts engine")
	}
	p.ttsMu.Lock()
	defer p.ttsMu.Unlock()
	p.tts.Interrupt()
	closeEngine(p.tts)
	p.tts = next
	p.log.Info("tts engine swapped")
	return nil
}

func closeEngine(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

func (p *Pipeline) openSTTStream() error {
	p.sttMu.Lock()
	defer p.sttMu.Unlock()
	return p.openSTTStreamLocked()
}

func (p *Pipeline) openSTTStreamLocked() error {
	stream, err := p.stt.NewStream(p.runCtx, stt.StreamConfig{
		SampleRate:  p.cfg.SampleRate,
		NumChannels: 1,
		Lang:        p.cfg.Language,
	})
	if err != nil {
		return err
	}
	p.sttStream = stream
	go p.consumeSTT(stream)
	return nil
}

// dispatchIngress moves frames from the room's receive path onto the
// provider engines, off the media goroutine.
func (p *Pipeline) dispatchIngress() {
	for {
		select {
		case frame := <-p.ingress:
			p.processFrame(frame)
		case <-p.runCtx.Done():
			return
		}
	}
}

func (p *Pipeline) processFrame(frame rtc.AudioFrame) {
	if p.gate.Closed() {
		return
	}

	if d := p.cfg.Denoiser; d != nil {
		if err := d.ProcessCapture(&frame); err != nil {
			p.log.Debug("denoise failed", "error", err)
		}
	}

	p.sttMu.Lock()
	stream := p.sttStream
	p.sttMu.Unlock()
	if stream != nil {
		if err := stream.Push(frame); err != nil {
			p.emitError(ai.SourceSTT, err)
		}
	}

	if p.vadFrames != nil {
		select {
		case p.vadFrames <- frame:
		default:
		}
	}
}

func (p *Pipeline) consumeSTT(stream stt.STTStream) {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case stt.SpeechEventFinal:
				p.flow.handleFinal(p.runCtx, ev.Text)
			case stt.SpeechEventInterim:
				p.log.Debug("interim transcript", "text", ev.Text)
			case stt.SpeechEventError:
				p.emitError(ai.SourceSTT, ev.Error)
			}
		case <-p.runCtx.Done():
			return
		}
	}
}

func (p *Pipeline) consumeVAD(events <-chan vad.VADEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case vad.VADEventSpeechStart:
				p.flow.handleSpeechStart()
			case vad.VADEventSpeechEnd:
				p.flow.handleSpeechEnd()
			case vad.VADEventError:
				p.emitError(ai.SourceVAD, ev.Error)
			}
		case <-p.runCtx.Done():
			return
		}
	}
}

// respond runs one response generation: LLM stream into a bounded text
// channel, segmenter, TTS, sink. Normal completion settles the turn through
// the flow; barge-in settles it from the interrupting side instead.
func (p *Pipeline) respond(ctx context.Context, st *respState) {
	defer st.cancel()

	p.interrupted.Store(false)

	textCh := make(chan string, p.cfg.ChunkBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.collectLLM(gctx, st, textCh) })
	g.Go(func() error { return p.speak(gctx, st, textCh) })

	err := g.Wait()
	close(st.done)

	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("response generation ended early", "error", err)
	}
	p.flow.responseDone(st)
}

// collectLLM consumes the model stream, feeding text to the TTS side and
// looping through tool calls until the model finishes on its own.
func (p *Pipeline) collectLLM(ctx context.Context, st *respState, textCh chan<- string) error {
	defer close(textCh)

	for {
		stream, err := p.openStream(ctx)
		if err != nil {
			p.emitError(ai.SourceLLM, err)
			return err
		}
		fc, err := p.drainStream(ctx, stream, st, textCh)
		p.collector.EndLLM()
		if err != nil {
			return err
		}
		if fc == nil {
			return nil
		}
		if err := p.runTool(ctx, *fc); err != nil {
			return err
		}
	}
}

func (p *Pipeline) openStream(ctx context.Context) (llm.ChatStream, error) {
	p.chatMu.Lock()
	chatCopy := p.chat.Clone()
	p.chatMu.Unlock()

	req := llm.ChatRequest{Context: chatCopy}
	if p.cfg.Tools != nil {
		req.Functions = p.cfg.Tools.Definitions()
	}

	p.collector.BeginLLM()
	p.llmMu.Lock()
	defer p.llmMu.Unlock()
	return p.llm.ChatStream(ctx, req)
}

// drainStream reads chunks until the stream ends or a function call arrives.
// Text deltas go to both the full-response accumulator and the TTS channel;
// the bounded channel provides backpressure against the model.
func (p *Pipeline) drainStream(ctx context.Context, stream llm.ChatStream, st *respState, textCh chan<- string) (*llm.FunctionCall, error) {
	defer stream.Close()

	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				return nil, nil
			}
			if chunk.Err != nil {
				p.emitError(ai.SourceLLM, chunk.Err)
				return nil, chunk.Err
			}
			if chunk.FunctionCall != nil {
				return chunk.FunctionCall, nil
			}
			if chunk.Delta != "" {
				st.append(chunk.Delta)
				select {
				case textCh <- chunk.Delta:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runTool records the call, executes it and appends both sides to the chat
// context. Tool failures become is_error outputs; the loop continues.
func (p *Pipeline) runTool(ctx context.Context, fc llm.FunctionCall) error {
	p.chatMu.Lock()
	p.chat.AppendFunctionCall(fc)
	p.chatMu.Unlock()

	started := time.Now()
	var out string
	var err error
	if p.cfg.Tools == nil {
		err = fmt.Errorf("no tools registered, cannot call %q", fc.Name)
	} else {
		out, err = p.cfg.Tools.Execute(ctx, fc.Name, fc.Arguments)
	}

	rec := telemetry.ToolCall{
		Name:      fc.Name,
		Arguments: fc.Arguments,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	output := llm.FunctionCallOutput{Name: fc.Name, CallID: fc.CallID, Output: out}
	if err != nil {
		rec.Error = err.Error()
		output.Output = err.Error()
		output.IsError = true
		p.log.Warn("tool call failed", "tool", fc.Name, "error", err)
	}
	p.collector.RecordToolCall(rec)

	p.chatMu.Lock()
	appendErr := p.chat.AppendFunctionCallOutput(output)
	p.chatMu.Unlock()
	if appendErr != nil {
		p.log.Warn("tool output dropped", "tool", fc.Name, "error", appendErr)
	}
	return ctx.Err()
}

// speak waits for the first token, then streams segmented text through TTS
// and delivers audio to the sink. Responses that produce no text never open
// a synthesis.
func (p *Pipeline) speak(ctx context.Context, st *respState, textCh <-chan string) error {
	var first string
	select {
	case chunk, ok := <-textCh:
		if !ok {
			return nil
		}
		first = chunk
	case <-ctx.Done():
		return ctx.Err()
	}

	p.ttsMu.Lock()
	engine := p.tts
	engine.ResetFirstAudioTracking()
	engine.OnFirstAudioByte(func() { p.collector.MarkTTFB() })
	p.collector.BeginTTS()
	segCh := make(chan string, 8)
	frames, err := engine.SynthesizeStream(ctx, segCh, tts.SynthesizeRequest{
		Voice:    p.cfg.Voice,
		Language: p.cfg.Language,
	})
	p.ttsMu.Unlock()
	if err != nil {
		p.emitError(ai.SourceTTS, err)
		return err
	}

	go p.pumpSegments(ctx, first, textCh, segCh)

	began := false
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				p.collector.EndTTS()
				if began {
					p.agentSpeaking.Store(false)
					if !p.interrupted.Load() {
						p.collector.EndAgentSpeech(st.String())
					}
				}
				return nil
			}
			if !began {
				began = true
				if p.cfg.Background != nil {
					p.cfg.Background.Stop()
				}
				p.collector.BeginAgentSpeech()
				p.agentSpeaking.Store(true)
			}
			if err := p.cfg.Sink.AddBytes(frame.Data); err != nil {
				p.log.Warn("audio sink rejected frame", "error", err)
			}
		case <-ctx.Done():
			p.collector.EndTTS()
			if began {
				p.agentSpeaking.Store(false)
			}
			return ctx.Err()
		}
	}
}

// pumpSegments feeds the segmenter from the text channel and forwards
// completed chunks to the synthesis stream.
func (p *Pipeline) pumpSegments(ctx context.Context, first string, textCh <-chan string, segCh chan<- string) {
	defer close(segCh)

	seg := NewSegmenter(0, p.cfg.MinWords)
	emit := func(s string) bool {
		select {
		case segCh <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, c := range seg.Push(first) {
		if !emit(c) {
			return
		}
	}
	for {
		select {
		case chunk, ok := <-textCh:
			if !ok {
				if tail := seg.Flush(); tail != "" {
					emit(tail)
				}
				return
			}
			for _, c := range seg.Push(chunk) {
				if !emit(c) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) appendUser(text string) {
	p.chatMu.Lock()
	p.chat.AppendMessage(llm.RoleUser, text)
	p.chatMu.Unlock()
}

func (p *Pipeline) appendAssistant(text string) {
	p.chatMu.Lock()
	p.chat.AppendMessage(llm.RoleAssistant, text)
	p.chatMu.Unlock()
}

// eouContext builds the detector input: the conversation so far plus the
// accumulated transcript as a provisional user message.
func (p *Pipeline) eouContext(accumulated string) turn.ChatContext {
	p.chatMu.Lock()
	msgs := p.chat.Messages()
	p.chatMu.Unlock()
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: accumulated})
	return turn.ChatContext{Messages: msgs, Language: p.cfg.Language}
}

// emitError attaches a provider failure to the current turn and forwards it
// to the configured handler. Provider errors never tear the pipeline down.
func (p *Pipeline) emitError(source ai.Source, err error) {
	if err == nil {
		return
	}
	p.collector.RecordError(source, err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(source, err)
	}
}
