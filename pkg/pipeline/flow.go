package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/turn"
)

type flowState int

const (
	stateIdle flowState = iota
	stateWaiting
	stateResponding
)

func (s flowState) String() string {
	switch s {
	case stateWaiting:
		return "waiting"
	case stateResponding:
		return "responding"
	default:
		return "idle"
	}
}

// flow is the user-speech state machine. mu doubles as the transcript
// processing lock: finals, VAD events, finalization, barge-in and response
// settlement all serialize through it, so turns cannot finalize out of order.
type flow struct {
	p *Pipeline

	mu          sync.Mutex
	state       flowState
	accumulated []string

	waitGen   int
	waitTimer *time.Timer

	respGen    int
	respActive *respState
}

func newFlow(p *Pipeline) *flow {
	return &flow{p: p}
}

// respState is the handle for one response generation task.
type respState struct {
	gen    int
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	text strings.Builder
}

func (st *respState) append(s string) {
	st.mu.Lock()
	st.text.WriteString(s)
	st.mu.Unlock()
}

func (st *respState) String() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text.String()
}

// handleSpeechStart reacts to a VAD speech-start. While a response is active
// it runs the barge-in sequence first; while the wait timer is armed it
// cancels the timer and keeps accumulating.
func (f *flow) handleSpeechStart() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.respActive != nil || f.p.agentSpeaking.Load() {
		f.bargeInLocked()
	}

	f.p.collector.BeginUserSpeech()
	f.p.collector.BeginSTT()

	if f.state == stateWaiting {
		f.cancelWaitLocked()
	}
}

// handleSpeechEnd closes the open user-speech window. The transcript text
// lands later, with the STT final.
func (f *flow) handleSpeechEnd() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p.collector.EndUserSpeech("")
}

// handleFinal appends an STT final to the accumulated transcript and decides
// whether the user is done talking. Without a detector every final
// finalizes immediately.
func (f *flow) handleFinal(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.p
	p.collector.BeginSTT()
	p.collector.EndSTT()

	f.accumulated = append(f.accumulated, text)
	joined := strings.Join(f.accumulated, " ")

	det := p.cfg.EOU
	if det == nil {
		f.finalizeLocked(joined)
		return
	}

	p.collector.BeginEOU()
	done, err := turn.DetectEndOfUtterance(ctx, det, p.eouContext(joined), p.cfg.EOUThreshold)
	p.collector.EndEOU()
	if err != nil {
		p.emitError(ai.SourceTurnDetector, err)
		f.armWaitLocked()
		return
	}
	if done {
		f.finalizeLocked(joined)
		return
	}
	f.armWaitLocked()
}

// armWaitLocked starts (or restarts) the silence timer that finalizes the
// turn when the user does not continue.
func (f *flow) armWaitLocked() {
	f.state = stateWaiting
	f.waitGen++
	gen := f.waitGen
	if f.waitTimer != nil {
		f.waitTimer.Stop()
	}
	f.waitTimer = time.AfterFunc(f.p.cfg.WaitTimeout, func() { f.waitExpired(gen) })
}

func (f *flow) cancelWaitLocked() {
	f.waitGen++
	if f.waitTimer != nil {
		f.waitTimer.Stop()
		f.waitTimer = nil
	}
}

func (f *flow) waitExpired(gen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.waitGen || f.state != stateWaiting {
		return
	}
	f.finalizeLocked(strings.Join(f.accumulated, " "))
}

// finalizeLocked commits the accumulated transcript as the user's turn and
// kicks off response generation. Ingress never blocks on the response.
func (f *flow) finalizeLocked(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	f.cancelWaitLocked()
	f.accumulated = nil

	p := f.p
	p.collector.EndUserSpeech(text)
	p.appendUser(text)
	if p.cfg.OnTurnStart != nil {
		p.cfg.OnTurnStart(text)
	}
	p.log.Debug("transcript finalized", "text", text)

	f.state = stateResponding
	f.spawnLocked()
}

// reply drives a programmatic response from instruction text. It returns the
// response handle, or nil when a response is already running, in which case
// the instructions stay in the context and ride along with the next turn.
func (f *flow) reply(text string) *respState {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.p
	p.appendUser(text)
	p.collector.EndUserSpeech(text)
	if p.cfg.OnTurnStart != nil {
		p.cfg.OnTurnStart(text)
	}
	if f.respActive != nil {
		p.log.Debug("reply requested while responding, instructions queued")
		return nil
	}
	f.state = stateResponding
	return f.spawnLocked()
}

// spawnLocked launches the response task. At most one runs at a time; a
// spawn while one is active is a no-op.
func (f *flow) spawnLocked() *respState {
	if f.respActive != nil {
		return nil
	}
	p := f.p
	ctx, cancel := context.WithCancel(p.runCtx)
	f.respGen++
	st := &respState{gen: f.respGen, cancel: cancel, done: make(chan struct{})}
	f.respActive = st
	go p.respond(ctx, st)
	return st
}

// responseDone settles a response that ran to completion: the assistant text
// goes on the chat context and the turn is exported. Generations already
// settled by barge-in are ignored.
func (f *flow) responseDone(st *respState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.gen != f.respGen || f.respActive != st {
		return
	}
	f.respActive = nil
	if f.state == stateResponding {
		f.state = stateIdle
	}

	p := f.p
	if full := st.String(); full != "" {
		p.appendAssistant(full)
	}
	p.collector.EndTurn(p.runCtx)
}

// bargeInLocked runs the interruption sequence: silence background audio,
// flag the turn, drop synthesis and generation, then give the response task
// a short grace period to unwind before the turn is settled with only the
// partial response.
func (f *flow) bargeInLocked() {
	p := f.p

	if bg := p.cfg.Background; bg != nil {
		bg.Stop()
	}
	p.interrupted.Store(true)
	f.cancelWaitLocked()

	p.ttsMu.Lock()
	p.tts.Interrupt()
	p.ttsMu.Unlock()
	p.cfg.Sink.Interrupt()

	p.llmMu.Lock()
	p.llm.CancelCurrent()
	p.llmMu.Unlock()

	st := f.respActive
	f.respActive = nil
	f.respGen++

	if st != nil {
		st.cancel()
		select {
		case <-st.done:
		case <-time.After(bargeInGrace):
			p.log.Warn("response task did not unwind within grace period")
		}
		if partial := st.String(); partial != "" {
			p.collector.EndAgentSpeech(partial)
		}
	}
	p.collector.MarkInterrupted()
	p.collector.EndTurn(p.runCtx)
	p.agentSpeaking.Store(false)
	f.state = stateIdle
	p.log.Debug("response interrupted by user speech")
}

// interrupt is the programmatic barge-in entry point.
func (f *flow) interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respActive == nil && !f.p.agentSpeaking.Load() {
		return
	}
	f.bargeInLocked()
}

// replying reports whether a response task is currently active.
func (f *flow) replying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.respActive != nil
}
