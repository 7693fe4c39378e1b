package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/chriscow/voice-agents-go/pkg/ai"
)

// SessionInfo describes the session a collector records. Provider names and
// version are exported on the first turn's analytics only.
type SessionInfo struct {
	SessionID string
	AgentName string
	RoomID    string

	STTProvider string
	LLMProvider string
	TTSProvider string
	VADProvider string
	SDKVersion  string

	// Config is attached to the "Session Configuration" span.
	Config map[string]any
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithEmitter sets the analytics emitter. Default: NopEmitter.
func WithEmitter(e Emitter) CollectorOption {
	return func(c *Collector) { c.emitter = e }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// WithSpanExporter registers a hook that receives the finished session span
// tree on EndSession. Used by the OTel bridge.
func WithSpanExporter(fn func(ctx context.Context, root *Span)) CollectorOption {
	return func(c *Collector) { c.spanExporter = fn }
}

// Collector records cascading-pipeline turns. It is driven by the
// conversation flow; methods are safe for concurrent use but the flow is the
// single logical writer.
type Collector struct {
	mu sync.Mutex

	info    SessionInfo
	emitter Emitter
	logger  *slog.Logger

	spanExporter func(ctx context.Context, root *Span)

	sessionStart time.Time
	sessionEnd   time.Time

	turnSeq   int
	current   *Turn
	exported  []*Turn
	turnSpans []*Span

	// earliest user-speech-start of a discarded turn, carried onto the next.
	pendingSpeechStart time.Time

	emittedFirst bool
}

// NewCollector starts recording a session. A missing SessionID is generated.
func NewCollector(info SessionInfo, opts ...CollectorOption) *Collector {
	if info.SessionID == "" {
		info.SessionID = shortuuid.New()
	}
	c := &Collector{
		info:         info,
		emitter:      NopEmitter{},
		logger:       slog.Default(),
		sessionStart: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("session_id", info.SessionID))
	return c
}

// SessionID returns the session identifier.
func (c *Collector) SessionID() string {
	return c.info.SessionID
}

// CurrentTurn returns the in-progress turn, or nil. The returned pointer is
// owned by the collector; callers must not retain it across EndTurn.
func (c *Collector) CurrentTurn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ensureTurn opens a turn if none is active, applying any pending
// user-speech-start transplanted from a discarded turn.
func (c *Collector) ensureTurn() *Turn {
	if c.current != nil {
		return c.current
	}
	c.turnSeq++
	c.current = &Turn{Seq: c.turnSeq}
	if !c.pendingSpeechStart.IsZero() {
		c.current.UserSpeechStart = c.pendingSpeechStart
		c.pendingSpeechStart = time.Time{}
	}
	return c.current
}

// BeginUserSpeech opens a turn (if needed) and starts a user_speech timeline
// event. The earliest speech start on a turn wins.
func (c *Collector) BeginUserSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	t := c.ensureTurn()
	setIfZero(&t.UserSpeechStart, now)
	if openTimeline(t.Timeline, TimelineUserSpeech) == nil {
		t.Timeline = append(t.Timeline, TimelineEvent{Kind: TimelineUserSpeech, Start: now})
	}
}

// EndUserSpeech closes the open user_speech event and records the transcript.
func (c *Collector) EndUserSpeech(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	now := time.Now()
	c.current.UserSpeechEnd = now
	if text != "" {
		c.current.UserTranscript = text
	}
	if ev := openTimeline(c.current.Timeline, TimelineUserSpeech); ev != nil {
		ev.End = now
		ev.Text = text
	}
}

// BeginAgentSpeech starts an agent_speech timeline event.
func (c *Collector) BeginAgentSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensureTurn()
	if openTimeline(t.Timeline, TimelineAgentSpeech) == nil {
		t.Timeline = append(t.Timeline, TimelineEvent{Kind: TimelineAgentSpeech, Start: time.Now()})
	}
}

// EndAgentSpeech closes the open agent_speech event and records the response.
func (c *Collector) EndAgentSpeech(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	if text != "" {
		c.current.AgentResponse = text
	}
	if ev := openTimeline(c.current.Timeline, TimelineAgentSpeech); ev != nil {
		ev.End = time.Now()
		ev.Text = text
	}
}

// BeginSTT marks speech recognition start. First mark wins.
func (c *Collector) BeginSTT() { c.mark(func(t *Turn, now time.Time) { setIfZero(&t.STTStart, now) }) }

// EndSTT marks speech recognition end.
func (c *Collector) EndSTT() { c.mark(func(t *Turn, now time.Time) { t.STTEnd = now }) }

// BeginEOU marks end-of-utterance inference start. First mark wins.
func (c *Collector) BeginEOU() { c.mark(func(t *Turn, now time.Time) { setIfZero(&t.EOUStart, now) }) }

// EndEOU marks end-of-utterance inference end.
func (c *Collector) EndEOU() { c.mark(func(t *Turn, now time.Time) { t.EOUEnd = now }) }

// BeginLLM marks response generation start. First mark wins.
func (c *Collector) BeginLLM() { c.mark(func(t *Turn, now time.Time) { setIfZero(&t.LLMStart, now) }) }

// EndLLM marks response generation end.
func (c *Collector) EndLLM() { c.mark(func(t *Turn, now time.Time) { t.LLMEnd = now }) }

// BeginTTS marks synthesis start. First mark wins.
func (c *Collector) BeginTTS() { c.mark(func(t *Turn, now time.Time) { setIfZero(&t.TTSStart, now) }) }

// MarkTTFB stamps the first synthesized audio byte. First mark wins.
func (c *Collector) MarkTTFB() { c.mark(func(t *Turn, now time.Time) { setIfZero(&t.TTFB, now) }) }

// EndTTS marks synthesis end.
func (c *Collector) EndTTS() { c.mark(func(t *Turn, now time.Time) { t.TTSEnd = now }) }

// MarkInterrupted flags the current turn as cut short by barge-in.
func (c *Collector) MarkInterrupted() {
	c.mark(func(t *Turn, now time.Time) { t.Interrupted = true })
}

// RecordToolCall attaches a completed tool invocation to the current turn.
func (c *Collector) RecordToolCall(tc ToolCall) {
	c.mark(func(t *Turn, now time.Time) { t.ToolsCalled = append(t.ToolsCalled, tc) })
}

// RecordError attaches a provider failure to the current turn.
func (c *Collector) RecordError(source ai.Source, err error) {
	if err == nil {
		return
	}
	c.mark(func(t *Turn, now time.Time) {
		t.Errors = append(t.Errors, TurnError{Source: source, Message: err.Error(), At: now})
	})
	c.logger.Warn("provider error", slog.String("source", string(source)), slog.String("error", err.Error()))
}

func (c *Collector) mark(fn func(t *Turn, now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.ensureTurn(), time.Now())
}

func setIfZero(ts *time.Time, now time.Time) {
	if ts.IsZero() {
		*ts = now
	}
}

// EndTurn closes the current turn. Turns with substance are exported (span
// tree + analytics); empty turns are discarded and their earliest
// user-speech-start is carried onto the next turn.
func (c *Collector) EndTurn(ctx context.Context) {
	c.mu.Lock()
	t := c.current
	c.current = nil
	if t == nil {
		c.mu.Unlock()
		return
	}

	// Close any timeline event left open by an interruption.
	for i := range t.Timeline {
		if t.Timeline[i].End.IsZero() {
			t.Timeline[i].End = time.Now()
		}
	}

	if !t.HasSubstance() {
		if !t.UserSpeechStart.IsZero() &&
			(c.pendingSpeechStart.IsZero() || t.UserSpeechStart.Before(c.pendingSpeechStart)) {
			c.pendingSpeechStart = t.UserSpeechStart
		}
		c.turnSeq-- // the sequence number is reused by the next turn
		c.mu.Unlock()
		c.logger.Debug("discarding turn without engine activity", slog.Int("turn", t.Seq))
		return
	}

	c.exported = append(c.exported, t)
	c.turnSpans = append(c.turnSpans, t.spanTree())
	firstTurn := !c.emittedFirst
	c.emittedFirst = true
	payload := buildAnalytics(c.info, t, firstTurn)
	emitter := c.emitter
	c.mu.Unlock()

	if err := emitter.EmitTurn(ctx, payload); err != nil {
		c.logger.Warn("failed to emit turn analytics",
			slog.Int("turn", t.Seq), slog.String("error", err.Error()))
	}
}

// Turns returns the exported turns so far.
func (c *Collector) Turns() []*Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Turn(nil), c.exported...)
}

// SpanTree assembles the session span tree from everything recorded so far.
func (c *Collector) SpanTree() *Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildTreeLocked()
}

func (c *Collector) buildTreeLocked() *Span {
	end := c.sessionEnd
	if end.IsZero() {
		end = time.Now()
	}
	root := &Span{
		Name:  SpanAgentSession,
		Start: c.sessionStart,
		End:   end,
		Attrs: map[string]any{
			"session_id": c.info.SessionID,
			"agent_name": c.info.AgentName,
		},
	}
	root.addChild(&Span{
		Name:  SpanSessionConfig,
		Start: c.sessionStart,
		End:   c.sessionStart,
		Attrs: c.info.Config,
	})
	root.addChild(&Span{
		Name:  SpanSessionStart,
		Start: c.sessionStart,
		End:   c.sessionStart,
	})

	turns := &Span{Name: SpanTurns, Start: c.sessionStart, End: end}
	for _, ts := range c.turnSpans {
		turns.addChild(ts)
	}
	if len(turns.Children) > 0 {
		turns.Start = turns.Children[0].Start
		last := turns.Children[len(turns.Children)-1]
		if !last.End.IsZero() {
			turns.End = last.End
		}
	}
	root.addChild(turns)
	return root
}

// EndSession closes any open turn, stamps the session end, and hands the
// span tree to the exporter hook.
func (c *Collector) EndSession(ctx context.Context) {
	c.EndTurn(ctx)

	c.mu.Lock()
	if c.sessionEnd.IsZero() {
		c.sessionEnd = time.Now()
	}
	exporter := c.spanExporter
	root := c.buildTreeLocked()
	turnCount := len(c.exported)
	c.mu.Unlock()

	if exporter != nil {
		exporter(ctx, root)
	}
	c.logger.Info("session telemetry closed", slog.Int("turns", turnCount))
}
