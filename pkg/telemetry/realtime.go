package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/chriscow/voice-agents-go/pkg/ai"
)

// DefaultFinalizeWindow is how long an agent-speech-end stays provisional
// before the realtime turn is emitted. More agent speech within the window
// extends the same turn.
const DefaultFinalizeWindow = time.Second

// RealtimeTurn captures one exchange on the realtime pipeline. There are no
// separate engine phases; latencies derive from speech boundaries.
type RealtimeTurn struct {
	Seq int

	UserSpeechStart  time.Time
	UserSpeechEnd    time.Time
	AgentSpeechStart time.Time
	AgentSpeechEnd   time.Time

	// FirstAudio is the instant the first output audio frame arrived.
	FirstAudio time.Time

	Interrupted bool
	ToolsCalled []ToolCall
	Timeline    []TimelineEvent
	Errors      []TurnError

	UserTranscript string
	AgentResponse  string
}

// TTFBMS is the delay from end of user speech to first output audio.
func (t *RealtimeTurn) TTFBMS() (float64, bool) { return latency(t.UserSpeechEnd, t.FirstAudio) }

// ThinkingDelayMS is the gap between user speech ending and agent speech starting.
func (t *RealtimeTurn) ThinkingDelayMS() (float64, bool) {
	return latency(t.UserSpeechEnd, t.AgentSpeechStart)
}

// E2ELatencyMS is the distance from user speech start to agent speech start.
func (t *RealtimeTurn) E2ELatencyMS() (float64, bool) {
	return latency(t.UserSpeechStart, t.AgentSpeechStart)
}

// AgentSpeechDurationMS is how long the agent spoke.
func (t *RealtimeTurn) AgentSpeechDurationMS() (float64, bool) {
	return latency(t.AgentSpeechStart, t.AgentSpeechEnd)
}

// UserSpeechDurationMS is how long the user spoke.
func (t *RealtimeTurn) UserSpeechDurationMS() (float64, bool) {
	return latency(t.UserSpeechStart, t.UserSpeechEnd)
}

// HasSubstance reports whether the agent actually responded. Turns where no
// agent speech ever started are discarded, mirroring the cascading rule.
func (t *RealtimeTurn) HasSubstance() bool {
	return !t.AgentSpeechStart.IsZero()
}

func (t *RealtimeTurn) spanTree() *Span {
	start, end := t.window()
	turnSpan := &Span{
		Name:  turnSpanName(t.Seq),
		Start: start,
		End:   end,
		Attrs: map[string]any{"interrupted": t.Interrupted},
	}
	for _, ev := range t.Timeline {
		name := SpanUserSpeech
		if ev.Kind == TimelineAgentSpeech {
			name = SpanAgentSpeech
		}
		turnSpan.addChild(&Span{Name: name, Start: ev.Start, End: ev.End, Attrs: map[string]any{"text": ev.Text}})
	}
	if !t.FirstAudio.IsZero() && !t.UserSpeechEnd.IsZero() {
		turnSpan.addChild(&Span{Name: SpanTTFB, Start: t.UserSpeechEnd, End: t.FirstAudio})
	}
	for _, tc := range t.ToolsCalled {
		attrs := map[string]any{"arguments": tc.Arguments}
		if tc.Error != "" {
			attrs["error"] = tc.Error
		}
		turnSpan.addChild(&Span{Name: "Tool: " + tc.Name, Start: tc.StartedAt, End: tc.EndedAt, Attrs: attrs})
	}
	return turnSpan
}

func (t *RealtimeTurn) window() (time.Time, time.Time) {
	var start, end time.Time
	consider := func(ts time.Time) {
		if ts.IsZero() {
			return
		}
		if start.IsZero() || ts.Before(start) {
			start = ts
		}
		if end.IsZero() || ts.After(end) {
			end = ts
		}
	}
	for _, ts := range []time.Time{
		t.UserSpeechStart, t.UserSpeechEnd,
		t.AgentSpeechStart, t.AgentSpeechEnd, t.FirstAudio,
	} {
		consider(ts)
	}
	for _, ev := range t.Timeline {
		consider(ev.Start)
		consider(ev.End)
	}
	return start, end
}

// RealtimeCollector records realtime-pipeline turns. Agent-speech-end is
// provisional: the turn is emitted only after the finalize window elapses
// with no further agent speech.
type RealtimeCollector struct {
	mu sync.Mutex

	info    SessionInfo
	emitter Emitter
	logger  *slog.Logger

	spanExporter   func(ctx context.Context, root *Span)
	finalizeWindow time.Duration

	sessionStart time.Time
	sessionEnd   time.Time

	turnSeq   int
	current   *RealtimeTurn
	exported  []*RealtimeTurn
	turnSpans []*Span

	pendingSpeechStart time.Time
	emittedFirst       bool

	finalizeTimer *time.Timer
	finalizeGen   int
}

// RealtimeCollectorOption configures a RealtimeCollector.
type RealtimeCollectorOption func(*RealtimeCollector)

/// WithRealtimeEmitter sets the analytics emitter. Default: NopEmitter.
func WithRealtimeEmitter(e Emitter) RealtimeCollectorOption {
	return func(c *RealtimeCollector) { c.emitter = e }
}

// WithRealtimeLogger sets the logger.
func WithRealtimeLogger(l *slog.Logger) RealtimeCollectorOption {
	return func(c *RealtimeCollector) { c.logger = l }
}

// WithFinalizeWindow overrides the debounce window for agent-speech-end.
func WithFinalizeWindow(d time.Duration) RealtimeCollectorOption {
	return func(c *RealtimeCollector) { c.finalizeWindow = d }
}

// WithRealtimeSpanExporter registers the span tree hook called on EndSession.
func WithRealtimeSpanExporter(fn func(ctx context.Context, root *Span)) RealtimeCollectorOption {
	return func(c *RealtimeCollector) { c.spanExporter = fn }
}

// NewRealtimeCollector starts recording a realtime session.
func NewRealtimeCollector(info SessionInfo, opts ...RealtimeCollectorOption) *RealtimeCollector {
	if info.SessionID == "" {
		info.SessionID = shortuuid.New()
	}
	c := &RealtimeCollector{
		info:           info,
		emitter:        NopEmitter{},
		logger:         slog.Default(),
		finalizeWindow: DefaultFinalizeWindow,
		sessionStart:   time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("session_id", info.SessionID))
	return c
}

// SessionID returns the session identifier.
func (c *RealtimeCollector) SessionID() string { return c.info.SessionID }

func (c *RealtimeCollector) ensureTurn() *RealtimeTurn {
	if c.current != nil {
		return c.current
	}
	c.turnSeq++
	c.current = &RealtimeTurn{Seq: c.turnSeq}
	if !c.pendingSpeechStart.IsZero() {
		c.current.UserSpeechStart = c.pendingSpeechStart
		c.pendingSpeechStart = time.Time{}
	}
	return c.current
}

// BeginUserSpeech opens a turn if none is active. If the previous turn's
// agent speech already ended, the pending finalize fires immediately so the
// new speech lands on a fresh turn.
func (c *RealtimeCollector) BeginUserSpeech(ctx context.Context) {
	c.mu.Lock()
	if c.current != nil && !c.current.AgentSpeechEnd.IsZero() {
		c.stopFinalizeTimerLocked()
		c.finalizeLocked(ctx)
	}
	now := time.Now()
	t := c.ensureTurn()
	setIfZero(&t.UserSpeechStart, now)
	if openTimeline(t.Timeline, TimelineUserSpeech) == nil {
		t.Timeline = append(t.Timeline, TimelineEvent{Kind: TimelineUserSpeech, Start: now})
	}
	c.mu.Unlock()
}

// EndUserSpeech closes the open user_speech event.
func (c *RealtimeCollector) EndUserSpeech(text string) {
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

// SetUserTranscript records the finalized transcript without touching the
// timeline; realtime providers deliver transcripts after speech boundaries.
func (c *RealtimeCollector) SetUserTranscript(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && text != "" {
		c.current.UserTranscript = text
	}
}

// BeginAgentSpeech marks agent speech start and cancels a pending finalize,
// extending the current turn.
func (c *RealtimeCollector) BeginAgentSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopFinalizeTimerLocked()
	now := time.Now()
	t := c.ensureTurn()
	setIfZero(&t.AgentSpeechStart, now)
	t.AgentSpeechEnd = time.Time{} // speech resumed, end is no longer known
	if openTimeline(t.Timeline, TimelineAgentSpeech) == nil {
		t.Timeline = append(t.Timeline, TimelineEvent{Kind: TimelineAgentSpeech, Start: now})
	}
}

// MarkFirstAudio stamps the first output audio frame. First mark wins.
func (c *RealtimeCollector) MarkFirstAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	setIfZero(&c.current.FirstAudio, time.Now())
}

// EndAgentSpeech provisionally ends agent speech and schedules finalization
// after the debounce window.
func (c *RealtimeCollector) EndAgentSpeech(ctx context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	now := time.Now()
	c.current.AgentSpeechEnd = now
	if text != "" {
		if c.current.AgentResponse != "" {
			c.current.AgentResponse += " "
		}
		c.current.AgentResponse += text
	}
	if ev := openTimeline(c.current.Timeline, TimelineAgentSpeech); ev != nil {
		ev.End = now
		ev.Text = text
	}
	c.scheduleFinalizeLocked(ctx)
}

// RecordToolCall attaches a completed tool invocation to the current turn.
func (c *RealtimeCollector) RecordToolCall(tc ToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensureTurn()
	t.ToolsCalled = append(t.ToolsCalled, tc)
}

// RecordError attaches a provider failure to the current turn.
func (c *RealtimeCollector) RecordError(source ai.Source, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	t := c.ensureTurn()
	t.Errors = append(t.Errors, TurnError{Source: source, Message: err.Error(), At: time.Now()})
	c.mu.Unlock()
	c.logger.Warn("provider error", slog.String("source", string(source)), slog.String("error", err.Error()))
}

// MarkInterrupted flags the current turn and finalizes it immediately:
// barge-in means the provisional speech end is the real one.
func (c *RealtimeCollector) MarkInterrupted(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.current.Interrupted = true
	now := time.Now()
	setIfZero(&c.current.AgentSpeechEnd, now)
	for i := range c.current.Timeline {
		if c.current.Timeline[i].End.IsZero() {
			c.current.Timeline[i].End = now
		}
	}
	c.stopFinalizeTimerLocked()
	c.finalizeLocked(ctx)
}

func (c *RealtimeCollector) scheduleFinalizeLocked(ctx context.Context) {
	c.stopFinalizeTimerLocked()
	c.finalizeGen++
	gen := c.finalizeGen
	c.finalizeTimer = time.AfterFunc(c.finalizeWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.finalizeGen || c.current == nil {
			return
		}
		c.finalizeLocked(ctx)
	})
}

func (c *RealtimeCollector) stopFinalizeTimerLocked() {
	c.finalizeGen++
	if c.finalizeTimer != nil {
		c.finalizeTimer.Stop()
		c.finalizeTimer = nil
	}
}

// finalizeLocked exports or discards the current turn. Callers hold c.mu.
func (c *RealtimeCollector) finalizeLocked(ctx context.Context) {
	t := c.current
	c.current = nil
	if t == nil {
		return
	}

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
		c.turnSeq--
		c.logger.Debug("discarding realtime turn without agent speech", slog.Int("turn", t.Seq))
		return
	}

	c.exported = append(c.exported, t)
	c.turnSpans = append(c.turnSpans, t.spanTree())
	firstTurn := !c.emittedFirst
	c.emittedFirst = true
	payload := c.buildRealtimeAnalytics(t, firstTurn)

	emitter := c.emitter
	go func() {
		if err := emitter.EmitTurn(ctx, payload); err != nil {
			c.logger.Warn("failed to emit turn analytics",
				slog.Int("turn", t.Seq), slog.String("error", err.Error()))
		}
	}()
}

func (c *RealtimeCollector) buildRealtimeAnalytics(t *RealtimeTurn, firstTurn bool) TurnAnalytics {
	payload := TurnAnalytics{
		SessionID:      c.info.SessionID,
		TurnNumber:     t.Seq,
		Interrupted:    t.Interrupted,
		UserTranscript: t.UserTranscript,
		AgentResponse:  t.AgentResponse,
	}
	if firstTurn {
		attachSessionFields(&payload, c.info)
	}
	if ms, ok := t.TTFBMS(); ok {
		payload.TTFB = &ms
	}
	if ms, ok := t.ThinkingDelayMS(); ok {
		payload.ThinkingDelay = &ms
	}
	if ms, ok := t.E2ELatencyMS(); ok {
		payload.E2ELatency = &ms
	}
	if ms, ok := t.UserSpeechDurationMS(); ok {
		payload.UserSpeechDuration = &ms
	}
	if ms, ok := t.AgentSpeechDurationMS(); ok {
		payload.AgentSpeechDuration = &ms
	}
	for _, tc := range t.ToolsCalled {
		payload.ToolsCalled = append(payload.ToolsCalled, tc.Name)
	}
	return payload
}

// Turns returns the exported realtime turns so far.
func (c *RealtimeCollector) Turns() []*RealtimeTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RealtimeTurn(nil), c.exported...)
}

// SpanTree assembles the session span tree recorded so far.
func (c *RealtimeCollector) SpanTree() *Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildTreeLocked()
}

func (c *RealtimeCollector) buildTreeLocked() *Span {
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
	root.addChild(&Span{Name: SpanSessionConfig, Start: c.sessionStart, End: c.sessionStart, Attrs: c.info.Config})
	root.addChild(&Span{Name: SpanSessionStart, Start: c.sessionStart, End: c.sessionStart})

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

// EndSession finalizes any in-flight turn and exports the span tree.
func (c *RealtimeCollector) EndSession(ctx context.Context) {
	c.mu.Lock()
	c.stopFinalizeTimerLocked()
	c.finalizeLocked(ctx)
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
