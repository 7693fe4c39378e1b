package telemetry

import (
	"strconv"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai"
)

// TimelineKind tags a timeline event.
type TimelineKind string

const (
	TimelineUserSpeech  TimelineKind = "user_speech"
	TimelineAgentSpeech TimelineKind = "agent_speech"
)

// TimelineEvent is one speech segment on a turn's timeline. At most one
// event per kind is open (End zero) at any moment.
type TimelineEvent struct {
	Kind  TimelineKind
	Start time.Time
	End   time.Time
	Text  string
}

// DurationMS returns the event length in milliseconds, 0 while open.
func (e TimelineEvent) DurationMS() float64 {
	if e.End.IsZero() {
		return 0
	}
	return MillisBetween(e.Start, e.End)
}

// ToolCall records one tool invocation during a turn.
type ToolCall struct {
	Name      string
	Arguments string
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// TurnError is a provider failure attached to a turn, keyed by engine.
type TurnError struct {
	Source  ai.Source
	Message string
	At      time.Time
}

// Turn captures one user→agent exchange on the cascading pipeline. All
// timestamps are wall-clock; zero means the mark never happened.
type Turn struct {
	Seq int

	UserSpeechStart time.Time
	UserSpeechEnd   time.Time

	STTStart time.Time
	STTEnd   time.Time
	EOUStart time.Time
	EOUEnd   time.Time
	LLMStart time.Time
	LLMEnd   time.Time
	TTSStart time.Time
	TTSEnd   time.Time

	// TTFB is the instant the first synthesized audio byte was produced.
	TTFB time.Time

	Interrupted bool
	ToolsCalled []ToolCall
	Timeline    []TimelineEvent
	Errors      []TurnError

	UserTranscript string
	AgentResponse  string
}

func latency(start, end time.Time) (float64, bool) {
	if start.IsZero() || end.IsZero() {
		return 0, false
	}
	return MillisBetween(start, end), true
}

// STTLatencyMS returns the STT latency in ms and whether it is present.
func (t *Turn) STTLatencyMS() (float64, bool) { return latency(t.STTStart, t.STTEnd) }

// EOULatencyMS returns the EOU latency in ms and whether it is present.
func (t *Turn) EOULatencyMS() (float64, bool) { return latency(t.EOUStart, t.EOUEnd) }

// LLMLatencyMS returns the LLM latency in ms and whether it is present.
func (t *Turn) LLMLatencyMS() (float64, bool) { return latency(t.LLMStart, t.LLMEnd) }

// TTSLatencyMS returns the TTS latency in ms and whether it is present.
func (t *Turn) TTSLatencyMS() (float64, bool) { return latency(t.TTSStart, t.TTSEnd) }

// TTFBMS returns time-to-first-byte from TTS start in ms.
func (t *Turn) TTFBMS() (float64, bool) { return latency(t.TTSStart, t.TTFB) }

// E2ELatencyMS sums the present engine latencies (stt + eou + llm + tts).
// Absent engines contribute zero. Present only when the turn has substance.
func (t *Turn) E2ELatencyMS() (float64, bool) {
	if !t.HasSubstance() {
		return 0, false
	}
	var total float64
	for _, f := range []func() (float64, bool){t.STTLatencyMS, t.EOULatencyMS, t.LLMLatencyMS, t.TTSLatencyMS} {
		if ms, ok := f(); ok {
			total += ms
		}
	}
	return total, true
}

// HasSubstance reports whether at least one engine latency is present. Turns
// without substance are never exported.
func (t *Turn) HasSubstance() bool {
	for _, f := range []func() (float64, bool){t.STTLatencyMS, t.EOULatencyMS, t.LLMLatencyMS, t.TTSLatencyMS} {
		if _, ok := f(); ok {
			return true
		}
	}
	return false
}

// UserSpeechDurationMS returns the user speech length in ms, if both marks exist.
func (t *Turn) UserSpeechDurationMS() (float64, bool) {
	return latency(t.UserSpeechStart, t.UserSpeechEnd)
}

// openTimeline returns the open event of the given kind, or nil.
func openTimeline(events []TimelineEvent, kind TimelineKind) *TimelineEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			if events[i].End.IsZero() {
				return &events[i]
			}
			return nil
		}
	}
	return nil
}

// spanTree renders the turn as a "Turn #N" span with engine children.
func (t *Turn) spanTree() *Span {
	start, end := t.window()
	turnSpan := &Span{
		Name:  turnSpanName(t.Seq),
		Start: start,
		End:   end,
		Attrs: map[string]any{"interrupted": t.Interrupted},
	}

	if !t.STTStart.IsZero() {
		turnSpan.addChild(&Span{Name: SpanSTT, Start: t.STTStart, End: t.STTEnd})
	}
	if !t.EOUStart.IsZero() {
		turnSpan.addChild(&Span{Name: SpanEOU, Start: t.EOUStart, End: t.EOUEnd})
	}
	if !t.LLMStart.IsZero() {
		llmSpan := &Span{Name: SpanLLM, Start: t.LLMStart, End: t.LLMEnd}
		for _, tc := range t.ToolsCalled {
			attrs := map[string]any{"arguments": tc.Arguments}
			if tc.Error != "" {
				attrs["error"] = tc.Error
			}
			llmSpan.addChild(&Span{
				Name:  "Tool: " + tc.Name,
				Start: tc.StartedAt,
				End:   tc.EndedAt,
				Attrs: attrs,
			})
		}
		turnSpan.addChild(llmSpan)
	}
	if !t.TTSStart.IsZero() {
		ttsSpan := &Span{Name: SpanTTS, Start: t.TTSStart, End: t.TTSEnd}
		if !t.TTFB.IsZero() {
			ttsSpan.addChild(&Span{Name: SpanTTFB, Start: t.TTSStart, End: t.TTFB})
		}
		turnSpan.addChild(ttsSpan)
	}
	for _, ev := range t.Timeline {
		name := SpanUserSpeech
		text := ev.Text
		if ev.Kind == TimelineAgentSpeech {
			name = SpanAgentSpeech
			if text == "" {
				text = t.AgentResponse
			}
		} else if text == "" {
			// VAD may close the event before the transcript lands.
			text = t.UserTranscript
		}
		turnSpan.addChild(&Span{
			Name:  name,
			Start: ev.Start,
			End:   ev.End,
			Attrs: map[string]any{"text": text},
		})
	}

	return turnSpan
}

// window returns the earliest and latest timestamps recorded on the turn.
func (t *Turn) window() (time.Time, time.Time) {
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
		t.STTStart, t.STTEnd, t.EOUStart, t.EOUEnd,
		t.LLMStart, t.LLMEnd, t.TTSStart, t.TTSEnd, t.TTFB,
	} {
		consider(ts)
	}
	for _, ev := range t.Timeline {
		consider(ev.Start)
		consider(ev.End)
	}
	return start, end
}

func turnSpanName(seq int) string {
	return "Turn #" + strconv.Itoa(seq)
}
