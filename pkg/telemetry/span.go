// Package telemetry collects per-session traces and per-turn analytics for
// the voice pipelines. A session is recorded as a span tree rooted at
// "Agent Session"; every completed turn additionally produces a flat
// analytics payload handed to an Emitter.
package telemetry

import (
	"math"
	"sort"
	"time"
)

// Span names used in the session tree.
const (
	SpanAgentSession  = "Agent Session"
	SpanSessionConfig = "Session Configuration"
	SpanSessionStart  = "Session Started"
	SpanTurns         = "User & Agent Turns"
	SpanSTT           = "STT"
	SpanEOU           = "EOU"
	SpanLLM           = "LLM"
	SpanTTS           = "TTS"
	SpanTTFB          = "TTFB"
	SpanUserSpeech    = "User Speech"
	SpanAgentSpeech   = "Agent Speech"
)

// Span is one node in a session trace. Start and End come from the wall
// clock; duration is derived, in milliseconds rounded to 4 decimals.
type Span struct {
	Name     string
	Start    time.Time
	End      time.Time
	Attrs    map[string]any
	Children []*Span
}

// DurationMS returns the span duration in milliseconds, rounded to 4
// decimals. Zero when the span is still open.
func (s *Span) DurationMS() float64 {
	if s.Start.IsZero() || s.End.IsZero() {
		return 0
	}
	return RoundMS(s.End.Sub(s.Start))
}

// Child finds a direct child span by name, or nil.
func (s *Span) Child(name string) *Span {
	for _, c := range s.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// addChild appends a child span, keeping children ordered by start time.
func (s *Span) addChild(c *Span) {
	s.Children = append(s.Children, c)
	sort.SliceStable(s.Children, func(i, j int) bool {
		return s.Children[i].Start.Before(s.Children[j].Start)
	})
}

// RoundMS converts a duration to milliseconds rounded to 4 decimal places.
func RoundMS(d time.Duration) float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return math.Round(ms*10000) / 10000
}

// MillisBetween returns the rounded millisecond distance between two times.
func MillisBetween(start, end time.Time) float64 {
	return RoundMS(end.Sub(start))
}
