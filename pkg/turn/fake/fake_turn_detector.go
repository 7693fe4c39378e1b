// Package fake provides scriptable turn detectors for pipeline tests.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/voice-agents-go/pkg/turn"
)

var _ turn.Detector = (*FakeTurnDetector)(nil)

// FakeTurnDetector returns scripted probabilities. When a queue is set, each
// PredictEndOfTurn call consumes one entry; after the queue drains (or when
// none was set) the fixed probability is returned.
type FakeTurnDetector struct {
	mu          sync.Mutex
	probability float64
	threshold   float64
	queue       []float64
	contexts    []turn.ChatContext
}

// NewFakeTurnDetector creates a detector that always reports end of turn.
func NewFakeTurnDetector() *FakeTurnDetector {
	return &FakeTurnDetector{
		probability: 0.95,
		threshold:   0.85,
	}
}

// NewFakeTurnDetectorWithValues creates a fake detector with specific values.
func NewFakeTurnDetectorWithValues(probability, threshold float64) *FakeTurnDetector {
	return &FakeTurnDetector{
		probability: probability,
		threshold:   threshold,
	}
}

// QueueProbabilities scripts the next predictions, in order.
func (f *FakeTurnDetector) QueueProbabilities(probs ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, probs...)
}

// UnlikelyThreshold returns the configured threshold.
func (f *FakeTurnDetector) UnlikelyThreshold(language string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold, nil
}

// SupportsLanguage always returns true.
func (f *FakeTurnDetector) SupportsLanguage(language string) bool {
	return true
}

// PredictEndOfTurn records the context and returns the next scripted value.
func (f *FakeTurnDetector) PredictEndOfTurn(ctx context.Context, chatCtx turn.ChatContext) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.contexts = append(f.contexts, chatCtx)
	if len(f.queue) > 0 {
		p := f.queue[0]
		f.queue = f.queue[1:]
		return p, nil
	}
	return f.probability, nil
}

// Contexts returns every chat context the detector was asked to score.
func (f *FakeTurnDetector) Contexts() []turn.ChatContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.ChatContext(nil), f.contexts...)
}

// PredictionCount reports how many predictions were requested.
func (f *FakeTurnDetector) PredictionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contexts)
}
