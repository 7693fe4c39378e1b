// Package turn provides end-of-utterance (EOU) detection: given recent
// conversation context, it estimates whether the user has finished speaking
// so the pipeline can decide between replying now and waiting for more.
package turn

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
)

// DefaultUnlikelyThreshold is used when a detector has no tuned threshold
// for the requested language.
const DefaultUnlikelyThreshold = 0.85

// Detector estimates end-of-utterance probability from chat context.
type Detector interface {
	// UnlikelyThreshold returns the language-specific probability threshold
	// below which ending the turn is considered unlikely. Returns an error
	// if the language is unsupported.
	UnlikelyThreshold(language string) (float64, error)

	// SupportsLanguage returns true if the detector has a tuned threshold for this language.
	SupportsLanguage(language string) bool

	// PredictEndOfTurn returns probability (0-1) that the user has finished
	// speaking given recent chat context.
	PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error)
}

// ChatContext is the conversation history a detector scores, plus a
// language hint for threshold selection.
type ChatContext struct {
	Messages []llm.Message
	Language string
}

// DetectEndOfUtterance runs d over chatCtx and compares the probability
// against threshold. A non-positive threshold selects the detector's tuned
// threshold for the context language, falling back to
// DefaultUnlikelyThreshold when the language is unknown.
func DetectEndOfUtterance(ctx context.Context, d Detector, chatCtx ChatContext, threshold float64) (bool, error) {
	prob, err := d.PredictEndOfTurn(ctx, chatCtx)
	if err != nil {
		return false, err
	}
	if threshold <= 0 {
		threshold, err = d.UnlikelyThreshold(chatCtx.Language)
		if err != nil {
			threshold = DefaultUnlikelyThreshold
		}
	}
	return prob >= threshold, nil
}
