//go:build integration
// +build integration

package turn

import (
	"context"
	"testing"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/matryer/is"
)

// TestPredictEndOfTurnIntegration runs the real English model on disk.
// It needs `va-go download-files` to have run and an ONNX runtime library
// installed; anything missing skips rather than fails.
func TestPredictEndOfTurnIntegration(t *testing.T) {
	is := is.New(t)

	detector, err := NewONNXDetector("english", "")
	is.NoErr(err) // must create detector without error

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	score := func(text string) float64 {
		prob, err := detector.PredictEndOfTurn(ctx, ChatContext{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: text}},
			Language: "en-US",
		})
		if err != nil {
			t.Skipf("skipping, model or ONNX runtime not available: %v", err)
		}
		is.True(prob >= 0 && prob <= 1) // probability in range
		return prob
	}

	complete := score("Hello, how are you?")
	incomplete := score("I was wondering if you could")

	// The model exists to tell these apart; a finished question must
	// score higher than a trailing clause.
	if complete <= incomplete {
		t.Errorf("complete utterance scored %.3f, incomplete %.3f", complete, incomplete)
	}
}
