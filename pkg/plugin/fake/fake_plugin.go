// Package fake registers the in-process fake providers for every plugin
// kind. Importing it gives a session a complete provider set with no
// network access or model files, which is what tests and the console run
// with by default.
package fake

import (
	llmfake "github.com/chriscow/voice-agents-go/pkg/ai/llm/fake"
	realtimefake "github.com/chriscow/voice-agents-go/pkg/ai/realtime/fake"
	sttfake "github.com/chriscow/voice-agents-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/voice-agents-go/pkg/ai/tts/fake"
	vadfake "github.com/chriscow/voice-agents-go/pkg/ai/vad/fake"
	"github.com/chriscow/voice-agents-go/pkg/plugin"
	turnfake "github.com/chriscow/voice-agents-go/pkg/turn/fake"
)

const version = "1.0.0"

func newFakeSTT(config map[string]any) (any, error) {
	transcript := "hello from the fake transcriber"
	if t, ok := config["transcript"].(string); ok {
		transcript = t
	}
	return sttfake.NewFakeSTT(transcript), nil
}

func newFakeLLM(config map[string]any) (any, error) {
	responses := []string{
		"This is a fake response.",
		"How can I help you today?",
	}
	switch r := config["responses"].(type) {
	case []string:
		responses = r
	case []any:
		// Config decoded from YAML or JSON arrives as []any.
		responses = responses[:0]
		for _, v := range r {
			if s, ok := v.(string); ok {
				responses = append(responses, s)
			}
		}
	}
	return llmfake.NewFakeLLM(responses...), nil
}

func newFakeTTS(config map[string]any) (any, error) {
	return ttsfake.NewFakeTTS(), nil
}

func newFakeVAD(config map[string]any) (any, error) {
	threshold := float32(0.5)
	switch t := config["threshold"].(type) {
	case float32:
		threshold = t
	case float64:
		threshold = float32(t)
	}
	return vadfake.NewFakeVAD(threshold), nil
}

func newFakeEOU(config map[string]any) (any, error) {
	probability, hasProb := floatValue(config["probability"])
	threshold, hasThresh := floatValue(config["threshold"])
	if hasProb || hasThresh {
		if !hasProb {
			probability = 0.95
		}
		if !hasThresh {
			threshold = 0.85
		}
		return turnfake.NewFakeTurnDetectorWithValues(probability, threshold), nil
	}
	return turnfake.NewFakeTurnDetector(), nil
}

func newFakeRealtime(config map[string]any) (any, error) {
	return realtimefake.NewFakeModel(), nil
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "fake",
		Factory:     newFakeSTT,
		Description: "Scripted transcriber for tests and console runs",
		Version:     version,
		Config: map[string]any{
			"transcript": "text every utterance transcribes to",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Factory:     newFakeLLM,
		Description: "Canned-response language model",
		Version:     version,
		Config: map[string]any{
			"responses": "list of responses returned in order",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Factory:     newFakeTTS,
		Description: "Sine-wave speech synthesizer",
		Version:     version,
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "fake",
		Factory:     newFakeVAD,
		Description: "Energy-threshold voice activity detector",
		Version:     version,
		Config: map[string]any{
			"threshold": "speech probability reported for loud frames",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindEOU,
		Name:        "fake",
		Factory:     newFakeEOU,
		Description: "Fixed-probability end-of-utterance detector",
		Version:     version,
		Config: map[string]any{
			"probability": "end-of-turn probability to report",
			"threshold":   "unlikely threshold to report",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindRealtime,
		Name:        "fake",
		Factory:     newFakeRealtime,
		Description: "Scriptable speech-to-speech model",
		Version:     version,
	})
}
