package silero

import (
	"time"

	"github.com/chriscow/voice-agents-go/pkg/plugin"
)

const version = "1.0.0"

func configFromMap(m map[string]any) Config {
	var c Config
	if v, ok := floatFromMap(m, "threshold"); ok {
		c.ActivationThreshold = float32(v)
	}
	if v, ok := floatFromMap(m, "min_speech_ms"); ok {
		c.MinSpeechDuration = time.Duration(v * float64(time.Millisecond))
	}
	if v, ok := floatFromMap(m, "min_silence_ms"); ok {
		c.MinSilenceDuration = time.Duration(v * float64(time.Millisecond))
	}
	c.ModelPath, _ = m["model_path"].(string)
	return c
}

// floatFromMap reads a numeric config value. JSON decoding produces
// float64, Go literals often produce int; accept both.
func floatFromMap(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     func(m map[string]any) (any, error) { return New(configFromMap(m)) },
		Description: "Silero voice activity detection over ONNX",
		Version:     version,
		Config: map[string]any{
			"threshold":      "speech probability that opens a segment, defaults to 0.5",
			"min_speech_ms":  "sustained speech before a start is reported, defaults to 50",
			"min_silence_ms": "sustained silence before the segment closes, defaults to 550",
			"model_path":     "directory holding the model, defaults to the shared model directory",
		},
		Downloader: NewDownloader(""),
	})
}
