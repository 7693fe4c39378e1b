package silero

import (
	"os"
	"path/filepath"
)

const (
	modelFileName = "silero_vad.onnx"

	// modelURL pins a release artifact; master moves under us.
	modelURL = "https://github.com/snakers4/silero-vad/raw/v5.1.2/src/silero_vad/data/silero_vad.onnx"
)

// modelFile resolves the on-disk model location. An empty dir selects the
// shared model directory, so one download location serves every model-backed
// plugin.
func modelFile(dir string) string {
	if dir == "" {
		dir = defaultModelDir()
	}
	return filepath.Join(dir, "silero", modelFileName)
}

func defaultModelDir() string {
	if path := os.Getenv("VOICE_AGENTS_MODEL_PATH"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/voice-agents-models"
	}
	return filepath.Join(homeDir, ".voice-agents", "models")
}
