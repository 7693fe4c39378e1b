package turn

import (
	"fmt"
	"os"
)

// DetectorConfig holds configuration for creating turn detectors.
type DetectorConfig struct {
	Model     string // "english" or "multilingual"
	ModelPath string // path to model files (optional, uses default if empty)
	RemoteURL string // remote inference URL (optional)
}

// NewDetector creates a turn detector based on the provided configuration.
// If RemoteURL is set (directly or via VOICE_AGENTS_REMOTE_EOT_URL), it
// creates a RemoteDetector with the local model as fallback. Otherwise the
// local ONNX detector is used directly.
func NewDetector(config DetectorConfig) (Detector, error) {
	remoteURL := config.RemoteURL
	if remoteURL == "" {
		remoteURL = os.Getenv("VOICE_AGENTS_REMOTE_EOT_URL")
	}

	if config.Model == "" {
		config.Model = "english"
	}

	switch config.Model {
	case "english", "multilingual":
		// valid
	default:
		return nil, fmt.Errorf("invalid model name: %s (supported: english|multilingual)", config.Model)
	}

	localDetector, err := NewONNXDetector(config.Model, config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX detector: %w", err)
	}

	if remoteURL != "" {
		return NewRemoteDetector(remoteURL, localDetector), nil
	}
	return localDetector, nil
}

// NewDefaultDetector creates a detector with default configuration.
func NewDefaultDetector() (Detector, error) {
	return NewDetector(DetectorConfig{Model: "english"})
}
