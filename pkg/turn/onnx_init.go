package turn

import (
	"github.com/chriscow/voice-agents-go/internal/onnxenv"
)

// ensureOrtEnv initializes the shared ONNX runtime environment. Idempotent.
func ensureOrtEnv() error {
	return onnxenv.EnsureEnv()
}
