// Package onnxenv owns process-wide ONNX runtime initialization. The turn
// detector and the VAD both run ONNX models; initializing the environment
// twice triggers schema re-registration warnings.
package onnxenv

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	once    sync.Once
	initErr error
)

// EnsureEnv initializes the ONNX runtime environment exactly once per process.
func EnsureEnv() error {
	once.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			// Homebrew install location as a fallback on macOS.
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}

		initErr = ort.InitializeEnvironment()
	})
	return initErr
}
