// Package version carries the build identity reported to registries and
// AI providers.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is overridable at link time:
	//   -ldflags "-X github.com/chriscow/voice-agents-go/pkg/version.Version=v0.3.0"
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func init() {
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && len(kv.Value) >= 8 {
			GitCommit = kv.Value[:8]
		}
	}
}

// Info returns a human-readable build description for the version command.
func Info() string {
	return fmt.Sprintf("voice-agents-go %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildTime, runtime.Version())
}

// UserAgent identifies this runtime in registry registrations and provider
// HTTP headers.
func UserAgent() string {
	return fmt.Sprintf("voice-agents-go/%s go/%s", Version, runtime.Version())
}
