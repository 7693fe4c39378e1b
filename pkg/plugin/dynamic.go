//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// LoadDynamicPlugins loads provider plugins from .so files in dir. An empty
// dir falls back to VOICE_AGENTS_PLUGIN_PATH, then to the system default
// /usr/local/lib/voice-agents/plugins. A missing directory is not an error;
// it just means there is nothing to load.
//
// Each .so must export RegisterPlugins func() error, which is expected to
// call Register or RegisterWithMetadata for the providers it ships.
func LoadDynamicPlugins(dir string) error {
	if dir == "" {
		dir = os.Getenv("VOICE_AGENTS_PLUGIN_PATH")
		if dir == "" {
			dir = "/usr/local/lib/voice-agents/plugins"
		}
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	soFiles, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("search for plugins in %s: %w", dir, err)
	}

	for _, soFile := range soFiles {
		if err := loadSharedObject(soFile); err != nil {
			return fmt.Errorf("load plugin %s: %w", soFile, err)
		}
	}

	if len(soFiles) > 0 {
		slog.Info("loaded dynamic plugins",
			slog.Int("count", len(soFiles)),
			slog.String("directory", dir))
	}
	return nil
}

func loadSharedObject(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return fmt.Errorf("open shared object: %w", err)
	}

	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("plugin does not export RegisterPlugins: %w", err)
	}

	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func() error", sym)
	}

	if err := register(); err != nil {
		return fmt.Errorf("plugin registration failed: %w", err)
	}

	slog.Info("loaded plugin",
		slog.String("name", strings.TrimSuffix(filepath.Base(soFile), ".so")),
		slog.String("file", soFile))
	return nil
}
