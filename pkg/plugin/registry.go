// Package plugin provides a registry for speech and language providers.
//
// Providers register themselves by kind (stt, llm, tts, vad, eou, realtime)
// and name, typically from an init function, so that importing a provider
// package is all it takes to make it available:
//
//	import _ "github.com/chriscow/voice-agents-go/pkg/plugin/openai"
//
// Sessions resolve providers through the typed constructors (NewSTT, NewLLM,
// and so on), which pick the registered factory by name and assert the
// expected interface. When no name is given, the VOICE_AGENTS_<KIND>
// environment variable selects one, falling back to the fake providers.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Kind identifies the provider slot a plugin fills.
type Kind string

const (
	KindSTT      Kind = "stt"
	KindLLM      Kind = "llm"
	KindTTS      Kind = "tts"
	KindVAD      Kind = "vad"
	KindEOU      Kind = "eou"
	KindRealtime Kind = "realtime"
)

// Factory creates a provider instance from plugin-specific configuration.
// The returned value must implement the interface for the plugin's kind
// (stt.STT for KindSTT, llm.LLM for KindLLM, and so on).
type Factory func(config map[string]any) (any, error)

// Downloader fetches model files or other assets a plugin needs before it
// can run. Plugins that work without local assets leave it nil.
type Downloader interface {
	Download(ctx context.Context) error
}

// Plugin describes a registered provider.
type Plugin struct {
	Kind        Kind
	Name        string
	Factory     Factory
	Description string
	Version     string

	// Config documents the configuration keys the factory accepts,
	// mapping key name to a short description.
	Config map[string]any

	// Downloader is non-nil when the plugin needs files fetched before
	// first use, for example ONNX model weights.
	Downloader Downloader
}

// Registry holds registered plugins keyed by kind and name.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Kind]map[string]*Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[Kind]map[string]*Plugin),
	}
}

// Register adds a factory under the given kind and name. It panics if the
// kind or name is empty, the factory is nil, or the pair is already taken.
// Registration happens from init functions, where the only sane response to
// a conflict is to fail loudly.
func (r *Registry) Register(kind Kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{
		Kind:    kind,
		Name:    name,
		Factory: factory,
	})
}

// RegisterWithMetadata adds a plugin with full metadata. The same panic
// rules as Register apply.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if p == nil {
		panic("plugin: RegisterWithMetadata called with nil plugin")
	}
	if p.Kind == "" {
		panic("plugin: Register called with empty kind")
	}
	if p.Name == "" {
		panic(fmt.Sprintf("plugin: Register called with empty name for kind %q", p.Kind))
	}
	if p.Factory == nil {
		panic(fmt.Sprintf("plugin: Register called with nil factory for %s/%s", p.Kind, p.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName := r.plugins[p.Kind]
	if byName == nil {
		byName = make(map[string]*Plugin)
		r.plugins[p.Kind] = byName
	}
	if _, exists := byName[p.Name]; exists {
		panic(fmt.Sprintf("plugin: Register called twice for %s/%s", p.Kind, p.Name))
	}
	byName[p.Name] = p
}

// Get returns the factory registered under kind and name.
func (r *Registry) Get(kind Kind, name string) (Factory, bool) {
	p, ok := r.Lookup(kind, name)
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// Lookup returns the full plugin metadata registered under kind and name.
func (r *Registry) Lookup(kind Kind, name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[kind][name]
	return p, ok
}

// List returns registered plugins for a kind, sorted by name. An empty kind
// returns all plugins sorted by kind, then name.
func (r *Registry) List(kind Kind) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	if kind != "" {
		for _, p := range r.plugins[kind] {
			out = append(out, p)
		}
	} else {
		for _, byName := range r.plugins {
			for _, p := range byName {
				out = append(out, p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ListKinds returns every kind with at least one registered plugin, sorted.
func (r *Registry) ListKinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.plugins))
	for kind := range r.plugins {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Names returns the registered plugin names for a kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	plugins := r.List(kind)
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	return names
}

// DownloadAll runs the downloader of every plugin that has one. It stops at
// the first failure so a broken download is not buried under later output.
func (r *Registry) DownloadAll(ctx context.Context) error {
	for _, p := range r.List("") {
		if p.Downloader == nil {
			continue
		}
		slog.Info("downloading plugin files",
			slog.String("kind", string(p.Kind)),
			slog.String("name", p.Name))
		if err := p.Downloader.Download(ctx); err != nil {
			return fmt.Errorf("download %s/%s: %w", p.Kind, p.Name, err)
		}
	}
	return nil
}

// Clear removes all registered plugins. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[Kind]map[string]*Plugin)
}

var globalRegistry = NewRegistry()

// Register adds a factory to the global registry.
func Register(kind Kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with full metadata to the global
// registry.
func RegisterWithMetadata(p *Plugin) {
	globalRegistry.RegisterWithMetadata(p)
}

// Get returns a factory from the global registry.
func Get(kind Kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// Lookup returns plugin metadata from the global registry.
func Lookup(kind Kind, name string) (*Plugin, bool) {
	return globalRegistry.Lookup(kind, name)
}

// List returns plugins from the global registry.
func List(kind Kind) []*Plugin {
	return globalRegistry.List(kind)
}

// ListKinds returns the kinds registered in the global registry.
func ListKinds() []Kind {
	return globalRegistry.ListKinds()
}

// Names returns the plugin names registered globally for a kind.
func Names(kind Kind) []string {
	return globalRegistry.Names(kind)
}

// DownloadAll downloads assets for every globally registered plugin.
func DownloadAll(ctx context.Context) error {
	return globalRegistry.DownloadAll(ctx)
}

// Clear empties the global registry. Intended for tests.
func Clear() {
	globalRegistry.Clear()
}
