// Package eou registers the ONNX end-of-utterance detectors as plugins.
// Two variants are available: "english" scores English-only conversations
// with a smaller model, "multilingual" covers the full language set. Both
// need model files on disk; `va-go download-files` fetches them.
package eou

import (
	"context"

	"github.com/chriscow/voice-agents-go/pkg/plugin"
	"github.com/chriscow/voice-agents-go/pkg/turn"
)

const version = "1.0.0"

func factoryFor(model string) plugin.Factory {
	return func(config map[string]any) (any, error) {
		cfg := turn.DetectorConfig{Model: model}
		if p, ok := config["model_path"].(string); ok {
			cfg.ModelPath = p
		}
		if u, ok := config["remote_url"].(string); ok {
			cfg.RemoteURL = u
		}
		return turn.NewDetector(cfg)
	}
}

// downloader adapts the turn model downloader to the plugin registry,
// fetching only the named model's files.
type downloader struct {
	model string
}

func (d downloader) Download(ctx context.Context) error {
	return turn.NewDownloader("").DownloadByName(ctx, d.model)
}

func init() {
	configDoc := map[string]any{
		"model_path": "directory holding the model files",
		"remote_url": "inference endpoint; local model becomes the fallback",
	}

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindEOU,
		Name:        "english",
		Factory:     factoryFor("english"),
		Description: "English end-of-utterance model over ONNX",
		Version:     version,
		Config:      configDoc,
		Downloader:  downloader{model: "english"},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindEOU,
		Name:        "multilingual",
		Factory:     factoryFor("multilingual"),
		Description: "Multilingual end-of-utterance model over ONNX",
		Version:     version,
		Config:      configDoc,
		Downloader:  downloader{model: "multilingual"},
	})
}
