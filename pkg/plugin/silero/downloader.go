package silero

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// Downloader fetches the Silero VAD model file.
type Downloader struct {
	modelPath string
	client    *http.Client
}

// NewDownloader creates a model downloader. An empty modelPath selects the
// shared model directory.
func NewDownloader(modelPath string) *Downloader {
	return &Downloader{
		modelPath: modelPath,
		client:    &http.Client{},
	}
}

// Download fetches the model unless a non-empty copy already exists.
func (d *Downloader) Download(ctx context.Context) error {
	dest := modelFile(d.modelPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		slog.Debug("silero model already present", slog.String("path", dest))
		return nil
	}

	slog.Info("downloading silero model",
		slog.String("url", modelURL),
		slog.String("path", dest))

	if err := d.fetch(ctx, modelURL, dest); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to download silero model: %w", err)
	}
	return nil
}

func (d *Downloader) fetch(ctx context.Context, url, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	file, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
