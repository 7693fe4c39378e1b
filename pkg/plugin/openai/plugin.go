// Package openai implements providers backed by the OpenAI platform:
// Whisper transcription, chat completions, speech synthesis, and the
// realtime speech-to-speech API. Each registers under the plugin name
// "openai" for its kind.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/plugin"
)

const version = "1.0.0"

// Config carries the settings shared by the OpenAI providers. Zero values
// select provider-specific defaults.
type Config struct {
	// APIKey authenticates against the API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and tests. The
	// realtime provider treats it as the websocket endpoint.
	BaseURL string

	// Model names the provider model, for example "gpt-4o-mini" for chat
	// or "tts-1" for synthesis.
	Model string

	// Voice selects the synthesis voice for the TTS and realtime
	// providers.
	Voice string

	// Language hints the transcription language; empty auto-detects.
	Language string
}

// errMissingKey reads like the setup instruction it is, since it surfaces
// directly to whoever starts a worker without credentials.
var errMissingKey = errors.New("OpenAI API key is required (set OPENAI_API_KEY or pass api_key in config)")

func (c *Config) resolve() error {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.APIKey == "" {
		return errMissingKey
	}
	return nil
}

func (c Config) newClient() *openai.Client {
	if c.BaseURL == "" {
		return openai.NewClient(c.APIKey)
	}
	cc := openai.DefaultConfig(c.APIKey)
	cc.BaseURL = c.BaseURL
	return openai.NewClientWithConfig(cc)
}

func configFromMap(m map[string]any) Config {
	var c Config
	c.APIKey, _ = m["api_key"].(string)
	c.BaseURL, _ = m["base_url"].(string)
	c.Model, _ = m["model"].(string)
	c.Voice, _ = m["voice"].(string)
	c.Language, _ = m["language"].(string)
	return c
}

// classifyErr maps API failures onto the retry taxonomy: rate limits,
// server errors, and transport failures are worth retrying; auth and
// request errors are not. Context cancellation passes through untouched so
// interruption does not look like a provider fault.
func classifyErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := fmt.Sprintf("%s: %v", op, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return ai.NewRecoverableError(err, msg)
		}
		return ai.NewFatalError(err, msg)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return ai.NewRecoverableError(err, msg)
		}
		return ai.NewFatalError(err, msg)
	}

	return ai.NewRecoverableError(err, msg)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "openai",
		Factory:     func(m map[string]any) (any, error) { return NewWhisperSTT(configFromMap(m)) },
		Description: "Whisper transcription over the OpenAI audio API",
		Version:     version,
		Config: map[string]any{
			"api_key":  "API key, defaults to OPENAI_API_KEY",
			"model":    "transcription model, defaults to whisper-1",
			"language": "language code, empty auto-detects",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Factory:     func(m map[string]any) (any, error) { return NewChatLLM(configFromMap(m)) },
		Description: "Chat completions with function calling",
		Version:     version,
		Config: map[string]any{
			"api_key": "API key, defaults to OPENAI_API_KEY",
			"model":   "chat model, defaults to gpt-4o-mini",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     func(m map[string]any) (any, error) { return NewSpeechTTS(configFromMap(m)) },
		Description: "Speech synthesis over the OpenAI audio API",
		Version:     version,
		Config: map[string]any{
			"api_key": "API key, defaults to OPENAI_API_KEY",
			"model":   "synthesis model, defaults to tts-1",
			"voice":   "voice name, defaults to alloy",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindRealtime,
		Name:        "openai",
		Factory:     func(m map[string]any) (any, error) { return NewRealtimeModel(configFromMap(m)) },
		Description: "Speech-to-speech over the OpenAI realtime API",
		Version:     version,
		Config: map[string]any{
			"api_key": "API key, defaults to OPENAI_API_KEY",
			"model":   "realtime model, defaults to gpt-4o-realtime-preview",
			"voice":   "voice name, defaults to alloy",
		},
	})
}
