package plugin

import (
	"fmt"
	"os"
	"strings"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/ai/realtime"
	"github.com/chriscow/voice-agents-go/pkg/ai/stt"
	"github.com/chriscow/voice-agents-go/pkg/ai/tts"
	"github.com/chriscow/voice-agents-go/pkg/ai/vad"
	"github.com/chriscow/voice-agents-go/pkg/turn"
)

const (
	envPrefix = "VOICE_AGENTS_"

	// fallbackName selects the in-process fake providers when neither the
	// caller nor the environment names a plugin.
	fallbackName = "fake"
)

// DefaultName returns the plugin name selected for a kind when the caller
// does not pass one: the VOICE_AGENTS_<KIND> environment variable if set
// (for example VOICE_AGENTS_STT=openai), otherwise "fake".
func DefaultName(kind Kind) string {
	if name := os.Getenv(envPrefix + strings.ToUpper(string(kind))); name != "" {
		return name
	}
	return fallbackName
}

// resolveAs builds a provider of the given kind and asserts its type. An
// empty name resolves through DefaultName.
func resolveAs[T any](kind Kind, name string, config map[string]any) (T, error) {
	var zero T

	if name == "" {
		name = DefaultName(kind)
	}
	factory, ok := Get(kind, name)
	if !ok {
		return zero, fmt.Errorf("no %s plugin named %q (registered: %s)",
			kind, name, strings.Join(Names(kind), ", "))
	}

	instance, err := factory(config)
	if err != nil {
		return zero, fmt.Errorf("create %s plugin %q: %w", kind, name, err)
	}

	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%s plugin %q returned %T, which does not implement the %s interface",
			kind, name, instance, kind)
	}
	return typed, nil
}

// NewSTT builds a speech-to-text provider by plugin name.
func NewSTT(name string, config map[string]any) (stt.STT, error) {
	return resolveAs[stt.STT](KindSTT, name, config)
}

// NewLLM builds a language-model provider by plugin name.
func NewLLM(name string, config map[string]any) (llm.LLM, error) {
	return resolveAs[llm.LLM](KindLLM, name, config)
}

// NewTTS builds a text-to-speech provider by plugin name.
func NewTTS(name string, config map[string]any) (tts.TTS, error) {
	return resolveAs[tts.TTS](KindTTS, name, config)
}

// NewVAD builds a voice-activity-detection provider by plugin name.
func NewVAD(name string, config map[string]any) (vad.VAD, error) {
	return resolveAs[vad.VAD](KindVAD, name, config)
}

// NewEOU builds an end-of-utterance detector by plugin name.
func NewEOU(name string, config map[string]any) (turn.Detector, error) {
	return resolveAs[turn.Detector](KindEOU, name, config)
}

// NewRealtime builds a speech-to-speech realtime model by plugin name.
func NewRealtime(name string, config map[string]any) (realtime.Model, error) {
	return resolveAs[realtime.Model](KindRealtime, name, config)
}
