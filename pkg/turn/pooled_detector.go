package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voice-agents-go/internal/pool"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
)

// Task entrypoints registered with the resource pool. Thread executors and
// runner child processes share this binary, so registration at init time
// resolves on both sides of the process boundary.
const (
	eouPredictTask   = "eou.predict"
	eouThresholdTask = "eou.threshold"
)

// thresholdCallTimeout bounds the pool round trip for threshold lookups,
// which the Detector interface exposes without a context.
const thresholdCallTimeout = 5 * time.Second

// InferenceRunner dispatches named tasks to a resource pool. The worker's
// job contexts satisfy it.
type InferenceRunner interface {
	RunInference(ctx context.Context, entrypoint string, args any) (json.RawMessage, error)
}

// PooledDetector scores end-of-utterance on the pool's dedicated inference
// executor instead of the job goroutine. The executor builds the underlying
// detector once per configuration, so the ONNX model and tokenizer load a
// single time no matter how many jobs ask for predictions.
type PooledDetector struct {
	runner InferenceRunner
	cfg    DetectorConfig

	mu         sync.Mutex
	thresholds map[string]thresholdResult
}

var _ Detector = (*PooledDetector)(nil)

// NewPooledDetector validates cfg the way NewDetector does and returns a
// detector that forwards scoring through runner.
func NewPooledDetector(runner InferenceRunner, cfg DetectorConfig) (*PooledDetector, error) {
	if runner == nil {
		return nil, errors.New("inference runner is required")
	}
	if cfg.Model == "" {
		cfg.Model = "english"
	}
	switch cfg.Model {
	case "english", "multilingual":
	default:
		return nil, fmt.Errorf("invalid model name: %s (supported: english|multilingual)", cfg.Model)
	}
	return &PooledDetector{
		runner:     runner,
		cfg:        cfg,
		thresholds: make(map[string]thresholdResult),
	}, nil
}

// PredictEndOfTurn returns probability that the user has finished speaking.
func (d *PooledDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	messages := make([]messageArg, 0, len(chatCtx.Messages))
	for _, m := range chatCtx.Messages {
		messages = append(messages, messageArg{Role: string(m.Role), Content: m.Content})
	}
	raw, err := d.runner.RunInference(ctx, eouPredictTask, inferenceArgs{
		Model:     d.cfg.Model,
		ModelPath: d.cfg.ModelPath,
		RemoteURL: d.cfg.RemoteURL,
		Language:  chatCtx.Language,
		Messages:  messages,
	})
	if err != nil {
		return 0, err
	}
	var out predictResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode prediction result: %w", err)
	}
	return out.Probability, nil
}

// UnlikelyThreshold returns the tuned threshold for language. Results are
// cached, so each language costs one pool round trip.
func (d *PooledDetector) UnlikelyThreshold(language string) (float64, error) {
	res, err := d.threshold(language)
	if err != nil {
		return 0, err
	}
	if !res.Supported {
		return 0, fmt.Errorf("unsupported language: %s", language)
	}
	return res.Threshold, nil
}

// SupportsLanguage returns true if the detector has a tuned threshold for this language.
func (d *PooledDetector) SupportsLanguage(language string) bool {
	res, err := d.threshold(language)
	return err == nil && res.Supported
}

func (d *PooledDetector) threshold(language string) (thresholdResult, error) {
	d.mu.Lock()
	if res, ok := d.thresholds[language]; ok {
		d.mu.Unlock()
		return res, nil
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), thresholdCallTimeout)
	defer cancel()
	raw, err := d.runner.RunInference(ctx, eouThresholdTask, inferenceArgs{
		Model:     d.cfg.Model,
		ModelPath: d.cfg.ModelPath,
		RemoteURL: d.cfg.RemoteURL,
		Language:  language,
	})
	if err != nil {
		return thresholdResult{}, err
	}
	var res thresholdResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return thresholdResult{}, fmt.Errorf("decode threshold result: %w", err)
	}

	d.mu.Lock()
	d.thresholds[language] = res
	d.mu.Unlock()
	return res, nil
}

// inferenceArgs is the wire form of a detector task. It carries the full
// detector configuration because the executor, not the caller, owns the
// detector instances.
type inferenceArgs struct {
	Model     string `json:"model"`
	ModelPath string `json:"model_path,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Language  string `json:"language,omitempty"`

	Messages []messageArg `json:"messages,omitempty"`
}

// messageArg flattens llm.Message for the task payload.
type messageArg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type predictResult struct {
	Probability float64 `json:"probability"`
}

type thresholdResult struct {
	Threshold float64 `json:"threshold"`
	Supported bool    `json:"supported"`
}

func (a inferenceArgs) chatContext() ChatContext {
	messages := make([]llm.Message, 0, len(a.Messages))
	for _, m := range a.Messages {
		messages = append(messages, llm.Message{Role: llm.MessageRole(m.Role), Content: m.Content})
	}
	return ChatContext{Messages: messages, Language: a.Language}
}

// newLocalDetector builds the executor-side detector; tests substitute it.
var newLocalDetector = NewDetector

// localDetectors caches one detector per configuration inside the executor
// process. This is the "heavy models loaded once" path: the dedicated
// inference executor holds the only ONNX session.
var localDetectors = struct {
	mu sync.Mutex
	m  map[string]Detector
}{m: make(map[string]Detector)}

func detectorFor(a inferenceArgs) (Detector, error) {
	key := a.Model + "|" + a.ModelPath + "|" + a.RemoteURL

	localDetectors.mu.Lock()
	defer localDetectors.mu.Unlock()
	if d, ok := localDetectors.m[key]; ok {
		return d, nil
	}
	d, err := newLocalDetector(DetectorConfig{
		Model:     a.Model,
		ModelPath: a.ModelPath,
		RemoteURL: a.RemoteURL,
	})
	if err != nil {
		return nil, err
	}
	localDetectors.m[key] = d
	return d, nil
}

func init() {
	pool.RegisterTask(eouPredictTask, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a inferenceArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode prediction args: %w", err)
		}
		d, err := detectorFor(a)
		if err != nil {
			return nil, err
		}
		prob, err := d.PredictEndOfTurn(ctx, a.chatContext())
		if err != nil {
			return nil, err
		}
		return predictResult{Probability: prob}, nil
	})

	pool.RegisterTask(eouThresholdTask, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a inferenceArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode threshold args: %w", err)
		}
		d, err := detectorFor(a)
		if err != nil {
			return nil, err
		}
		threshold, err := d.UnlikelyThreshold(a.Language)
		if err != nil {
			return thresholdResult{Supported: false}, nil
		}
		return thresholdResult{Threshold: threshold, Supported: true}, nil
	})
}
