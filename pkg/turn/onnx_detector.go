package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/turn/internal"
)

const (
	// modelFileRel is the relative path to the ONNX model file within the model directory.
	modelFileRel = "onnx/model_q8.onnx"

	// maxContextTokens bounds the tokenized input; older tokens are dropped.
	maxContextTokens = 128

	// maxContextMessages bounds how much history is fed to the model.
	maxContextMessages = 6
)

// ONNXDetector runs end-of-utterance inference against a local quantized
// ONNX model, matching the hosted turn-detector models.
type ONNXDetector struct {
	modelInfo internal.ModelInfo
	modelPath string
	logger    *slog.Logger

	modelOnce sync.Once
	modelErr  error

	tokenizer     *tokenizer.Tokenizer
	tokenizerOnce sync.Once
	tokenizerErr  error

	// Per-language thresholds loaded from languages.json.
	languages     map[string]float64
	languagesOnce sync.Once
	languagesErr  error
}

// NewONNXDetector creates a detector for the named model. An empty modelPath
// selects the default model directory.
func NewONNXDetector(modelName, modelPath string) (*ONNXDetector, error) {
	modelInfo, ok := internal.ModelByName(modelName)
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", modelName)
	}

	if modelPath == "" {
		modelPath = getDefaultModelPath()
	}

	return &ONNXDetector{
		modelInfo: modelInfo,
		modelPath: modelPath,
		logger:    slog.Default().With("component", "turn-detector"),
	}, nil
}

// UnlikelyThreshold returns the tuned threshold for a language.
func (d *ONNXDetector) UnlikelyThreshold(language string) (float64, error) {
	if err := d.loadLanguages(); err != nil {
		return 0, err
	}
	threshold, exists := d.languages[language]
	if !exists {
		return 0, fmt.Errorf("unsupported language: %s", language)
	}
	return threshold, nil
}

// SupportsLanguage returns true if the detector has a tuned threshold for this language.
func (d *ONNXDetector) SupportsLanguage(language string) bool {
	if err := d.loadLanguages(); err != nil {
		return false
	}
	_, exists := d.languages[language]
	return exists
}

// PredictEndOfTurn tokenizes the chat context and runs ONNX inference.
func (d *ONNXDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	startTime := time.Now()

	if err := d.ensureModel(); err != nil {
		return 0, err
	}
	if err := d.loadTokenizer(); err != nil {
		return 0, err
	}

	tokens, err := d.tokenizeChat(chatCtx)
	if err != nil {
		return 0, fmt.Errorf("tokenization failed: %w", err)
	}

	probability, err := d.runInference(ctx, tokens)
	if err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	if latency := time.Since(startTime); latency > 25*time.Millisecond {
		d.logger.Debug("slow turn-detection inference",
			slog.Duration("latency", latency),
			slog.Int("tokens", len(tokens)))
	}

	return probability, nil
}

// ensureModel verifies the model file exists and the ONNX runtime is up.
func (d *ONNXDetector) ensureModel() error {
	d.modelOnce.Do(func() {
		modelFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, modelFileRel)
		if _, err := os.Stat(modelFile); os.IsNotExist(err) {
			d.modelErr = fmt.Errorf("model file not found: %s (run 'va-go download-files' first)", modelFile)
			return
		}
		if err := ensureOrtEnv(); err != nil {
			d.modelErr = fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	})
	return d.modelErr
}

// loadTokenizer loads the HuggingFace tokenizer from tokenizer.json.
func (d *ONNXDetector) loadTokenizer() error {
	d.tokenizerOnce.Do(func() {
		tokenizerFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, "tokenizer.json")
		if _, err := os.Stat(tokenizerFile); os.IsNotExist(err) {
			d.tokenizerErr = fmt.Errorf("tokenizer file not found: %s (run 'va-go download-files' first)", tokenizerFile)
			return
		}

		tk, err := pretrained.FromFile(tokenizerFile)
		if err != nil {
			d.tokenizerErr = fmt.Errorf("failed to load tokenizer: %w", err)
			return
		}
		d.tokenizer = tk
	})
	return d.tokenizerErr
}

// loadLanguages parses languages.json once and caches the thresholds.
func (d *ONNXDetector) loadLanguages() error {
	d.languagesOnce.Do(func() {
		langFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, "languages.json")
		file, err := os.Open(langFile)
		if err != nil {
			d.languagesErr = fmt.Errorf("failed to open languages.json: %w", err)
			return
		}
		defer file.Close()

		var cfg map[string]float64
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			d.languagesErr = fmt.Errorf("failed to decode languages.json: %w", err)
			return
		}
		d.languages = cfg
	})
	return d.languagesErr
}

// tokenizeChat formats the chat context with the model's chat template and
// tokenizes it, keeping the most recent maxContextTokens tokens.
func (d *ONNXDetector) tokenizeChat(chatCtx ChatContext) ([]int32, error) {
	chatText := formatChatForTokenization(chatCtx.Messages)

	encoding, err := d.tokenizer.EncodeSingle(chatText, false)
	if err != nil {
		return nil, err
	}

	tokenIds := encoding.GetIds()
	if len(tokenIds) > maxContextTokens {
		tokenIds = tokenIds[len(tokenIds)-maxContextTokens:]
	}

	result := make([]int32, len(tokenIds))
	for i, id := range tokenIds {
		result[i] = int32(id)
	}
	return result, nil
}

// formatChatForTokenization applies the model's chat template:
// <|im_start|><|role|>content<|im_end|> per message, most recent
// maxContextMessages messages only.
func formatChatForTokenization(messages []llm.Message) string {
	if len(messages) > maxContextMessages {
		messages = messages[len(messages)-maxContextMessages:]
	}

	var formatted string
	for _, msg := range messages {
		formatted += fmt.Sprintf("<|im_start|><|%s|>%s<|im_end|>", string(msg.Role), msg.Content)
	}
	return formatted
}

// runInference executes the ONNX model and returns the EOU probability.
// The model takes variable-length input, so a session is created per call
// with tensors shaped to this request.
func (d *ONNXDetector) runInference(ctx context.Context, tokens []int32) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	seqLen := len(tokens)
	if seqLen == 0 {
		return 0.5, nil // neutral probability for empty input
	}

	inputData := make([]float32, seqLen)
	for i, token := range tokens {
		inputData[i] = float32(token)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, 1)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return 0, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(max(1, runtime.NumCPU()/2)); err != nil {
		return 0, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return 0, fmt.Errorf("failed to set inter-op threads: %w", err)
	}
	if err := options.AddSessionConfigEntry("session.dynamic_block_base", "4"); err != nil {
		return 0, fmt.Errorf("failed to set session.dynamic_block_base: %w", err)
	}

	modelFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, modelFileRel)
	session, err := ort.NewSession[float32](
		modelFile,
		[]string{"input_ids"},
		[]string{"logits"},
		[]*ort.Tensor[float32]{inputTensor},
		[]*ort.Tensor[float32]{outputTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return 0, fmt.Errorf("ONNX inference failed: %w", err)
	}

	outputData := outputTensor.GetData()
	if len(outputData) == 0 {
		return 0, fmt.Errorf("empty output tensor")
	}

	prob := float64(outputData[0])
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// getDefaultModelPath returns the default directory for storing models.
func getDefaultModelPath() string {
	if path := os.Getenv("VOICE_AGENTS_MODEL_PATH"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/voice-agents-models"
	}
	return filepath.Join(homeDir, ".voice-agents", "models")
}
