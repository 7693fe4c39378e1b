package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-agents-go/pkg/ai"
	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
)

const defaultChatModel = "gpt-4o-mini"

// ChatLLM generates responses through the chat completions API.
type ChatLLM struct {
	client *openai.Client
	model  string
	retry  ai.RetryConfig
	log    *slog.Logger

	mu      sync.Mutex
	current *chatStream
}

var _ llm.LLM = (*ChatLLM)(nil)

// NewChatLLM creates a chat completions provider. The model defaults to
// gpt-4o-mini.
func NewChatLLM(cfg Config) (*ChatLLM, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
	}

	return &ChatLLM{
		client: cfg.newClient(),
		model:  cfg.Model,
		retry:  ai.DefaultRetryConfig,
		log:    slog.Default().With(slog.String("component", "openai-llm")),
	}, nil
}

// Chat performs a blocking completion.
func (l *ChatLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	resp, err := l.client.CreateChatCompletion(ctx, l.buildRequest(req, false))
	if err != nil {
		return llm.ChatResponse{}, classifyErr("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	out := llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		out.FunctionCall = &llm.FunctionCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			CallID:    tc.ID,
		}
	}

	l.log.Debug("chat completion finished",
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

// ChatStream opens a streaming completion, retrying recoverable open
// failures with backoff. The returned stream is tracked so CancelCurrent
// can abandon it on barge-in.
func (l *ChatLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	var apiStream *openai.ChatCompletionStream
	err := ai.Retry(ctx, l.retry, func(ctx context.Context) error {
		var err error
		apiStream, err = l.client.CreateChatCompletionStream(ctx, l.buildRequest(req, true))
		if err != nil {
			return classifyErr("open chat stream", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &chatStream{
		api:    apiStream,
		chunks: make(chan llm.ChatChunk, 8),
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.current = s
	l.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

// CancelCurrent closes the most recently opened stream.
func (l *ChatLLM) CancelCurrent() {
	l.mu.Lock()
	s := l.current
	l.current = nil
	l.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Capabilities returns the provider capabilities.
func (l *ChatLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		SupportsStreaming:  true,
		MaxTokens:          128000,
		SupportedModels:    []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"},
		SupportsSystemRole: true,
	}
}

func (l *ChatLLM) buildRequest(req llm.ChatRequest, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       l.model,
		Messages:    toMessages(req.Context),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       toTools(req.Functions),
		Stream:      stream,
	}
}

// toMessages flattens a chat context into the wire format. Function calls
// become assistant tool calls, outputs become tool-role messages, so the
// model sees the same call/result pairing it produced.
func toMessages(chatCtx *llm.ChatContext) []openai.ChatCompletionMessage {
	if chatCtx == nil {
		return nil
	}

	items := chatCtx.Items()
	out := make([]openai.ChatCompletionMessage, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case llm.ItemMessage:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(it.Role),
				Content: it.Text(),
				Name:    it.Name,
			})
		case llm.ItemFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   it.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      it.Name,
						Arguments: it.Arguments,
					},
				}},
			})
		case llm.ItemFunctionCallOutput:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    it.Output,
				ToolCallID: it.CallID,
			})
		}
	}
	return out
}

func toTools(fns []llm.FunctionDefinition) []openai.Tool {
	if len(fns) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(fns))
	for i, fn := range fns {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		}
	}
	return tools
}

// chatStream adapts the SSE completion stream to llm.ChatStream. Tool-call
// arguments arrive as fragments, so they accumulate per index and are
// emitted as whole calls when the model reports a finish reason.
type chatStream struct {
	api       *openai.ChatCompletionStream
	chunks    chan llm.ChatChunk
	done      chan struct{}
	closeOnce sync.Once
}

func (s *chatStream) Chunks() <-chan llm.ChatChunk { return s.chunks }

func (s *chatStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.api.Close()
	})
	return nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (s *chatStream) run(ctx context.Context) {
	defer close(s.chunks)

	var pending []*pendingCall

	for {
		resp, err := s.api.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// A receive error after Close means the consumer abandoned the
			// stream, not that the model failed.
			select {
			case <-s.done:
				return
			default:
			}
			s.emit(ctx, llm.ChatChunk{Err: classifyErr("chat stream", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(pending) <= idx {
				pending = append(pending, &pendingCall{})
			}
			p := pending[idx]
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}

		if choice.Delta.Content != "" {
			if !s.emit(ctx, llm.ChatChunk{Delta: choice.Delta.Content}) {
				return
			}
		}

		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			for _, p := range pending {
				ok := s.emit(ctx, llm.ChatChunk{
					FunctionCall: &llm.FunctionCall{
						Name:      p.name,
						Arguments: p.args.String(),
						CallID:    p.id,
					},
					FinishReason: reason,
				})
				if !ok {
					return
				}
			}
			if len(pending) == 0 {
				s.emit(ctx, llm.ChatChunk{FinishReason: reason})
			}
			return
		}
	}
}

func (s *chatStream) emit(ctx context.Context, chunk llm.ChatChunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
