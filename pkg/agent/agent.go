// Package agent defines what a voice assistant is: a name, standing
// instructions, a conversation history, and the tools the model may call
// while producing a response. An Agent carries no media machinery of its
// own; a pipeline executes it.
package agent

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chriscow/voice-agents-go/pkg/ai/llm"
	"github.com/chriscow/voice-agents-go/pkg/pipeline"
)

// Handler runs a tool call. arguments is the raw JSON argument string from
// the model; the returned string goes back to the model verbatim.
type Handler func(ctx context.Context, arguments string) (string, error)

// Tool pairs the function definition advertised to the model with the code
// that runs when the model calls it.
type Tool struct {
	Definition llm.FunctionDefinition
	Handler    Handler
}

// Metrics holds per-tool usage counters in expvar form so applications can
// publish them on a debug endpoint.
type Metrics struct {
	ToolCalls    *expvar.Map
	ToolFailures *expvar.Map
}

// newMetrics builds unregistered expvar values so multiple agents can live
// in one process without name collisions.
func newMetrics() *Metrics {
	return &Metrics{
		ToolCalls:    new(expvar.Map).Init(),
		ToolFailures: new(expvar.Map).Init(),
	}
}

// Config describes an agent.
type Config struct {
	// Name identifies the agent in logs and worker registration.
	Name string
	// Instructions become the leading system message of a fresh chat.
	Instructions string
	Tools        []Tool
	// Chat is the conversation history. A new context is created when nil.
	Chat   *llm.ChatContext
	Logger *slog.Logger
}

// Agent is a voice assistant definition. It satisfies pipeline.ToolSource,
// so wiring an agent into a pipeline gives the model its tools.
type Agent struct {
	name         string
	instructions string
	log          *slog.Logger
	chat         *llm.ChatContext
	metrics      *Metrics

	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

var _ pipeline.ToolSource = (*Agent)(nil)

// New builds an agent. When Instructions is set and the chat history is
// empty, the instructions are seeded as the system message.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Chat == nil {
		cfg.Chat = llm.NewChatContext()
	}
	if cfg.Instructions != "" && cfg.Chat.Len() == 0 {
		cfg.Chat.AppendMessage(llm.RoleSystem, cfg.Instructions)
	}

	a := &Agent{
		name:         cfg.Name,
		instructions: cfg.Instructions,
		log:          cfg.Logger.With(slog.String("agent", cfg.Name)),
		chat:         cfg.Chat,
		metrics:      newMetrics(),
		tools:        make(map[string]Tool),
	}
	for _, t := range cfg.Tools {
		if err := a.RegisterTool(t); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Instructions returns the agent's standing instructions.
func (a *Agent) Instructions() string { return a.instructions }

// Chat returns the agent's conversation history. The pipeline appends to it
// as turns complete; share it with pipeline.Config.Chat.
func (a *Agent) Chat() *llm.ChatContext { return a.chat }

// Metrics returns the agent's tool usage counters.
func (a *Agent) Metrics() *Metrics { return a.metrics }

// RegisterTool adds a tool. Names must be unique per agent.
func (a *Agent) RegisterTool(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("tool definition needs a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q needs a handler", t.Definition.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tools[t.Definition.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Definition.Name)
	}
	a.tools[t.Definition.Name] = t
	a.order = append(a.order, t.Definition.Name)
	return nil
}

// Definitions returns the advertised tool definitions in registration order.
func (a *Agent) Definitions() []llm.FunctionDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	defs := make([]llm.FunctionDefinition, 0, len(a.order))
	for _, name := range a.order {
		defs = append(defs, a.tools[name].Definition)
	}
	return defs
}

// Execute runs the named tool. A panicking handler is recovered and reported
// as an error so one bad tool cannot take the response loop down.
func (a *Agent) Execute(ctx context.Context, name, arguments string) (result string, err error) {
	a.mu.RLock()
	tool, ok := a.tools[name]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	a.metrics.ToolCalls.Add(name, 1)
	defer func() {
		if r := recover(); r != nil {
			a.metrics.ToolFailures.Add(name, 1)
			a.log.Error("tool handler panicked", "tool", name, "panic", r)
			err = fmt.Errorf("tool %q panicked: %v", name, r)
		}
	}()

	result, err = tool.Handler(ctx, arguments)
	if err != nil {
		a.metrics.ToolFailures.Add(name, 1)
		return "", err
	}
	return result, nil
}
