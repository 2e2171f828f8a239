// Package agent binds memory, tools, the LLM gateway and a reasoning
// strategy into one conversational agent. Agents optionally share an
// MCP server pool and collaborate through a manager-provided messenger.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/mcp"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/observability"
	"github.com/quorumhq/quorum/pkg/reasoning"
	"github.com/quorumhq/quorum/pkg/tools"
	"github.com/quorumhq/quorum/pkg/utils"
)

const (
	userApology        = "I'm sorry, something went wrong"
	historyTokenBudget = 8000
)

// ErrAgentBusy rejects a task request while the agent is mid-task.
var ErrAgentBusy = errors.New("agent is busy")

// Capabilities is the snapshot the manager records per agent.
type Capabilities struct {
	Tools []string `json:"tools"`
	Mode  string   `json:"mode"`
}

// Agent owns its memory store, tool registry and conversation history.
// Those are private to the agent; other agents reach it only through
// messages.
type Agent struct {
	name string
	role string
	cfg  *config.Config

	memory   *memory.Store
	registry *tools.ToolRegistry
	selector *tools.Selector
	llm      llms.LLM
	strategy reasoning.Strategy
	counter  *utils.TokenCounter

	pool *mcp.Pool

	mu          sync.Mutex
	history     []llms.Message
	currentTask string
	messenger   Messenger
}

// New builds an agent from config. The LLM gateway is injected so tests
// can script it.
func New(cfg *config.Config, llm llms.LLM) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if llm == nil {
		return nil, fmt.Errorf("agent %q: llm gateway is required", cfg.AgentName)
	}

	strategy, err := reasoning.NewStrategy(cfg)
	if err != nil {
		return nil, err
	}

	counter, err := utils.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		slog.Warn("Token counter unavailable, using estimates", "error", err)
		counter = nil
	}

	registry := tools.NewToolRegistry()
	selector := tools.NewSelector(0)
	registry.SetUsageObserver(selector)

	return &Agent{
		name: cfg.AgentName,
		role: cfg.AgentRole,
		cfg:  cfg,
		memory: memory.NewStore(memory.StoreConfig{
			TTL:     cfg.MemoryTTL,
			MaxSize: cfg.MaxMemorySize,
		}),
		registry: registry,
		selector: selector,
		llm:      llm,
		strategy: strategy,
		counter:  counter,
	}, nil
}

func (a *Agent) Name() string { return a.name }

func (a *Agent) Role() string { return a.role }

// Memory exposes the agent's own store, for inspection and shutdown.
func (a *Agent) Memory() *memory.Store { return a.memory }

// Tools exposes the agent's own registry for registering built-ins.
func (a *Agent) Tools() *tools.ToolRegistry { return a.registry }

// Selector exposes the usage-ranked tool selector.
func (a *Agent) Selector() *tools.Selector { return a.selector }

// SetServerPool attaches a shared MCP pool. The agent's registry is
// bound so mirrored tools appear in its catalog.
func (a *Agent) SetServerPool(pool *mcp.Pool) {
	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()
	pool.BindRegistry(a.registry)
}

// IsBusy reports whether a task is currently in flight.
func (a *Agent) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask != ""
}

// Capabilities snapshots the tool catalog and reasoning mode.
func (a *Agent) Capabilities() Capabilities {
	caps := Capabilities{Mode: a.strategy.Name()}
	for _, info := range a.registry.ListTools() {
		caps.Tools = append(caps.Tools, info.Name)
	}
	return caps
}

// History returns the conversation history windowed to the token budget.
func (a *Agent) History() []llms.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowedHistoryLocked()
}

func (a *Agent) windowedHistoryLocked() []llms.Message {
	counted := make([]utils.Message, len(a.history))
	for i, msg := range a.history {
		counted[i] = utils.Message{Role: msg.Role, Content: msg.Content}
	}
	fitted := a.counter.FitWithinLimit(counted, historyTokenBudget)

	windowed := make([]llms.Message, len(fitted))
	for i, msg := range fitted {
		windowed[i] = llms.Message{Role: msg.Role, Content: msg.Content}
	}
	return windowed
}

// ProcessInput runs one full turn: record the input, refresh the MCP
// tool mirror, run the reasoning strategy under the task timeout, and
// record the response.
func (a *Agent) ProcessInput(ctx context.Context, input string, extra map[string]interface{}) (string, error) {
	tracer := observability.GetTracer("quorum.agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentCall,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentName, a.name),
			attribute.String(observability.AttrReasoningMode, a.strategy.Name()),
		),
	)
	defer span.End()
	startTime := time.Now()

	a.mu.Lock()
	if a.currentTask != "" {
		a.mu.Unlock()
		span.SetStatus(codes.Error, "busy")
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, a.name)
	}
	a.currentTask = input
	a.history = append(a.history, llms.Message{Role: llms.RoleUser, Content: input})
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.currentTask = ""
		a.mu.Unlock()
	}()

	_, _ = a.memory.Add(memory.KindConversation, map[string]interface{}{
		"input": input,
		"role":  llms.RoleUser,
	})

	a.RefreshMCPTools()
	a.selector.Cleanup()

	runCtx := ctx
	if a.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.TaskTimeout)
		defer cancel()
	}

	runTrace, err := a.strategy.Run(runCtx, reasoning.RunContext{
		Input:     input,
		Context:   extra,
		AgentName: a.name,
		AgentRole: a.role,
		Memory:    a.memory,
		Tools:     a.registry,
		Selector:  a.selector,
		LLM:       a.llm,
	})
	observability.GetGlobalMetrics().RecordAgentCall(ctx, a.name, time.Since(startTime), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, reasoning.ErrCancelled) {
			return "", err
		}
		return fmt.Sprintf("%s: %v", userApology, err), err
	}

	answer := runTrace.FinalAnswer

	a.mu.Lock()
	a.history = append(a.history, llms.Message{Role: llms.RoleAssistant, Content: answer})
	a.mu.Unlock()

	_, _ = a.memory.Add(memory.KindConversation, map[string]interface{}{
		"input": answer,
		"role":  llms.RoleAssistant,
	})

	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// RefreshMCPTools re-mirrors the pool's current tool set into the
// agent's registry, dropping wrappers for servers that disappeared.
func (a *Agent) RefreshMCPTools() {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool == nil {
		return
	}

	// Sync the selector's server health view so tools mirrored from a
	// failed server rank below healthy ones.
	for _, server := range pool.Stats().Servers {
		a.selector.SetServerFailed(server.ID, server.State == mcp.StateFailed)
	}

	current := pool.AllTools()
	live := make(map[string]bool, len(current))
	for _, info := range current {
		if info.MCP != nil {
			live[info.MCP.ServerID] = true
		}
	}

	// Drop wrappers whose server is gone or disconnected.
	stale := make(map[string]bool)
	for _, info := range a.registry.ListTools() {
		if info.MCP != nil && !live[info.MCP.ServerID] {
			stale[info.MCP.ServerID] = true
		}
	}
	for serverID := range stale {
		a.registry.RemoveServerTools(serverID)
	}

	for _, info := range current {
		mirrored := info
		wrapper := tools.NewFuncTool(mirrored, func(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
			return pool.ExecuteTool(ctx, mirrored.Name, args)
		})
		if err := a.registry.ReplaceTool(wrapper); err != nil {
			slog.Warn("Skipping MCP tool during refresh", "tool", info.Name, "error", err)
		}
	}
}

// EnableCollaboration wires the agent to the manager's message bus.
func (a *Agent) EnableCollaboration(messenger Messenger) {
	a.mu.Lock()
	a.messenger = messenger
	a.mu.Unlock()
}

// SendMessage sends a direct message through the messenger.
func (a *Agent) SendMessage(ctx context.Context, to, content string, kind MessageKind) error {
	messenger := a.currentMessenger()
	if messenger == nil {
		return fmt.Errorf("agent %s: collaboration not enabled", a.name)
	}
	return messenger.SendMessage(ctx, a.name, to, content, kind)
}

// Broadcast sends to every other agent through the messenger.
func (a *Agent) Broadcast(ctx context.Context, content string, kind MessageKind) error {
	messenger := a.currentMessenger()
	if messenger == nil {
		return fmt.Errorf("agent %s: collaboration not enabled", a.name)
	}
	return messenger.Broadcast(ctx, a.name, content, kind)
}

func (a *Agent) currentMessenger() Messenger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messenger
}

// OnMessage dispatches one incoming message. A task request is accepted
// only when the agent is idle; it becomes a full ProcessInput call and
// the result is sent back as a task response. Every other kind is
// recorded in collaboration memory.
func (a *Agent) OnMessage(ctx context.Context, msg Message) error {
	if msg.Kind != MessageTaskRequest {
		_, _ = a.memory.Add(memory.KindCollaboration, map[string]interface{}{
			"message": msg.Content,
			"from":    msg.From,
			"kind":    string(msg.Kind),
		})
		return nil
	}

	if a.IsBusy() {
		_, _ = a.memory.Add(memory.KindCollaboration, map[string]interface{}{
			"message": msg.Content,
			"from":    msg.From,
			"kind":    string(msg.Kind),
			"note":    "declined, agent busy",
		})
		return fmt.Errorf("%w: %s", ErrAgentBusy, a.name)
	}

	result, err := a.ProcessInput(ctx, msg.Content, map[string]interface{}{
		"requested_by": msg.From,
	})
	if err != nil {
		result = fmt.Sprintf("%s: %v", userApology, err)
	}

	if messenger := a.currentMessenger(); messenger != nil {
		if sendErr := messenger.SendMessage(ctx, a.name, msg.From, result, MessageTaskResponse); sendErr != nil {
			slog.Warn("Task response delivery failed", "agent", a.name, "to", msg.From, "error", sendErr)
		}
	}
	return err
}

// Close releases the agent's owned resources.
func (a *Agent) Close() {
	a.memory.Close()
}
