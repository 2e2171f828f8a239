package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/mcp"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/reasoning"
	"github.com/quorumhq/quorum/pkg/tools"
)

// scriptedLLM replays canned responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (m *scriptedLLM) Generate(ctx context.Context, prompt string, opts llms.GenerateOptions) (llms.Result, error) {
	if ctx.Err() != nil {
		return llms.Result{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < 0 {
		return llms.Result{}, fmt.Errorf("%w: no script", llms.ErrLLMUnavailable)
	}
	return llms.Result{Content: m.responses[idx], Model: "scripted", FinishReason: "stop"}, nil
}

func (m *scriptedLLM) GenerateStreaming(ctx context.Context, prompt string, opts llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	result, err := m.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan llms.StreamChunk, 1)
	out <- llms.StreamChunk{Final: &result}
	close(out)
	return out, nil
}

func (m *scriptedLLM) ModelName() string { return "scripted" }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AgentName = "tester"
	cfg.AgentRole = "a test assistant"
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func newTestAgent(t *testing.T, llm llms.LLM) *Agent {
	t.Helper()
	a, err := New(testConfig(), llm)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func registerCalculator(t *testing.T, a *Agent) {
	t.Helper()
	err := a.Tools().RegisterTool(tools.NewFuncTool(tools.ToolInfo{
		Name:        "calculator",
		Description: "evaluates arithmetic expressions",
		Parameters: []tools.ToolParameter{
			{Name: "expression", Type: "string", Description: "expression", Required: true},
		},
	}, func(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
		if args["expression"] == "15*23+7" {
			return tools.ToolResult{Success: true, Content: "352"}, nil
		}
		return tools.ToolResult{Success: false, Error: "unsupported expression"}, nil
	}))
	if err != nil {
		t.Fatalf("RegisterTool() error = %v", err)
	}
}

func TestAgent_ProcessInputWithToolCall(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "compute it", "action": "calculator", "args": {"expression": "15*23+7"}}`,
		`{"reasoning": "done", "finalAnswer": "The result is 352."}`,
	}}
	a := newTestAgent(t, llm)
	registerCalculator(t, a)

	answer, err := a.ProcessInput(context.Background(), "calculate 15*23+7", nil)
	if err != nil {
		t.Fatalf("ProcessInput() error = %v", err)
	}
	if answer != "The result is 352." {
		t.Errorf("answer = %q", answer)
	}

	// History holds the user turn then the assistant turn.
	history := a.History()
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Role != llms.RoleUser || history[1].Role != llms.RoleAssistant {
		t.Errorf("history roles = %q, %q", history[0].Role, history[1].Role)
	}

	// Memory ordering: user conversation, reasoning trace, assistant
	// conversation.
	conv := a.Memory().GetByKind(memory.KindConversation)
	if len(conv) != 2 {
		t.Errorf("conversation entries = %d, want 2", len(conv))
	}
	if traces := a.Memory().GetByKind(memory.KindReasoning); len(traces) != 1 {
		t.Errorf("reasoning entries = %d, want 1", len(traces))
	}

	if a.IsBusy() {
		t.Error("agent still busy after completion")
	}
}

func TestAgent_MissingToolApology(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "need a translator", "action": "translator", "args": {"text": "hola"}}`,
		`{"reasoning": "no such tool", "finalAnswer": "I'm sorry, I don't have a translation tool available."}`,
	}}
	a := newTestAgent(t, llm)
	registerCalculator(t, a)

	answer, err := a.ProcessInput(context.Background(), "translate hola to english", nil)
	if err != nil {
		t.Fatalf("ProcessInput() error = %v", err)
	}
	if !strings.Contains(answer, "sorry") {
		t.Errorf("answer = %q, want an apology", answer)
	}
}

func TestAgent_CancellationPropagates(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "working", "action": "calculator", "args": {"expression": "15*23+7"}}`,
	}}
	a := newTestAgent(t, llm)
	registerCalculator(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ProcessInput(ctx, "slow task", nil)
	if !errors.Is(err, reasoning.ErrCancelled) {
		t.Fatalf("ProcessInput() error = %v, want ErrCancelled", err)
	}

	// No assistant turn and no reasoning trace are persisted.
	if traces := a.Memory().GetByKind(memory.KindReasoning); len(traces) != 0 {
		t.Errorf("reasoning entries = %d, want 0", len(traces))
	}
	for _, msg := range a.History() {
		if msg.Role == llms.RoleAssistant {
			t.Error("assistant turn persisted for cancelled task")
		}
	}
	if a.IsBusy() {
		t.Error("agent stuck busy after cancellation")
	}
}

func TestAgent_BusyRejectsConcurrentTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	a := newTestAgent(t, &scriptedLLM{responses: []string{
		`{"reasoning": "quick", "finalAnswer": "done"}`,
	}})
	blocker := tools.NewFuncTool(tools.ToolInfo{
		Name:        "blocker",
		Description: "blocks until released",
	}, func(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
		close(started)
		<-release
		return tools.ToolResult{Success: true, Content: "released"}, nil
	})
	if err := a.Tools().RegisterTool(blocker); err != nil {
		t.Fatalf("RegisterTool() error = %v", err)
	}
	a.llm = &scriptedLLM{responses: []string{
		`{"reasoning": "block", "action": "blocker", "args": {}}`,
		`{"reasoning": "done", "finalAnswer": "finished"}`,
	}}

	done := make(chan error, 1)
	go func() {
		_, err := a.ProcessInput(context.Background(), "first task", nil)
		done <- err
	}()

	<-started
	if _, err := a.ProcessInput(context.Background(), "second task", nil); !errors.Is(err, ErrAgentBusy) {
		t.Errorf("concurrent ProcessInput() error = %v, want ErrAgentBusy", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Errorf("first task error = %v", err)
	}
}

type recordingMessenger struct {
	mu       sync.Mutex
	messages []Message
}

func (m *recordingMessenger) SendMessage(ctx context.Context, from, to, content string, kind MessageKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{From: from, To: to, Content: content, Kind: kind})
	return nil
}

func (m *recordingMessenger) Broadcast(ctx context.Context, from, content string, kind MessageKind) error {
	return m.SendMessage(ctx, from, BroadcastTarget, content, kind)
}

func TestAgent_OnMessageTaskRequest(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "simple", "finalAnswer": "subtask done"}`,
	}}
	a := newTestAgent(t, llm)

	bus := &recordingMessenger{}
	a.EnableCollaboration(bus)

	err := a.OnMessage(context.Background(), Message{
		From:    "coordinator",
		To:      a.Name(),
		Kind:    MessageTaskRequest,
		Content: "handle this subtask",
	})
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.messages) != 1 {
		t.Fatalf("responses sent = %d, want 1", len(bus.messages))
	}
	reply := bus.messages[0]
	if reply.Kind != MessageTaskResponse || reply.To != "coordinator" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Content != "subtask done" {
		t.Errorf("reply content = %q", reply.Content)
	}
}

func TestAgent_OnMessageOtherKindsRecorded(t *testing.T) {
	a := newTestAgent(t, &scriptedLLM{})

	err := a.OnMessage(context.Background(), Message{
		From:    "peer",
		Kind:    MessageDataShare,
		Content: "dataset ready at /tmp/x",
	})
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}

	entries := a.Memory().GetByKind(memory.KindCollaboration)
	if len(entries) != 1 {
		t.Fatalf("collaboration entries = %d, want 1", len(entries))
	}
	if entries[0].Payload["from"] != "peer" {
		t.Errorf("payload = %v", entries[0].Payload)
	}
}

func TestAgent_OnMessageBusyDeclines(t *testing.T) {
	a := newTestAgent(t, &scriptedLLM{})
	a.mu.Lock()
	a.currentTask = "occupied"
	a.mu.Unlock()

	err := a.OnMessage(context.Background(), Message{
		From: "coordinator", Kind: MessageTaskRequest, Content: "extra work",
	})
	if !errors.Is(err, ErrAgentBusy) {
		t.Errorf("OnMessage() error = %v, want ErrAgentBusy", err)
	}
	if entries := a.Memory().GetByKind(memory.KindCollaboration); len(entries) != 1 {
		t.Errorf("declined request not recorded")
	}
}

func TestAgent_RefreshMCPTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		write := func(result interface{}) {
			payload, _ := json.Marshal(result)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(payload),
			})
		}
		switch req.Method {
		case "initialize":
			write(map[string]interface{}{"protocolVersion": mcp.ProtocolVersion})
		case "tools/list":
			write(map[string]interface{}{"tools": []map[string]interface{}{
				{"name": "maps_weather", "description": "weather lookup"},
			}})
		case "tools/call":
			write(map[string]interface{}{"content": []map[string]string{
				{"type": "text", "text": "sunny"},
			}})
		default:
			write(map[string]interface{}{})
		}
	}))
	defer server.Close()

	pool := mcp.NewPool(mcp.PoolConfig{RetryDelay: time.Hour})
	defer pool.Close()

	a := newTestAgent(t, &scriptedLLM{responses: []string{
		`{"reasoning": "check weather", "action": "amap:maps_weather", "args": {"city": "Paris"}}`,
		`{"reasoning": "done", "finalAnswer": "It is sunny."}`,
	}})
	a.SetServerPool(pool)

	if err := pool.AddServer(context.Background(), mcp.ServerConfig{ID: "amap", URL: server.URL}); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}

	answer, err := a.ProcessInput(context.Background(), "weather in Paris", nil)
	if err != nil {
		t.Fatalf("ProcessInput() error = %v", err)
	}
	if answer != "It is sunny." {
		t.Errorf("answer = %q", answer)
	}

	// The mirrored tool is visible in the agent's catalog.
	if _, err := a.Tools().GetTool("amap:maps_weather"); err != nil {
		t.Errorf("mirrored tool missing: %v", err)
	}

	// After server removal the next turn no longer sees the wrapper.
	_ = pool.RemoveServer("amap")
	a.RefreshMCPTools()
	if _, err := a.Tools().GetTool("amap:maps_weather"); err == nil {
		t.Error("stale wrapper survived refresh")
	}
}

func TestAgent_CapabilitiesSnapshot(t *testing.T) {
	a := newTestAgent(t, &scriptedLLM{})
	registerCalculator(t, a)

	caps := a.Capabilities()
	if caps.Mode != "react" {
		t.Errorf("Mode = %q", caps.Mode)
	}
	if len(caps.Tools) != 1 || caps.Tools[0] != "calculator" {
		t.Errorf("Tools = %v", caps.Tools)
	}
}

func TestAgent_ToolUsageFeedsSelector(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "compute it", "action": "calculator", "args": {"expression": "15*23+7"}}`,
		`{"reasoning": "retry", "action": "calculator", "args": {"expression": "1/0"}}`,
		`{"reasoning": "done", "finalAnswer": "The result is 352."}`,
	}}
	a := newTestAgent(t, llm)
	registerCalculator(t, a)

	if _, err := a.ProcessInput(context.Background(), "calculate 15*23+7", nil); err != nil {
		t.Fatalf("ProcessInput() error = %v", err)
	}

	stats := a.Selector().UsageStats()
	calc, recorded := stats["calculator"]
	if !recorded {
		t.Fatal("calculator usage never reached the selector")
	}
	if calc.TotalCount != 2 || calc.SuccessCount != 1 {
		t.Errorf("calculator usage = %+v, want 2 total with 1 success", calc)
	}
}

func TestAgent_RefreshFlagsFailedServers(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusNotFound)
	}))
	defer failing.Close()

	a := newTestAgent(t, &scriptedLLM{})
	pool := mcp.NewPool(mcp.PoolConfig{RetryDelay: time.Hour})
	t.Cleanup(pool.Close)
	a.SetServerPool(pool)

	_ = pool.AddServer(context.Background(), mcp.ServerConfig{ID: "downed", URL: failing.URL})
	a.RefreshMCPTools()

	// A tool mirrored from the failed server ranks below a healthy one
	// even when both match the task equally well.
	candidates := []tools.ToolInfo{
		{
			Name:        "downed:maps_weather",
			Description: "weather forecast",
			MCP:         &tools.MCPMetadata{ServerID: "downed", OriginalName: "maps_weather"},
		},
		{Name: "weather_lookup", Description: "weather forecast"},
	}
	ranked := a.Selector().Select("weather forecast", candidates)
	if len(ranked) != 2 {
		t.Fatalf("ranked candidates = %d, want 2", len(ranked))
	}
	if ranked[0].Info.Name != "weather_lookup" {
		t.Errorf("first ranked = %q, want weather_lookup", ranked[0].Info.Name)
	}
	if ranked[1].Priority >= 0 {
		t.Errorf("failed server tool priority = %v, want negative", ranked[1].Priority)
	}
}
