package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/tools"
)

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	defaultMaxConnections = 10
	defaultRetryAttempts  = 3
	defaultRetryDelay     = 5 * time.Second
	eventBufferSize       = 64
)

type serverEntry struct {
	config    ServerConfig
	transport *Transport
	state     ServerState

	tools     []ToolSpec
	resources []ResourceSpec
	prompts   []PromptSpec

	errorCount      int
	retriesLeft     int
	lastConnectedAt time.Time
	retryTimer      *time.Timer
}

// PoolConfig tunes the server pool.
type PoolConfig struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// Pool owns the lifecycle of every configured MCP server and mirrors
// discovered tools into bound tool registries under the id
// "<server_id>:<tool_name>". It is shared read-write across agents.
type Pool struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry

	maxConnections int
	connTimeout    time.Duration
	retryAttempts  int
	retryDelay     time.Duration

	registries []*tools.ToolRegistry

	eventMu sync.Mutex
	events  chan Event

	closed bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Pool{
		servers:        make(map[string]*serverEntry),
		maxConnections: cfg.MaxConnections,
		connTimeout:    cfg.ConnectionTimeout,
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		events:         make(chan Event, eventBufferSize),
	}
}

// BindRegistry attaches a tool registry that will receive mirrored
// wrappers for every connected server, current and future.
func (p *Pool) BindRegistry(reg *tools.ToolRegistry) {
	p.mu.Lock()
	p.registries = append(p.registries, reg)
	servers := p.connectedEntriesLocked()
	p.mu.Unlock()

	for _, entry := range servers {
		p.mirrorTools(reg, entry.config, entry.tools)
	}
}

// Events exposes the ordered pool event stream.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// emit delivers an event in order. A full buffer drops the event rather
// than blocking pool operations.
func (p *Pool) emit(eventType EventType, serverID string, err error) {
	p.eventMu.Lock()
	defer p.eventMu.Unlock()

	event := Event{Type: eventType, ServerID: serverID, Err: err, Time: time.Now()}
	select {
	case p.events <- event:
	default:
		slog.Warn("MCP event dropped, buffer full", "type", eventType, "server", serverID)
	}
}

func validateServerConfig(cfg ServerConfig) error {
	if !serverIDPattern.MatchString(cfg.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidServerConfig, cfg.ID, serverIDPattern)
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidServerConfig, cfg.URL)
	}
	if cfg.Transport != "" && cfg.Transport != TransportStandard && cfg.Transport != TransportStreamableHTTP {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidServerConfig, cfg.Transport)
	}
	return nil
}

// AddServer registers and connects a server. The call returns after the
// first connection attempt; failures schedule background retries.
func (p *Pool) AddServer(ctx context.Context, cfg ServerConfig) error {
	if err := validateServerConfig(cfg); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool is closed")
	}
	if _, exists := p.servers[cfg.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateServer, cfg.ID)
	}
	if len(p.servers) >= p.maxConnections {
		p.mu.Unlock()
		return fmt.Errorf("%w: max %d", ErrMaxConnections, p.maxConnections)
	}

	entry := &serverEntry{
		config:      cfg,
		transport:   NewTransport(cfg, p.connTimeout),
		state:       StateConnecting,
		retriesLeft: p.retryAttempts,
	}
	p.servers[cfg.ID] = entry
	p.mu.Unlock()

	return p.connect(ctx, cfg.ID)
}

// connect runs the handshake and capability mirror for one server.
func (p *Pool) connect(ctx context.Context, serverID string) error {
	p.mu.RLock()
	entry, exists := p.servers[serverID]
	p.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	transport := entry.transport
	if _, err := transport.Initialize(ctx); err != nil {
		p.markFailed(serverID, err)
		return err
	}

	toolSpecs, err := transport.ListTools(ctx)
	if err != nil {
		p.markFailed(serverID, err)
		return err
	}

	// Resources and prompts are optional; servers without them answer
	// with an error we can ignore.
	resources, err := transport.ListResources(ctx)
	if err != nil {
		resources = nil
	}
	prompts, err := transport.ListPrompts(ctx)
	if err != nil {
		prompts = nil
	}

	p.mu.Lock()
	entry, exists = p.servers[serverID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	entry.state = StateConnected
	entry.tools = toolSpecs
	entry.resources = resources
	entry.prompts = prompts
	entry.lastConnectedAt = time.Now()
	entry.retriesLeft = p.retryAttempts
	cfg := entry.config
	registries := append([]*tools.ToolRegistry(nil), p.registries...)
	p.mu.Unlock()

	for _, reg := range registries {
		reg.RemoveServerTools(serverID)
		p.mirrorTools(reg, cfg, toolSpecs)
	}

	slog.Info("MCP server connected",
		"server", serverID, "tools", len(toolSpecs), "mode", transport.Mode())
	p.emit(EventServerConnected, serverID, nil)
	p.emit(EventToolsChanged, serverID, nil)

	return nil
}

// markFailed transitions a server to failed and arms the retry timer.
func (p *Pool) markFailed(serverID string, cause error) {
	p.mu.Lock()
	entry, exists := p.servers[serverID]
	if !exists || p.closed {
		p.mu.Unlock()
		return
	}
	entry.state = StateFailed
	entry.errorCount++

	retry := entry.retriesLeft > 0
	if retry {
		entry.retriesLeft--
		delay := p.retryDelay
		entry.retryTimer = time.AfterFunc(delay, func() {
			p.retryConnect(serverID)
		})
	}
	p.mu.Unlock()

	slog.Warn("MCP server failed", "server", serverID, "error", cause, "will_retry", retry)
	p.emit(EventServerError, serverID, cause)
}

func (p *Pool) retryConnect(serverID string) {
	p.mu.Lock()
	entry, exists := p.servers[serverID]
	if !exists || p.closed || entry.state != StateFailed {
		p.mu.Unlock()
		return
	}
	entry.state = StateConnecting
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	_ = p.connect(ctx, serverID)
}

// mirrorTools inserts a wrapper per tool spec, id "<server>:<name>",
// whose execute marshals back through the transport.
func (p *Pool) mirrorTools(reg *tools.ToolRegistry, cfg ServerConfig, specs []ToolSpec) {
	for _, spec := range specs {
		info := tools.ToolInfo{
			Name:        cfg.ID + ":" + spec.Name,
			Description: spec.Description,
			Category:    "mcp",
			Parameters:  parametersFromSchema(spec.InputSchema),
			MCP: &tools.MCPMetadata{
				ServerID:     cfg.ID,
				ServerName:   cfg.Name,
				OriginalName: spec.Name,
			},
		}
		originalName := spec.Name
		wrapper := tools.NewFuncTool(info, func(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
			return p.executeRemote(ctx, cfg.ID, originalName, args)
		})

		if err := reg.ReplaceTool(wrapper); err != nil {
			slog.Warn("Skipping unregistrable MCP tool", "tool", info.Name, "error", err)
		}
	}
}

// parametersFromSchema flattens a JSON-schema object into the registry's
// parameter list.
func parametersFromSchema(schema map[string]interface{}) []tools.ToolParameter {
	if schema == nil {
		return nil
	}
	properties, _ := schema["properties"].(map[string]interface{})
	if properties == nil {
		return nil
	}

	required := make(map[string]bool)
	if list, ok := schema["required"].([]interface{}); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.ToolParameter, 0, len(names))
	for _, name := range names {
		param := tools.ToolParameter{Name: name, Required: required[name]}
		if prop, ok := properties[name].(map[string]interface{}); ok {
			param.Type, _ = prop["type"].(string)
			param.Description, _ = prop["description"].(string)
			if enum, ok := prop["enum"].([]interface{}); ok {
				for _, item := range enum {
					if value, ok := item.(string); ok {
						param.Enum = append(param.Enum, value)
					}
				}
			}
		}
		params = append(params, param)
	}
	return params
}

// ExecuteTool runs a mirrored tool identified as "<server>:<tool>".
// It fails fast when the server is not connected.
func (p *Pool) ExecuteTool(ctx context.Context, fullID string, args map[string]interface{}) (tools.ToolResult, error) {
	serverID, toolName, ok := strings.Cut(fullID, ":")
	if !ok || serverID == "" || toolName == "" {
		err := fmt.Errorf("%w: malformed tool id %q", tools.ErrToolNotFound, fullID)
		return tools.ToolResult{Success: false, Error: err.Error(), ToolName: fullID}, err
	}
	return p.executeRemote(ctx, serverID, toolName, args)
}

func (p *Pool) executeRemote(ctx context.Context, serverID, toolName string, args map[string]interface{}) (tools.ToolResult, error) {
	fullID := serverID + ":" + toolName

	p.mu.RLock()
	entry, exists := p.servers[serverID]
	var transport *Transport
	var state ServerState
	if exists {
		transport = entry.transport
		state = entry.state
	}
	p.mu.RUnlock()

	if !exists {
		err := fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
		return tools.ToolResult{Success: false, Error: err.Error(), ToolName: fullID}, err
	}
	if state != StateConnected {
		err := fmt.Errorf("%w: %s is %s", ErrServerNotConnected, serverID, state)
		return tools.ToolResult{Success: false, Error: err.Error(), ToolName: fullID}, err
	}

	startTime := time.Now()
	raw, err := transport.CallTool(ctx, toolName, args, nil)
	duration := time.Since(startTime)
	if err != nil {
		p.recordError(serverID)
		return tools.ToolResult{
			Success:       false,
			Error:         err.Error(),
			ToolName:      fullID,
			ExecutionTime: duration,
		}, err
	}

	return tools.ToolResult{
		Success:       true,
		Content:       extractContent(raw),
		Output:        json.RawMessage(raw),
		ToolName:      fullID,
		ExecutionTime: duration,
	}, nil
}

func (p *Pool) recordError(serverID string) {
	p.mu.Lock()
	if entry, exists := p.servers[serverID]; exists {
		entry.errorCount++
	}
	p.mu.Unlock()
}

// extractContent pulls the human-readable text out of a tools/call
// result, which is usually {content:[{type:"text", text:"..."}]}.
func extractContent(raw json.RawMessage) string {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		var parts []string
		for _, item := range result.Content {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(raw)
}

// RemoveServer disconnects a server and drops its mirrored tools.
func (p *Pool) RemoveServer(serverID string) error {
	p.mu.Lock()
	entry, exists := p.servers[serverID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	if entry.retryTimer != nil {
		entry.retryTimer.Stop()
	}
	delete(p.servers, serverID)
	registries := append([]*tools.ToolRegistry(nil), p.registries...)
	p.mu.Unlock()

	for _, reg := range registries {
		reg.RemoveServerTools(serverID)
	}

	slog.Info("MCP server removed", "server", serverID)
	p.emit(EventToolsChanged, serverID, nil)
	return nil
}

// ReconnectAll retries every server not currently connected.
func (p *Pool) ReconnectAll(ctx context.Context) {
	p.mu.Lock()
	var pending []string
	for id, entry := range p.servers {
		if entry.state != StateConnected {
			entry.state = StateConnecting
			entry.retriesLeft = p.retryAttempts
			pending = append(pending, id)
		}
	}
	p.mu.Unlock()

	sort.Strings(pending)
	for _, id := range pending {
		if ctx.Err() != nil {
			return
		}
		_ = p.connect(ctx, id)
	}
}

// AllTools returns the mirrored descriptors of every connected server.
func (p *Pool) AllTools() []tools.ToolInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var infos []tools.ToolInfo
	for _, entry := range p.connectedEntriesLocked() {
		for _, spec := range entry.tools {
			infos = append(infos, tools.ToolInfo{
				Name:        entry.config.ID + ":" + spec.Name,
				Description: spec.Description,
				Category:    "mcp",
				Parameters:  parametersFromSchema(spec.InputSchema),
				MCP: &tools.MCPMetadata{
					ServerID:     entry.config.ID,
					ServerName:   entry.config.Name,
					OriginalName: spec.Name,
				},
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (p *Pool) connectedEntriesLocked() []*serverEntry {
	var connected []*serverEntry
	for _, entry := range p.servers {
		if entry.state == StateConnected {
			connected = append(connected, entry)
		}
	}
	sort.Slice(connected, func(i, j int) bool {
		return connected[i].config.ID < connected[j].config.ID
	})
	return connected
}

// ServerState reports the lifecycle state of one server.
func (p *Pool) ServerState(serverID string) (ServerState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, exists := p.servers[serverID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	return entry.state, nil
}

// Stats snapshots every server.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{}
	for _, entry := range p.servers {
		serverStats := ServerStats{
			ID:              entry.config.ID,
			Name:            entry.config.Name,
			URL:             entry.config.URL,
			Transport:       entry.transport.Mode(),
			State:           entry.state,
			ToolsCount:      len(entry.tools),
			ResourcesCount:  len(entry.resources),
			PromptsCount:    len(entry.prompts),
			ErrorCount:      entry.errorCount,
			LastConnectedAt: entry.lastConnectedAt,
		}
		stats.Servers = append(stats.Servers, serverStats)

		switch entry.state {
		case StateConnected:
			stats.Connected++
			stats.TotalTools += len(entry.tools)
		case StateFailed:
			stats.Failed++
		}
	}

	sort.Slice(stats.Servers, func(i, j int) bool {
		return stats.Servers[i].ID < stats.Servers[j].ID
	})
	return stats
}

// Close stops retry timers and closes the event stream.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, entry := range p.servers {
		if entry.retryTimer != nil {
			entry.retryTimer.Stop()
		}
		entry.state = StateDisconnected
	}
	p.mu.Unlock()

	p.eventMu.Lock()
	close(p.events)
	p.eventMu.Unlock()
}
