package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/pkg/observability"
	"github.com/quorumhq/quorum/pkg/registry"
)

// UsageObserver receives the outcome of every resolved tool execution.
// The selector implements it to feed its priority ranking.
type UsageObserver interface {
	RecordToolUsage(name string, success bool, latency time.Duration)
}

// ToolRegistry is the per-agent tool catalog. Registration is idempotent
// by name; MCP refresh uses Set-semantics so a capability change can
// replace a mirrored wrapper in place.
type ToolRegistry struct {
	*registry.BaseRegistry[Tool]

	obsMu    sync.RWMutex
	observer UsageObserver
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

// SetUsageObserver attaches the observer notified after each execution.
func (r *ToolRegistry) SetUsageObserver(observer UsageObserver) {
	r.obsMu.Lock()
	r.observer = observer
	r.obsMu.Unlock()
}

func (r *ToolRegistry) notifyUsage(name string, success bool, latency time.Duration) {
	r.obsMu.RLock()
	observer := r.observer
	r.obsMu.RUnlock()
	if observer != nil {
		observer.RecordToolUsage(name, success, latency)
	}
}

// RegisterTool validates and registers a tool. Registering the same name
// twice is a no-op.
func (r *ToolRegistry) RegisterTool(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}

	info := tool.GetInfo()
	if info.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if info.Description == "" {
		return fmt.Errorf("%w: tool %q has empty description", ErrInvalidTool, info.Name)
	}
	if ft, ok := tool.(*FuncTool); ok && ft.Fn == nil {
		return fmt.Errorf("%w: tool %q has no execute function", ErrInvalidTool, info.Name)
	}

	if _, exists := r.Get(info.Name); exists {
		return nil
	}

	r.Set(info.Name, tool)
	return nil
}

// ReplaceTool registers or overwrites a tool, used by the MCP mirror.
func (r *ToolRegistry) ReplaceTool(tool Tool) error {
	if err := r.RegisterTool(tool); err != nil {
		return err
	}
	r.Set(tool.GetName(), tool)
	return nil
}

func (r *ToolRegistry) UnregisterTool(name string) {
	_ = r.Remove(name)
}

// GetTool resolves a tool by name. If the direct id misses, registered
// descriptors are scanned for an MCP original name equal to the request,
// so the model may emit either "maps_weather" or "amap:maps_weather".
func (r *ToolRegistry) GetTool(name string) (Tool, error) {
	if tool, exists := r.Get(name); exists {
		return tool, nil
	}

	for _, registered := range r.Names() {
		tool, exists := r.Get(registered)
		if !exists {
			continue
		}
		info := tool.GetInfo()
		if info.MCP != nil && info.MCP.OriginalName == name {
			return tool, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Resolve maps a requested name to the registered id, applying the same
// lookup order as GetTool. Resolution is idempotent.
func (r *ToolRegistry) Resolve(name string) (string, error) {
	tool, err := r.GetTool(name)
	if err != nil {
		return "", err
	}
	return tool.GetName(), nil
}

func (r *ToolRegistry) ListTools() []ToolInfo {
	var infos []ToolInfo
	for _, tool := range r.List() {
		infos = append(infos, tool.GetInfo())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})

	return infos
}

func (r *ToolRegistry) ListByCategory(category string) []ToolInfo {
	var infos []ToolInfo
	for _, info := range r.ListTools() {
		if info.Category == category {
			infos = append(infos, info)
		}
	}
	return infos
}

// RemoveServerTools drops every mirrored wrapper belonging to a server.
func (r *ToolRegistry) RemoveServerTools(serverID string) int {
	removed := 0
	for _, name := range r.Names() {
		tool, exists := r.Get(name)
		if !exists {
			continue
		}
		info := tool.GetInfo()
		if info.MCP != nil && info.MCP.ServerID == serverID {
			_ = r.Remove(name)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Removed mirrored tools for server", "server", serverID, "count", removed)
	}
	return removed
}

// ExecuteTool resolves, validates and runs a tool.
func (r *ToolRegistry) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quorum.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, name),
		),
	)
	defer span.End()

	tool, err := r.GetTool(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		observability.GetGlobalMetrics().RecordToolExecution(ctx, name, time.Since(startTime), err)

		return ToolResult{
			Success:  false,
			Error:    err.Error(),
			ToolName: name,
		}, err
	}

	info := tool.GetInfo()
	if err := ValidateArgs(info, args); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		observability.GetGlobalMetrics().RecordToolExecution(ctx, info.Name, time.Since(startTime), err)
		r.notifyUsage(info.Name, false, time.Since(startTime))

		return ToolResult{
			Success:  false,
			Error:    err.Error(),
			ToolName: info.Name,
		}, err
	}

	result, execErr := tool.Execute(ctx, args)
	duration := time.Since(startTime)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	} else if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.SetAttributes(
		attribute.Bool("tool.success", result.Success),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)
	observability.GetGlobalMetrics().RecordToolExecution(ctx, info.Name, duration, execErr)
	r.notifyUsage(info.Name, execErr == nil && result.Success, duration)

	result.ToolName = info.Name
	if result.ExecutionTime == 0 {
		result.ExecutionTime = duration
	}

	return result, execErr
}

// ValidateArgs checks args against the declared parameter schema.
// Arguments not covered by the schema are forwarded untouched.
func ValidateArgs(info ToolInfo, args map[string]interface{}) error {
	for _, param := range info.Parameters {
		value, present := args[param.Name]
		if !present {
			if param.Required {
				return fmt.Errorf("%w: %s.%s", ErrMissingParam, info.Name, param.Name)
			}
			continue
		}

		if !typeMatches(param.Type, value) {
			return fmt.Errorf("%w: %s.%s expects %s, got %T",
				ErrTypeMismatch, info.Name, param.Name, param.Type, value)
		}

		if len(param.Enum) > 0 {
			if str, ok := value.(string); ok {
				found := false
				for _, allowed := range param.Enum {
					if str == allowed {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("%w: %s.%s = %q not in %v",
						ErrEnumViolation, info.Name, param.Name, str, param.Enum)
				}
			}
		}
	}

	return nil
}

// typeMatches checks the primitive JSON types. Numbers arriving from a
// decoded JSON document are float64, so integer accepts integral floats.
func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}
