// Package tools implements the tool catalog shared by built-in and
// MCP-mirrored tools, parameter validation, and task-based tool selection.
package tools

import (
	"context"
	"time"
)

// MCPMetadata marks a tool mirrored from a remote MCP server. The
// registry id of such a tool is "<server_id>:<original_name>";
// OriginalName keeps the server-side bare name so either form resolves.
type MCPMetadata struct {
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name,omitempty"`
	OriginalName string `json:"original_name"`
}

type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	MCP         *MCPMetadata    `json:"mcp,omitempty"`
}

type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type Tool interface {
	GetInfo() ToolInfo

	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)

	GetName() string

	GetDescription() string
}

// FuncTool adapts a plain function to the Tool interface. Built-in tools
// and MCP wrappers are both registered this way.
type FuncTool struct {
	Info ToolInfo
	Fn   func(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

func NewFuncTool(info ToolInfo, fn func(ctx context.Context, args map[string]interface{}) (ToolResult, error)) *FuncTool {
	return &FuncTool{Info: info, Fn: fn}
}

func (t *FuncTool) GetInfo() ToolInfo { return t.Info }

func (t *FuncTool) GetName() string { return t.Info.Name }

func (t *FuncTool) GetDescription() string { return t.Info.Description }

func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	return t.Fn(ctx, args)
}
