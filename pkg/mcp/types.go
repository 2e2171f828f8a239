// Package mcp implements the JSON-RPC client transport and the server
// pool for Model Context Protocol servers. The transport speaks both
// plain JSON and SSE responses; the pool owns server lifecycle and
// mirrors discovered capabilities into tool registries.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is announced on every initialize call.
const ProtocolVersion = "2024-11-05"

// TransportKind selects the response mode expected from a server.
type TransportKind string

const (
	TransportStandard       TransportKind = "standard"
	TransportStreamableHTTP TransportKind = "streamable_http"
)

// ServerState is the pool-side lifecycle state of one server.
type ServerState string

const (
	StateDisconnected ServerState = "disconnected"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateFailed       ServerState = "failed"
)

// ServerConfig describes one remote MCP server.
type ServerConfig struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	URL       string        `json:"url"`
	APIKey    string        `json:"api_key,omitempty"`
	Transport TransportKind `json:"transport,omitempty"`
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC-level error from a remote server. It matches
// ErrMCPError under errors.Is.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrMCPError }

var (
	// ErrMCPError marks JSON-RPC-level failures from a remote server.
	ErrMCPError = errors.New("mcp server error")

	// ErrServerNotConnected is returned by pool operations targeting a
	// server that is not in the connected state. Callers fail fast; they
	// do not wait for reconnection.
	ErrServerNotConnected = errors.New("mcp server not connected")

	// ErrNoStreamData is returned when an SSE response ends without a
	// single payload, which triggers the transport downgrade.
	ErrNoStreamData = errors.New("no data received from stream")

	// ErrInvalidServerConfig rejects a malformed server id or URL.
	ErrInvalidServerConfig = errors.New("invalid mcp server config")

	// ErrMaxConnections rejects AddServer beyond the connection cap.
	ErrMaxConnections = errors.New("mcp connection limit reached")

	// ErrDuplicateServer rejects AddServer with an id already present.
	ErrDuplicateServer = errors.New("mcp server already registered")

	// ErrServerNotFound is returned for operations on an unknown id.
	ErrServerNotFound = errors.New("mcp server not found")
)

// ToolSpec is one tool as advertised by a server's tools/list.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ResourceSpec is one entry from resources/list.
type ResourceSpec struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptSpec is one entry from prompts/list.
type PromptSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// EventType classifies pool events observable by the agent layer.
type EventType string

const (
	EventServerConnected EventType = "server_connected"
	EventServerError     EventType = "server_error"
	EventToolsChanged    EventType = "tools_changed"
)

// Event is one pool lifecycle notification. Events are delivered in the
// order the underlying state changes occur.
type Event struct {
	Type     EventType `json:"type"`
	ServerID string    `json:"server_id"`
	Err      error     `json:"-"`
	Time     time.Time `json:"time"`
}

// ServerStats is a point-in-time snapshot of one server.
type ServerStats struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	URL             string        `json:"url"`
	Transport       TransportKind `json:"transport"`
	State           ServerState   `json:"state"`
	ToolsCount      int           `json:"tools_count"`
	ResourcesCount  int           `json:"resources_count"`
	PromptsCount    int           `json:"prompts_count"`
	ErrorCount      int           `json:"error_count"`
	LastConnectedAt time.Time     `json:"last_connected_at,omitzero"`
}

// PoolStats aggregates per-server snapshots.
type PoolStats struct {
	Servers    []ServerStats `json:"servers"`
	Connected  int           `json:"connected"`
	Failed     int           `json:"failed"`
	TotalTools int           `json:"total_tools"`
}
