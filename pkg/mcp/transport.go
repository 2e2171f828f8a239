package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/pkg/httpclient"
	"github.com/quorumhq/quorum/pkg/observability"
)

const (
	sessionHeader         = "mcp-session-id"
	defaultRequestTimeout = 30 * time.Second
	initializeTimeout     = 10 * time.Second
	maxStreamLineSize     = 1024 * 1024
	streamTerminator      = "[DONE]"
	methodInitialize      = "initialize"
	methodToolsList       = "tools/list"
	methodToolsCall       = "tools/call"
	methodResourcesList   = "resources/list"
	methodResourcesRead   = "resources/read"
	methodResourcesSub    = "resources/subscribe"
	methodPromptsList     = "prompts/list"
	methodPromptsGet      = "prompts/get"
	clientName            = "quorum"
	clientVersion         = "1.0.0"
)

// StreamHandler receives intermediate SSE payloads. The final frame is
// resolved by Call itself and never reaches the handler.
type StreamHandler func(payload json.RawMessage)

// Transport is the JSON-RPC client for one MCP server. A session id
// learned from the first initialize response (body or header) is echoed
// on every later request. Servers configured as streamable_http must
// answer with an event stream; ones that answer initialize or tools/list
// with plain JSON or an unparseable response are downgraded to standard
// mode once and the working mode is remembered.
type Transport struct {
	serverID string
	endpoint string
	client   *httpclient.Client
	timeout  time.Duration

	mu      sync.Mutex
	mode    TransportKind
	session string

	nextID atomic.Int64
}

func NewTransport(cfg ServerConfig, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	mode := cfg.Transport
	if mode == "" {
		mode = TransportStandard
	}

	return &Transport{
		serverID: cfg.ID,
		endpoint: endpointURL(cfg.URL, cfg.APIKey),
		mode:     mode,
		timeout:  timeout,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		),
	}
}

// endpointURL appends the per-server key as a query parameter. Keys on
// the URL are how the upstream servers expect authentication.
func endpointURL(rawURL, apiKey string) string {
	if apiKey == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	query.Set("key", apiKey)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// Mode reports the currently effective transport mode.
func (t *Transport) Mode() TransportKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// SessionID reports the learned session id, empty until one is captured.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// captureSession stores a session id. The first writer wins; later
// values are ignored so body and header capture cannot fight.
func (t *Transport) captureSession(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == "" {
		t.session = id
	}
}

func (t *Transport) downgrade() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == TransportStreamableHTTP {
		t.mode = TransportStandard
		slog.Info("MCP transport downgraded to standard mode", "server", t.serverID)
	}
}

// Call performs one JSON-RPC round trip and resolves the result payload.
// SSE intermediate frames go to onStream when provided.
func (t *Transport) Call(ctx context.Context, method string, params interface{}, onStream StreamHandler) (json.RawMessage, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quorum.mcp")
	ctx, span := tracer.Start(ctx, observability.SpanMCPRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrMCPServerID, t.serverID),
			attribute.String(observability.AttrMCPMethod, method),
		),
	)
	defer span.End()

	result, err := t.call(ctx, method, params, onStream)
	observability.GetGlobalMetrics().RecordMCPRequest(ctx, t.serverID, method, time.Since(startTime), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	return result, nil
}

func (t *Transport) call(ctx context.Context, method string, params interface{}, onStream StreamHandler) (json.RawMessage, error) {
	result, err := t.roundTrip(ctx, method, params, onStream)
	if err == nil || !t.downgradeEligible(method, err) {
		return result, err
	}

	// One retry in standard mode; the working mode sticks.
	t.downgrade()
	return t.roundTrip(ctx, method, params, onStream)
}

// downgradeEligible restricts the automatic retry to the handshake
// methods and to failures that look like a response-format mismatch.
func (t *Transport) downgradeEligible(method string, err error) bool {
	if t.Mode() != TransportStreamableHTTP {
		return false
	}
	if method != methodInitialize && method != methodToolsList {
		return false
	}
	var parseErr *parseError
	return errors.As(err, &parseErr) || errors.Is(err, ErrNoStreamData)
}

type parseError struct {
	err error
}

func (e *parseError) Error() string { return fmt.Sprintf("parsing response: %v", e.err) }
func (e *parseError) Unwrap() error { return e.err }

func (t *Transport) roundTrip(ctx context.Context, method string, params interface{}, onStream StreamHandler) (json.RawMessage, error) {
	envelope := request{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if session := t.SessionID(); session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mcp %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp %s request failed: HTTP %d: %s", method, resp.StatusCode, string(body))
	}

	t.captureSession(resp.Header.Get(sessionHeader))

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return t.parseStream(resp.Body, onStream)
	}
	if t.Mode() == TransportStreamableHTTP {
		// A streamable server must answer with an event stream. A plain
		// JSON answer here means the server does not actually stream,
		// which triggers the downgrade on the handshake methods.
		return nil, fmt.Errorf("%w: got content type %q", ErrNoStreamData, contentType)
	}
	return t.parseJSON(resp.Body)
}

func (t *Transport) parseJSON(body io.Reader) (json.RawMessage, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &parseError{err: err}
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}

	t.captureSessionFromResult(envelope.Result)
	return envelope.Result, nil
}

// parseStream consumes SSE frames until the final resolution. Frames are
// either "data: <json>" lines or bare JSON lines; [DONE] terminates. A
// frame carrying an error resolves with failure, one with type=="final",
// final==true, or a result field resolves with success, anything else is
// an intermediate payload for the handler.
func (t *Transport) parseStream(body io.Reader, onStream StreamHandler) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineSize)

	sawPayload := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") {
			continue
		}

		payload := line
		if strings.HasPrefix(line, "data:") {
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if payload == "" || payload == streamTerminator {
			if payload == streamTerminator {
				break
			}
			continue
		}
		if !strings.HasPrefix(payload, "{") && !strings.HasPrefix(payload, "[") {
			continue
		}

		var frame struct {
			Type    string          `json:"type"`
			Final   bool            `json:"final"`
			Result  json.RawMessage `json:"result"`
			Error   *RPCError       `json:"error"`
			Session string          `json:"sessionId"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		sawPayload = true
		t.captureSession(frame.Session)

		if frame.Error != nil {
			return nil, frame.Error
		}
		if frame.Result != nil {
			t.captureSessionFromResult(frame.Result)
			return frame.Result, nil
		}
		if frame.Type == "final" || frame.Final {
			return json.RawMessage(payload), nil
		}

		if onStream != nil {
			onStream(json.RawMessage(payload))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	if !sawPayload {
		return nil, ErrNoStreamData
	}

	// Frames arrived but none was marked final; nothing to resolve with.
	return nil, ErrNoStreamData
}

// captureSessionFromResult picks up a session id embedded in a result
// body, as the initialize response of some servers does.
func (t *Transport) captureSessionFromResult(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var peek struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &peek); err == nil {
		t.captureSession(peek.SessionID)
	}
}

// InitializeResult is the parsed initialize response.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	SessionID string `json:"sessionId"`
}

// Initialize performs the MCP handshake with a short timeout.
func (t *Transport) Initialize(ctx context.Context) (*InitializeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
			"prompts":   map[string]interface{}{},
		},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	raw, err := t.Call(ctx, methodInitialize, params, nil)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("parsing initialize result: %w", err)
		}
	}
	t.captureSession(result.SessionID)

	return &result, nil
}

func (t *Transport) ListTools(ctx context.Context) ([]ToolSpec, error) {
	raw, err := t.Call(ctx, methodToolsList, map[string]interface{}{}, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one remote tool by its server-side bare name.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]interface{}, onStream StreamHandler) (json.RawMessage, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	return t.Call(ctx, methodToolsCall, params, onStream)
}

func (t *Transport) ListResources(ctx context.Context) ([]ResourceSpec, error) {
	raw, err := t.Call(ctx, methodResourcesList, map[string]interface{}{}, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Resources []ResourceSpec `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing resources/list result: %w", err)
	}
	return result.Resources, nil
}

func (t *Transport) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return t.Call(ctx, methodResourcesRead, map[string]interface{}{"uri": uri}, nil)
}

func (t *Transport) SubscribeResource(ctx context.Context, uri string) error {
	_, err := t.Call(ctx, methodResourcesSub, map[string]interface{}{"uri": uri}, nil)
	return err
}

func (t *Transport) ListPrompts(ctx context.Context) ([]PromptSpec, error) {
	raw, err := t.Call(ctx, methodPromptsList, map[string]interface{}{}, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Prompts []PromptSpec `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

func (t *Transport) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	params := map[string]interface{}{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	return t.Call(ctx, methodPromptsGet, params, nil)
}
