package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/httpclient"
	"github.com/quorumhq/quorum/pkg/observability"
)

const defaultSystemPrompt = "You are a capable assistant that reasons step by step " +
	"and uses the available tools when they help answer the user's request. " +
	"Respond concisely and follow the output format you are asked for."

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions
// endpoint. Transient failures are retried by the underlying client;
// what escapes it is classified as ErrLLMUnavailable or ErrLLMBadRequest.
type OpenAIProvider struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *httpclient.Client
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type streamResponse struct {
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, httpclient.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryDelay > 0 {
		opts = append(opts, httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second))
	}

	return &OpenAIProvider{
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     baseURL,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      httpclient.New(opts...),
	}
}

func (p *OpenAIProvider) ModelName() string {
	return p.model
}

// Generate runs a single chat completion and resolves the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quorum.llms")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
		),
	)
	defer span.End()

	resp, err := p.post(ctx, p.buildRequest(prompt, opts, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, err)
		return Result{}, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		wrapped := fmt.Errorf("%w: decoding response: %v", ErrLLMUnavailable, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "decode failed")
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, wrapped)
		return Result{}, wrapped
	}

	if parsed.Error != nil {
		wrapped := fmt.Errorf("%w: %s", ErrLLMBadRequest, parsed.Error.Message)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, parsed.Error.Message)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, wrapped)
		return Result{}, wrapped
	}
	if len(parsed.Choices) == 0 {
		wrapped := fmt.Errorf("%w: no choices returned", ErrLLMUnavailable)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "empty choices")
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, wrapped)
		return Result{}, wrapped
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}
	result := Result{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensIn, result.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOut, result.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime),
		result.Usage.PromptTokens, result.Usage.CompletionTokens, nil)

	return result, nil
}

// GenerateStreaming runs a streaming chat completion. Deltas arrive in
// order on the returned channel; the last chunk carries the accumulated
// Result. Cancelling the context aborts the underlying request.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		p.consumeStream(ctx, resp.Body, out)
	}()

	return out, nil
}

func (p *OpenAIProvider) consumeStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	startTime := time.Now()
	var content strings.Builder
	finishReason := ""
	usage := Usage{}
	model := p.model

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			err := fmt.Errorf("%w: %s", ErrLLMUnavailable, chunk.Error.Message)
			observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, err)
			out <- StreamChunk{Err: err}
			return
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			select {
			case out <- StreamChunk{Delta: choice.Delta.Content}:
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			out <- StreamChunk{Err: ctx.Err()}
			return
		}
		wrapped := fmt.Errorf("%w: reading stream: %v", ErrLLMUnavailable, err)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime), 0, 0, wrapped)
		out <- StreamChunk{Err: wrapped}
		return
	}

	result := Result{
		Content:      content.String(),
		Model:        model,
		FinishReason: finishReason,
		Usage:        usage,
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, time.Since(startTime),
		usage.PromptTokens, usage.CompletionTokens, nil)
	out <- StreamChunk{Final: &result}
}

func (p *OpenAIProvider) buildRequest(prompt string, opts GenerateOptions, stream bool) chatRequest {
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	messages := make([]Message, 0, len(opts.History)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	messages = append(messages, opts.History...)
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	return chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

// post sends the request and classifies failures. Non-2xx responses that
// survive the retry layer map to the error taxonomy: 4xx other than 429
// is a bad request, everything else is unavailable.
func (p *OpenAIProvider) post(ctx context.Context, request chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrLLMBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrLLMBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	// The retrying client reports every non-2xx as an error, so the
	// status code has to be consulted before err.
	if resp != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrLLMBadRequest, resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrLLMUnavailable, resp.StatusCode, string(body))
	}
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	return resp, nil
}
