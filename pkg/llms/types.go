// Package llms adapts OpenAI-compatible chat-completion endpoints behind
// a small gateway interface consumed by the reasoning strategies.
package llms

import (
	"context"
	"errors"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports token consumption for a single generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateOptions tunes a single generation. Zero values fall back to
// the provider defaults.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int

	// History is appended after the system prompt as alternating
	// user/assistant turns, before the current prompt.
	History []Message

	// SystemPrompt replaces the provider's built-in system prompt
	// when non-empty.
	SystemPrompt string
}

// Result is the resolved output of a generation.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one element of a streaming generation. Delta carries an
// incremental content fragment; the terminal chunk has Final set with
// the accumulated Result. A chunk with Err set terminates the stream.
type StreamChunk struct {
	Delta string
	Final *Result
	Err   error
}

// LLM is the gateway contract. Implementations must honor context
// cancellation on both entry points.
type LLM interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (Result, error)

	GenerateStreaming(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)

	ModelName() string
}

var (
	// ErrLLMUnavailable covers transient backend failures: transport
	// errors, 5xx and 429 responses, and responses with no choices.
	// Callers may retry.
	ErrLLMUnavailable = errors.New("llm backend unavailable")

	// ErrLLMBadRequest covers fatal request errors (4xx other than
	// 429). Retrying the same request cannot succeed.
	ErrLLMBadRequest = errors.New("llm request rejected")
)
