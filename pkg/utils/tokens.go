// Package utils provides small shared helpers for the quorum runtime.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter handles accurate token counting per model. Used to keep the
// conversation history handed to the LLM gateway within a token budget.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

// Message is a minimal role/content pair for token counting.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}

	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// format overhead.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	if tc == nil || tc.encoding == nil {
		total := 3
		for _, msg := range messages {
			total += 3 + EstimateTokens(msg.Role) + EstimateTokens(msg.Content)
		}
		return total
	}

	tc.mu.RLock()
	defer tc.mu.RUnlock()

	tokensPerMessage := 3

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += tokensPerMessage
		totalTokens += len(tc.encoding.Encode(msg.Role, nil, nil))
		totalTokens += len(tc.encoding.Encode(msg.Content, nil, nil))
	}

	// Every reply is primed with <|start|>assistant<|message|>
	totalTokens += 3

	return totalTokens
}

// FitWithinLimit returns the suffix of messages that fits within the token
// budget, selected from most recent backwards.
func (tc *TokenCounter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}

	fitted := []Message{}
	currentTokens := 3

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessages([]Message{messages[i]})

		if currentTokens+msgTokens > maxTokens {
			break
		}

		fitted = append([]Message{messages[i]}, fitted...)
		currentTokens += msgTokens
	}

	return fitted
}

// GetModel returns the model name this counter is configured for.
func (tc *TokenCounter) GetModel() string {
	return tc.model
}

// EstimateTokens provides a rough token estimation (4 characters per token)
// for when no TokenCounter is available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
