package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
)

func providerFor(t *testing.T, server *httptest.Server) *OpenAIProvider {
	t.Helper()
	return NewOpenAIProvider(config.LLMConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: server.URL,
	})
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var gotRequest chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotRequest)

		_ = json.NewEncoder(w).Encode(chatResponse{
			Model: "gpt-4o-mini",
			Choices: []chatChoice{
				{Message: Message{Role: RoleAssistant, Content: "hello there"}, FinishReason: "stop"},
			},
			Usage: Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	}))
	defer server.Close()

	p := providerFor(t, server)
	result, err := p.Generate(context.Background(), "say hello", GenerateOptions{
		Temperature: 0.3,
		History: []Message{
			{Role: RoleUser, Content: "earlier question"},
			{Role: RoleAssistant, Content: "earlier answer"},
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if result.Content != "hello there" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", result.FinishReason)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", result.Usage.TotalTokens)
	}

	// system prompt + 2 history turns + current prompt
	if len(gotRequest.Messages) != 4 {
		t.Fatalf("request messages = %d, want 4", len(gotRequest.Messages))
	}
	if gotRequest.Messages[0].Role != RoleSystem {
		t.Errorf("first message role = %q, want system", gotRequest.Messages[0].Role)
	}
	if gotRequest.Messages[3].Content != "say hello" {
		t.Errorf("last message = %q", gotRequest.Messages[3].Content)
	}
	if gotRequest.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", gotRequest.Temperature)
	}
}

func TestOpenAIProvider_SystemPromptOverride(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotRequest)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: Message{Content: "ok"}}},
		})
	}))
	defer server.Close()

	p := providerFor(t, server)
	_, err := p.Generate(context.Background(), "x", GenerateOptions{SystemPrompt: "act as a pirate"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if gotRequest.Messages[0].Content != "act as a pirate" {
		t.Errorf("system prompt = %q, want override", gotRequest.Messages[0].Content)
	}
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer server.Close()

	p := providerFor(t, server)
	_, err := p.Generate(context.Background(), "x", GenerateOptions{})
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Errorf("Generate() error = %v, want ErrLLMUnavailable", err)
	}
}

func TestOpenAIProvider_BadRequest(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound} {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			http.Error(w, `{"error":{"message":"model not found"}}`, status)
		}))

		p := providerFor(t, server)
		_, err := p.Generate(context.Background(), "x", GenerateOptions{})
		if !errors.Is(err, ErrLLMBadRequest) {
			t.Errorf("Generate() with HTTP %d error = %v, want ErrLLMBadRequest", status, err)
		}
		if errors.Is(err, ErrLLMUnavailable) {
			t.Errorf("Generate() with HTTP %d classified as unavailable", status)
		}
		if calls != 1 {
			t.Errorf("HTTP %d provoked %d requests, want 1", status, calls)
		}
		server.Close()
	}
}

func TestOpenAIProvider_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := providerFor(t, server)
	_, err := p.Generate(context.Background(), "x", GenerateOptions{})
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Errorf("Generate() error = %v, want ErrLLMUnavailable", err)
	}
}

func TestOpenAIProvider_TransportErrorIsUnavailable(t *testing.T) {
	p := NewOpenAIProvider(config.LLMConfig{
		Model:   "gpt-4o-mini",
		BaseURL: "http://127.0.0.1:1",
		Timeout: 1,
	})

	_, err := p.Generate(context.Background(), "x", GenerateOptions{})
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Errorf("Generate() error = %v, want ErrLLMUnavailable", err)
	}
}

func TestOpenAIProvider_GenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []streamResponse{
			{Choices: []streamChoice{{Delta: streamDelta{Content: "hel"}}}},
			{Choices: []streamChoice{{Delta: streamDelta{Content: "lo"}}}},
			{
				Choices: []streamChoice{{FinishReason: "stop"}},
				Usage:   &Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
			},
		}
		for _, frame := range frames {
			payload, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := providerFor(t, server)
	chunks, err := p.GenerateStreaming(context.Background(), "say hello", GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	var deltas []string
	var final *Result
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.Final != nil {
			final = chunk.Final
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if strings.Join(deltas, "") != "hello" {
		t.Errorf("deltas = %v", deltas)
	}
	if final == nil {
		t.Fatal("no final chunk")
	}
	if final.Content != "hello" {
		t.Errorf("final content = %q", final.Content)
	}
	if final.FinishReason != "stop" {
		t.Errorf("final finish reason = %q", final.FinishReason)
	}
	if final.Usage.TotalTokens != 7 {
		t.Errorf("final usage = %+v", final.Usage)
	}
}

func TestOpenAIProvider_StreamingError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	p := providerFor(t, server)
	chunks, err := p.GenerateStreaming(context.Background(), "x", GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	if !errors.Is(streamErr, ErrLLMUnavailable) {
		t.Errorf("stream error = %v, want ErrLLMUnavailable", streamErr)
	}
}

func TestOpenAIProvider_StreamingCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := providerFor(t, server)
	chunks, err := p.GenerateStreaming(ctx, "x", GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	// Read the first delta, then abort mid-stream.
	first := <-chunks
	if first.Delta != "partial" {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk.Err != nil {
				if !errors.Is(chunk.Err, context.Canceled) {
					t.Errorf("stream error = %v, want context.Canceled", chunk.Err)
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	p := NewOpenAIProvider(config.LLMConfig{Model: "gpt-4o-mini"})
	if err := r.RegisterLLM("default", p); err != nil {
		t.Fatalf("RegisterLLM() error = %v", err)
	}
	if err := r.RegisterLLM("nil", nil); err == nil {
		t.Error("RegisterLLM(nil) succeeded")
	}

	got, err := r.GetLLM("default")
	if err != nil {
		t.Fatalf("GetLLM() error = %v", err)
	}
	if got.ModelName() != "gpt-4o-mini" {
		t.Errorf("ModelName() = %q", got.ModelName())
	}

	if _, err := r.GetLLM("missing"); err == nil {
		t.Error("GetLLM(missing) succeeded")
	}
}
