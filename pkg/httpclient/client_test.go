package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_Do_SuccessFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server calls = %d, want 1", calls)
	}
}

func TestClient_Do_RetriesServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("server calls = %d, want 2", calls)
	}
}

func TestClient_Do_NoRetryOnBadRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("Do() expected error for 400 response")
	}
	if resp != nil {
		resp.Body.Close()
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server calls = %d, want 1 (400 is not retryable)", calls)
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(WithMaxRetries(1), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}

	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Do() error = %v, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", retryErr.StatusCode)
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		status int
		want   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusUnauthorized, NoRetry},
	}

	for _, tt := range tests {
		if got := DefaultRetryStrategy(tt.status); got != tt.want {
			t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")
	headers.Set("x-ratelimit-remaining-requests", "12")
	headers.Set("x-ratelimit-remaining-tokens", "9000")

	info := ParseOpenAIRateLimitHeaders(headers)
	if info.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", info.RetryAfter)
	}
	if info.RequestsRemaining != 12 {
		t.Errorf("RequestsRemaining = %d, want 12", info.RequestsRemaining)
	}
	if info.TokensRemaining != 9000 {
		t.Errorf("TokensRemaining = %d, want 9000", info.TokensRemaining)
	}
}
