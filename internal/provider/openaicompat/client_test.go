package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got %q", got)
		}
		resp := chatResponse{
			ID: "test-id",
			Choices: []chatChoice{
				{
					Message: chatMessage{Role: "assistant", Content: "Hello from mock backend!"},
				},
			},
			Usage: chatUsage{
				PromptTokens:     15,
				CompletionTokens: 25,
			},
			Model: "llama-3.1-8b-instruct",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New("pool-a", server.URL, "test-key")

	req := &provider.Request{
		Model: "llama-3.1-8b-instruct",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from mock backend!" {
		t.Errorf("Expected mock content, got %s", resp.Content)
	}
	if resp.InputTokens != 15 {
		t.Errorf("Expected 15 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 25 {
		t.Errorf("Expected 25 output tokens, got %d", resp.OutputTokens)
	}
	if resp.Backend != "pool-a" {
		t.Errorf("Expected backend pool-a, got %s", resp.Backend)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer server.Close()

	c := New("limited", server.URL, "")

	_, err := c.Complete(context.Background(), &provider.Request{Model: "m"})
	if err == nil {
		t.Fatal("Expected error for 429 response")
	}

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *provider.Error, got %T", err)
	}
	if pe.Kind != provider.KindRateLimited {
		t.Errorf("Expected rate_limited kind, got %s", pe.Kind)
	}
	if !provider.Retryable(err) {
		t.Error("Rate limit errors should be retryable")
	}
}

func TestComplete_ClientError_NotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	c := New("strict", server.URL, "")

	_, err := c.Complete(context.Background(), &provider.Request{Model: "m"})
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if provider.Retryable(err) {
		t.Error("Validation errors must not be retried")
	}
}

func TestComplete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := New("slow", server.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, &provider.Request{Model: "m"})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if provider.KindOf(err) != provider.KindTimeout {
		t.Errorf("Expected timeout kind, got %s", provider.KindOf(err))
	}
}
