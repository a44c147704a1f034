package provider

import (
	"context"
	"errors"
	"fmt"
)

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	// Metadata for routing and attribution
	TenantID  string `json:"tenant_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	CustomID  string `json:"custom_id,omitempty"` // caller-supplied id, round-trips through batching
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	Backend      string `json:"backend"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Client is a callable model backend endpoint.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// ErrorKind classifies a backend call failure for retry decisions.
type ErrorKind int

const (
	KindValidation ErrorKind = iota // malformed request, never retried
	KindTimeout
	KindUpstream // 5xx and transport failures
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified backend call failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Status  int // HTTP status when available, 0 otherwise
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: %s (status %d): %v", e.Backend, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Context deadline errors count as timeouts even
// when the backend client did not wrap them.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

// Retryable reports whether an error should be retried on a fallback backend.
func Retryable(err error) bool {
	return KindOf(err) != KindValidation
}
