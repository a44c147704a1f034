package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

// Client speaks the OpenAI-compatible chat completions dialect. Remote
// providers and local inference pools (vLLM-style servers) both expose it,
// so one client covers every backend kind.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

func New(name, baseURL, apiKey string) *Client {
	return &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindValidation, Backend: c.name, Err: err}
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindValidation, Backend: c.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-ID", req.TraceID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		kind := provider.KindUpstream
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			kind = provider.KindTimeout
		}
		return nil, &provider.Error{Kind: kind, Backend: c.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.Error{
			Kind:    classifyStatus(resp.StatusCode),
			Backend: c.name,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("api error: %s", string(respBody)),
		}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &provider.Error{Kind: provider.KindUpstream, Backend: c.name, Err: err}
	}

	if len(chatResp.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindUpstream, Backend: c.name, Err: fmt.Errorf("api returned no choices")}
	}

	return &provider.Response{
		ID:           chatResp.ID,
		Content:      chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Model:        chatResp.Model,
		Backend:      c.name,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) mapRequest(req *provider.Request) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (c *Client) Name() string {
	return c.name
}

func classifyStatus(status int) provider.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return provider.KindTimeout
	case status >= 500:
		return provider.KindUpstream
	default:
		return provider.KindValidation
	}
}
