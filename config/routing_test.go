package config

import (
	"strings"
	"testing"
	"time"
)

const sampleRouting = `
strategy: weighted
circuit:
  failure_threshold: 5
  failure_window: 60s
  cooldown: 60s
  max_cooldown: 10m
retry:
  max_retries: 3
  base_delay: 1s
  max_delay: 30s
batch:
  completion_window: 24h
  poll_interval: 5m
  concurrency: 4
  discount: 0.5
backends:
  - id: openai-gpt4
    model: gpt-4
    kind: remote
    endpoint: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    weight: 0.7
    rpm: 500
    tpm: 100000
    input_cost_per_m: 30
    output_cost_per_m: 60
  - id: azure-gpt4
    model: gpt-4
    kind: remote
    endpoint: https://example.openai.azure.com/v1
    api_key_env: AZURE_API_KEY
    weight: 0.3
    rpm: 300
    tpm: 60000
    input_cost_per_m: 30
    output_cost_per_m: 60
  - id: local-llama
    model: llama-3-8b
    kind: local-pool
    endpoint: http://localhost:8001/v1
    weight: 1.0
    max_batch_size: 16
    max_wait: 50ms
    queue_limit: 512
    capacity: 32
chains:
  gpt-4: [openai-gpt4, azure-gpt4]
`

func TestParseRouting(t *testing.T) {
	cfg, err := ParseRouting([]byte(sampleRouting))
	if err != nil {
		t.Fatalf("ParseRouting failed: %v", err)
	}

	if cfg.Strategy != "weighted" {
		t.Errorf("Strategy = %q, want weighted", cfg.Strategy)
	}
	if got := cfg.Circuit.MaxCooldown.Std(); got != 10*time.Minute {
		t.Errorf("MaxCooldown = %v, want 10m", got)
	}
	if got := cfg.Retry.BaseDelay.Std(); got != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", got)
	}
	if got := cfg.Batch.CompletionWindow.Std(); got != 24*time.Hour {
		t.Errorf("CompletionWindow = %v, want 24h", got)
	}
	if len(cfg.Backends) != 3 {
		t.Fatalf("Parsed %d backends, want 3", len(cfg.Backends))
	}
	if cfg.Backends[2].MaxWait.Std() != 50*time.Millisecond {
		t.Errorf("Local pool max_wait = %v, want 50ms", cfg.Backends[2].MaxWait.Std())
	}
	if chain := cfg.Chains["gpt-4"]; len(chain) != 2 || chain[0] != "openai-gpt4" {
		t.Errorf("Chain for gpt-4 = %v", chain)
	}
}

func TestParseRouting_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "no backends",
			mutate:  func(string) string { return "strategy: weighted\n" },
			wantErr: "no backends",
		},
		{
			name: "chain references unknown backend",
			mutate: func(s string) string {
				return strings.Replace(s, "gpt-4: [openai-gpt4, azure-gpt4]", "gpt-4: [openai-gpt4, ghost]", 1)
			},
			wantErr: "unknown backend",
		},
		{
			name: "bad duration",
			mutate: func(s string) string {
				return strings.Replace(s, "cooldown: 60s", "cooldown: sixty", 1)
			},
			wantErr: "invalid duration",
		},
		{
			name: "discount out of range",
			mutate: func(s string) string {
				return strings.Replace(s, "discount: 0.5", "discount: 1.5", 1)
			},
			wantErr: "discount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRouting([]byte(tt.mutate(sampleRouting)))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseRouting error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
