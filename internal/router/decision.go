package router

import (
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

// Urgency is caller-declared request priority.
type Urgency string

const (
	UrgencyUrgent Urgency = "urgent"
	UrgencyNormal Urgency = "normal"
	UrgencyLow    Urgency = "low"
)

// Envelope wraps one inbound request with its routing metadata. Immutable
// after creation; every envelope resolves to exactly one terminal outcome.
type Envelope struct {
	Request        *provider.Request
	Urgency        Urgency
	CostCeilingUSD float64
	MaxLatency     time.Duration // hard per-attempt dispatch timeout
	MaxRetries     int           // retries after the first attempt; -1 = policy default
	Chain          []string      // fallback chain override, backend ids
}

// Decision records one routing attempt. One decision is emitted per attempt,
// forming the trail returned to the caller and handed to the audit sink.
type Decision struct {
	Backend         string    `json:"backend"`
	Model           string    `json:"model"`
	Strategy        string    `json:"strategy"`
	Attempt         int       `json:"attempt"`
	Chain           []string  `json:"chain,omitempty"`
	Success         bool      `json:"success"`
	FailureCategory string    `json:"failure_category,omitempty"`
	LatencyMs       int64     `json:"latency_ms"`
	EstCostUSD      float64   `json:"est_cost_usd"`
	TenantID        string    `json:"tenant_id,omitempty"`
	TraceID         string    `json:"trace_id,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	At              time.Time `json:"at"`
}

// DecisionSink receives every routing decision, e.g. for audit logging or
// metrics. Must not block.
type DecisionSink func(d Decision)
