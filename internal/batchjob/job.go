// Package batchjob accepts sets of low-urgency requests as asynchronous
// jobs and executes them against the router within a completion-window
// SLA, at a discounted rate.
package batchjob

import (
	"fmt"
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusValidating Status = "validating"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank orders the lifecycle. Transitions only move to a strictly
// higher rank; completed and failed are terminal.
var statusRank = map[Status]int{
	StatusRequested:  0,
	StatusValidating: 1,
	StatusPreparing:  2,
	StatusReady:      3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ManifestEntry records one member request's outcome. Entries exist only
// for items the job actually resolved; a failed job carries a partial
// manifest.
type ManifestEntry struct {
	CustomID     string  `json:"custom_id"`
	Success      bool    `json:"success"`
	Content      string  `json:"content,omitempty"`
	Backend      string  `json:"backend,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Error        string  `json:"error,omitempty"`
}

type Job struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Model    string `json:"model"`
	Status   Status `json:"status"`
	// RetryOf references the failed job this one was resubmitted from.
	RetryOf string `json:"retry_of,omitempty"`
	Error   string `json:"error,omitempty"`

	Requests []*provider.Request `json:"requests"`
	Manifest []ManifestEntry     `json:"manifest,omitempty"`

	Deadline    time.Time  `json:"deadline"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// advance moves the job to a later lifecycle status. Moving backwards or
// out of a terminal status is a programming error surfaced as an error.
func (j *Job) advance(to Status, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: terminal statuses are immutable", j.ID, j.Status)
	}
	if statusRank[to] <= statusRank[j.Status] {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// clone returns a deep copy safe to hand to callers while the processor
// keeps mutating its own instance.
func (j *Job) clone() *Job {
	c := *j
	c.Requests = make([]*provider.Request, len(j.Requests))
	for i, r := range j.Requests {
		rc := *r
		c.Requests[i] = &rc
	}
	c.Manifest = append([]ManifestEntry(nil), j.Manifest...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
