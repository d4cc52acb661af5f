package domain

import (
	"encoding/json"
	"time"
)

// JobPriority orders jobs within a stream. Lower rank dequeues earlier.
type JobPriority string

const (
	PriorityCritical JobPriority = "critical"
	PriorityHigh     JobPriority = "high"
	PriorityMedium   JobPriority = "medium"
	PriorityLow      JobPriority = "low"
)

var priorityRank = map[JobPriority]int{
	PriorityCritical: 1,
	PriorityHigh:     2,
	PriorityMedium:   3,
	PriorityLow:      4,
}

// Rank maps the priority to its dequeue order (critical=1 .. low=4).
func (p JobPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}

// Promote raises the priority one level. Used by queue aging.
func (p JobPriority) Promote() JobPriority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}

// ParseJobPriority tolerates legacy 5-level data: urgent maps to critical.
func ParseJobPriority(s string) JobPriority {
	switch s {
	case "critical", "urgent":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium", "normal":
		return PriorityMedium
	case "low", "lowest":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// UnmarshalJSON accepts any legacy priority string.
func (p *JobPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParseJobPriority(s)
	return nil
}

// Phase identifies a pipeline stage.
type Phase int

const (
	Phase1 Phase = 1
	Phase2 Phase = 2
	Phase3 Phase = 3
)

// Stream returns the queue stream name for the phase.
func (p Phase) Stream() string {
	switch p {
	case Phase1:
		return "phase1"
	case Phase2:
		return "phase2"
	case Phase3:
		return "phase3"
	default:
		return "phase1"
	}
}

// Valid reports whether p names a real phase.
func (p Phase) Valid() bool {
	return p >= Phase1 && p <= Phase3
}

// Job is one unit of queued work.
type Job struct {
	JobID          string      `json:"job_id"`
	Phase          Phase       `json:"phase"`
	EmailIDs       []int64     `json:"email_ids"`
	Priority       JobPriority `json:"priority"`
	Attempts       int         `json:"attempts"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	NotBefore      time.Time   `json:"not_before"`
	IdempotencyKey string      `json:"idempotency_key"`
	LastError      string      `json:"last_error,omitempty"`
}

// RetryBackoff computes the nack delay for the given attempt count:
// exponential from 30s, capped at 15 minutes. Jitter is applied by the
// queue so retried jobs do not stampede.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		// 30s * 2^5 already exceeds the cap; avoid shift overflow.
		return 15 * time.Minute
	}
	backoff := 30 * time.Second << (attempts - 1)
	if backoff > 15*time.Minute {
		backoff = 15 * time.Minute
	}
	return backoff
}
