package metrics

import (
	"context"
	"time"
)

// HealthState is the compound health of the process.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Pinger is anything that can answer a liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker probes the three backends the pipeline depends on.
type HealthChecker struct {
	store Pinger
	queue Pinger
	llm   Pinger
}

// NewHealthChecker wires the three probes.
func NewHealthChecker(store, queue, llm Pinger) *HealthChecker {
	return &HealthChecker{store: store, queue: queue, llm: llm}
}

// CheckResult is one backend's probe outcome.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthSnapshot is the compound probe result.
//
// Status is healthy iff all three checks pass; degraded when only the LLM
// runtime fails (rule-based Phase 1 keeps working); unhealthy otherwise.
type HealthSnapshot struct {
	Status    HealthState            `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

func (hc *HealthChecker) probe(ctx context.Context, p Pinger) CheckResult {
	if p == nil {
		return CheckResult{Healthy: false, Error: "not configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(probeCtx); err != nil {
		return CheckResult{Healthy: false, Error: err.Error()}
	}
	return CheckResult{Healthy: true}
}

// Check runs all three probes and folds them into a snapshot.
func (hc *HealthChecker) Check(ctx context.Context) *HealthSnapshot {
	store := hc.probe(ctx, hc.store)
	queue := hc.probe(ctx, hc.queue)
	llm := hc.probe(ctx, hc.llm)

	status := HealthUnhealthy
	switch {
	case store.Healthy && queue.Healthy && llm.Healthy:
		status = HealthHealthy
	case store.Healthy && queue.Healthy:
		status = HealthDegraded
	}

	return &HealthSnapshot{
		Status: status,
		Checks: map[string]CheckResult{
			"store": store,
			"queue": queue,
			"llm":   llm,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
