package domain

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestJobPriority(t *testing.T) {
	if PriorityCritical.Rank() >= PriorityHigh.Rank() {
		t.Error("critical must dequeue before high")
	}
	if PriorityLow.Promote() != PriorityMedium {
		t.Error("low promotes to medium")
	}
	if PriorityMedium.Promote() != PriorityHigh {
		t.Error("medium promotes to high")
	}
	if PriorityHigh.Promote() != PriorityCritical {
		t.Error("high promotes to critical")
	}
	if PriorityCritical.Promote() != PriorityCritical {
		t.Error("critical stays critical")
	}
}

func TestParseJobPriority_LegacyLevels(t *testing.T) {
	tests := []struct {
		in   string
		want JobPriority
	}{
		{"critical", PriorityCritical},
		{"urgent", PriorityCritical}, // legacy 5-level data
		{"high", PriorityHigh},
		{"medium", PriorityMedium},
		{"normal", PriorityMedium},
		{"low", PriorityLow},
		{"garbage", PriorityMedium},
	}
	for _, tt := range tests {
		if got := ParseJobPriority(tt.in); got != tt.want {
			t.Errorf("ParseJobPriority(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestJobPriority_UnmarshalJSON(t *testing.T) {
	var job Job
	if err := json.Unmarshal([]byte(`{"job_id":"j","priority":"urgent"}`), &job); err != nil {
		t.Fatal(err)
	}
	if job.Priority != PriorityCritical {
		t.Errorf("priority = %s, want critical", job.Priority)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute}, // capped
		{50, 15 * time.Minute},
		{0, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.attempts); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPhaseStream(t *testing.T) {
	if Phase1.Stream() != "phase1" || Phase2.Stream() != "phase2" || Phase3.Stream() != "phase3" {
		t.Error("stream names changed")
	}
	if Phase(9).Valid() {
		t.Error("phase 9 reported valid")
	}
}

func TestRecommendPhase(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0.0, 1},
		{0.39, 1},
		{0.40, 2},
		{0.69, 2},
		{0.70, 3},
		{1.0, 3},
	}
	for _, tt := range tests {
		if got := RecommendPhase(tt.score, 0.40, 0.70); got != tt.want {
			t.Errorf("RecommendPhase(%v) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

func TestShouldReplaceResult(t *testing.T) {
	if !ShouldReplaceResult(0.8, 0.8) {
		t.Error("equal confidence must replace")
	}
	if !ShouldReplaceResult(0.8, 0.76) {
		t.Error("within tolerance must replace")
	}
	if ShouldReplaceResult(0.8, 0.70) {
		t.Error("below tolerance must not replace")
	}
}
