package analysis

import (
	"context"
	"testing"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
)

// fakeRuntime scripts completion outcomes.
type fakeRuntime struct {
	result *out.CompletionResult
	err    error
	calls  int
}

func (f *fakeRuntime) Complete(_ context.Context, _ out.ModelTier, _ *out.CompletionRequest) (*out.CompletionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeRuntime) BreakerState(out.ModelTier) int { return 0 }
func (f *fakeRuntime) Ping(context.Context) error     { return nil }

func samplePhase1() *domain.Phase1Result {
	return &domain.Phase1Result{
		WorkflowCategory: domain.WorkflowOrderProcessing,
		Priority:         domain.PriorityHigh,
		Entities: domain.EntityMap{
			domain.EntityPONumbers: {{Value: "12345678", Confidence: 0.95}},
			domain.EntityDates:     {{Value: "by Friday", Confidence: 0.80}},
		},
		Confidence:   0.8,
		RulesVersion: "v4",
	}
}

func sampleEmail() *domain.Email {
	return &domain.Email{
		ID:         7,
		Subject:    "Urgent: PO 12345678 approval needed",
		BodyText:   "Please approve.",
		Sender:     domain.Address{Address: "buyer@acme.com"},
		ReceivedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestPhase2_Success(t *testing.T) {
	runtime := &fakeRuntime{result: &out.CompletionResult{
		Parsed: map[string]any{
			"workflow_validation": "confirmed",
			"risk_assessment":     map[string]any{"level": "medium", "factors": []any{"large amount"}},
			"action_items": []any{map[string]any{
				"description": "Approve PO",
				"priority":    "high",
			}},
			"confidence": 0.85,
		},
		Model:      "qwen2.5:3b-instruct",
		TokensUsed: 321,
		DurationMs: 1500,
	}}

	analyzer := NewPhase2Analyzer(runtime)
	result, meta, err := analyzer.Analyze(context.Background(), sampleEmail(), samplePhase1(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.WorkflowValidation != "confirmed" {
		t.Errorf("validation = %q", result.WorkflowValidation)
	}
	if result.RiskAssessment.Level != domain.RiskMedium {
		t.Errorf("risk = %s", result.RiskAssessment.Level)
	}
	if len(result.ActionItems) != 1 || result.ActionItems[0].Priority != domain.PriorityHigh {
		t.Errorf("action items = %+v", result.ActionItems)
	}
	if meta.Model != "qwen2.5:3b-instruct" || meta.TokensUsed != 321 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestPhase2_FallbackOnResponseShape(t *testing.T) {
	runtime := &fakeRuntime{err: apperr.ResponseShape("qwen2.5:3b-instruct", nil)}

	p1 := samplePhase1()
	analyzer := NewPhase2Analyzer(runtime)
	result, meta, err := analyzer.Analyze(context.Background(), sampleEmail(), p1, nil)
	if err != nil {
		t.Fatal(err)
	}

	if meta.Model != FallbackModel {
		t.Errorf("model = %q, want %q", meta.Model, FallbackModel)
	}
	if result.WorkflowValidation != "confirmed" {
		t.Errorf("fallback must confirm phase 1, got %q", result.WorkflowValidation)
	}
	if result.Confidence != p1.Confidence {
		t.Errorf("fallback confidence = %v, want phase1's %v", result.Confidence, p1.Confidence)
	}
	if len(result.ActionItems) != 1 || result.ActionItems[0].Deadline != "by Friday" {
		t.Errorf("deadline action item missing: %+v", result.ActionItems)
	}
}

func TestPhase2_FallbackNeverDegradesPhase1(t *testing.T) {
	runtime := &fakeRuntime{err: apperr.ResponseShape("m", nil)}

	p1 := samplePhase1()
	before := p1.Entities[domain.EntityPONumbers][0]

	analyzer := NewPhase2Analyzer(runtime)
	result, _, err := analyzer.Analyze(context.Background(), sampleEmail(), p1, nil)
	if err != nil {
		t.Fatal(err)
	}

	after := p1.Entities[domain.EntityPONumbers][0]
	if after != before {
		t.Errorf("fallback mutated phase 1 entity: %+v -> %+v", before, after)
	}
	if len(result.MissedEntities) != 0 {
		t.Errorf("fallback invented entities: %+v", result.MissedEntities)
	}
}

func TestPhase2_TransientErrorPropagates(t *testing.T) {
	runtime := &fakeRuntime{err: apperr.LLMTimeout("m", nil)}

	analyzer := NewPhase2Analyzer(runtime)
	_, _, err := analyzer.Analyze(context.Background(), sampleEmail(), samplePhase1(), nil)

	if !apperr.IsCode(err, apperr.CodeLLMTimeout) {
		t.Fatalf("err = %v, want LLM_TIMEOUT to propagate (job retries, no fallback)", err)
	}
}

func TestPhase2_SanitizeDropsLowerConfidenceDuplicates(t *testing.T) {
	// Model re-reports a Phase 1 entity at lower confidence: dropped.
	runtime := &fakeRuntime{result: &out.CompletionResult{
		Parsed: map[string]any{
			"workflow_validation": "confirmed",
			"risk_assessment":     map[string]any{"level": "exotic"},
			"missed_entities": map[string]any{
				"po_numbers": []any{
					map[string]any{"value": "12345678", "confidence": 0.4},
					map[string]any{"value": "99999999", "confidence": 0.7},
				},
			},
			"confidence": 0.6,
		},
		Model: "m",
	}}

	analyzer := NewPhase2Analyzer(runtime)
	result, _, err := analyzer.Analyze(context.Background(), sampleEmail(), samplePhase1(), nil)
	if err != nil {
		t.Fatal(err)
	}

	pos := result.MissedEntities[domain.EntityPONumbers]
	if len(pos) != 1 || pos[0].Value != "99999999" {
		t.Errorf("missed_entities = %+v, want only the genuinely new PO", pos)
	}
	if result.RiskAssessment.Level != domain.RiskMedium {
		t.Errorf("unknown risk level should degrade to medium, got %s", result.RiskAssessment.Level)
	}
}

func TestPhase3_RequiresExecutiveSummary(t *testing.T) {
	tests := []struct {
		name    string
		parsed  map[string]any
		wantErr bool
	}{
		{
			name: "valid",
			parsed: map[string]any{
				"executive_summary": "Deal is progressing well.",
				"confidence":        0.7,
			},
		},
		{
			name:    "empty summary rejected",
			parsed:  map[string]any{"executive_summary": "  ", "confidence": 0.7},
			wantErr: true,
		},
		{
			name:    "low confidence rejected",
			parsed:  map[string]any{"executive_summary": "ok", "confidence": 0.1},
			wantErr: true,
		},
		{
			name:    "missing summary rejected",
			parsed:  map[string]any{"confidence": 0.9},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhase3(tt.parsed)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePhase3() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPhase3_Success(t *testing.T) {
	runtime := &fakeRuntime{result: &out.CompletionResult{
		Parsed: map[string]any{
			"executive_summary": "Order chain closed with PO approved.",
			"strategic_intelligence": map[string]any{
				"market_opportunity": "expansion likely",
			},
			"predictive_analytics": map[string]any{
				"outcome_probability": map[string]any{"deal_closes": 1.7},
			},
			"confidence": 0.66,
		},
		Model:      "qwen2.5:14b-instruct",
		TokensUsed: 900,
	}}

	analyzer := NewPhase3Analyzer(runtime)
	result, meta, err := analyzer.Analyze(context.Background(), sampleEmail(), samplePhase1(), &domain.Phase2Result{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.ExecutiveSummary == "" {
		t.Error("empty executive summary")
	}
	if result.Confidence < 0.5 {
		t.Errorf("confidence = %v, want >= 0.5", result.Confidence)
	}
	if p := result.PredictiveAnalytics.OutcomeProbability["deal_closes"]; p != 1.0 {
		t.Errorf("probability not clamped: %v", p)
	}
	if meta.Model != "qwen2.5:14b-instruct" {
		t.Errorf("meta model = %q", meta.Model)
	}
}
