package analysis

import (
	"context"

	"github.com/goccy/go-json"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"
)

// FallbackModel marks results synthesized from Phase 1 when the model
// runtime could not produce an acceptable response.
const FallbackModel = "fallback"

// Meta carries call accounting back to the worker for persistence.
type Meta struct {
	Model      string
	TokensUsed int
	DurationMs int64
	Salvaged   bool
}

// Phase2Analyzer runs the mid-tier enhancement pass.
type Phase2Analyzer struct {
	runtime out.CompletionClient
	log     *logger.Logger
}

// NewPhase2Analyzer creates the Phase 2 analyzer.
func NewPhase2Analyzer(runtime out.CompletionClient) *Phase2Analyzer {
	return &Phase2Analyzer{
		runtime: runtime,
		log:     logger.WithField("component", "phase2_analyzer"),
	}
}

// Analyze enhances a triaged email. When the runtime fails on shape or
// quality twice, a structured fallback derived from Phase 1 is returned
// with Meta.Model = FallbackModel; the fallback never downgrades any
// Phase 1 field. Transient and circuit errors propagate so the job
// retries instead of falling back.
func (a *Phase2Analyzer) Analyze(ctx context.Context, email *domain.Email, p1 *domain.Phase1Result, siblings []SiblingSummary) (*domain.Phase2Result, *Meta, error) {
	req := &out.CompletionRequest{
		SystemPrompt: phase2SystemPrompt,
		UserPrompt:   BuildPhase2Prompt(email, p1, siblings),
		Temperature:  0.2,
		MaxTokens:    1024,
		Validate:     ValidatePhase2,
	}

	completion, err := a.runtime.Complete(ctx, out.TierMid, req)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeResponseShape) {
			a.log.WithError(err).Warn("phase2 falling back to rule-derived result for email %d", email.ID)
			result := FallbackFromPhase1(p1)
			return result, &Meta{Model: FallbackModel}, nil
		}
		return nil, nil, err
	}

	result, err := decodePhase2(completion.Parsed)
	if err != nil {
		// Validated shape that still fails decoding is a shape defect.
		result = FallbackFromPhase1(p1)
		return result, &Meta{Model: FallbackModel}, nil
	}

	sanitizePhase2(result, p1)

	return result, &Meta{
		Model:      completion.Model,
		TokensUsed: completion.TokensUsed,
		DurationMs: completion.DurationMs,
		Salvaged:   completion.Salvaged,
	}, nil
}

func decodePhase2(parsed map[string]any) (*domain.Phase2Result, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	var result domain.Phase2Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// sanitizePhase2 clamps model output into the closed schema: unknown risk
// levels degrade to medium, confidences clamp to [0,1], and missed
// entities below the Phase 1 confidence for the same value are dropped so
// an LLM pass can never degrade deterministic extraction.
func sanitizePhase2(result *domain.Phase2Result, p1 *domain.Phase1Result) {
	switch result.RiskAssessment.Level {
	case domain.RiskNone, domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical:
	default:
		result.RiskAssessment.Level = domain.RiskMedium
	}

	result.Confidence = clamp01(result.Confidence)

	for kind, entities := range result.MissedEntities {
		kept := entities[:0]
		for _, e := range entities {
			e.Confidence = clamp01(e.Confidence)
			if better := bestPhase1Confidence(p1, kind, e.Value); better > e.Confidence {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(result.MissedEntities, kind)
		} else {
			result.MissedEntities[kind] = kept
		}
	}

	for i := range result.ActionItems {
		if result.ActionItems[i].Priority.Rank() == 0 {
			result.ActionItems[i].Priority = domain.PriorityMedium
		}
	}
}

func bestPhase1Confidence(p1 *domain.Phase1Result, kind domain.EntityKind, value string) float64 {
	if p1 == nil {
		return 0
	}
	for _, e := range p1.Entities[kind] {
		if e.Value == value {
			return e.Confidence
		}
	}
	return 0
}

// FallbackFromPhase1 synthesizes a Phase 2 result from the deterministic
// triage. It confirms the Phase 1 category, adds nothing it cannot know,
// and carries the Phase 1 confidence so downstream consumers see an
// honest quality signal.
func FallbackFromPhase1(p1 *domain.Phase1Result) *domain.Phase2Result {
	result := &domain.Phase2Result{
		WorkflowValidation: "confirmed",
		RiskAssessment:     domain.RiskAssessment{Level: riskFromPriority(p1.Priority)},
		Confidence:         p1.Confidence,
	}

	// Deadline entities become follow-up items; everything else stays
	// with Phase 1 untouched.
	for _, d := range p1.Entities[domain.EntityDates] {
		result.ActionItems = append(result.ActionItems, domain.ActionItem{
			Description: "Follow up on deadline: " + d.Value,
			Deadline:    d.Value,
			Priority:    p1.Priority,
		})
	}

	return result
}

func riskFromPriority(p domain.JobPriority) domain.RiskLevel {
	switch p {
	case domain.PriorityCritical:
		return domain.RiskHigh
	case domain.PriorityHigh:
		return domain.RiskMedium
	case domain.PriorityMedium:
		return domain.RiskLow
	default:
		return domain.RiskNone
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
