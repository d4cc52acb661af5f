package analysis

import (
	"context"

	"github.com/goccy/go-json"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

// Phase3Analyzer runs the high-tier strategic pass.
type Phase3Analyzer struct {
	runtime out.CompletionClient
	log     *logger.Logger
}

// NewPhase3Analyzer creates the Phase 3 analyzer.
func NewPhase3Analyzer(runtime out.CompletionClient) *Phase3Analyzer {
	return &Phase3Analyzer{
		runtime: runtime,
		log:     logger.WithField("component", "phase3_analyzer"),
	}
}

// Analyze produces the strategic assessment. Phase 3 has no rule-derived
// fallback: shape failures propagate and the job retries or dead-letters,
// leaving the email at phase2_complete/phase3_failed.
func (a *Phase3Analyzer) Analyze(ctx context.Context, email *domain.Email, p1 *domain.Phase1Result, p2 *domain.Phase2Result, chainEmails []SiblingSummary, chain *domain.Chain) (*domain.Phase3Result, *Meta, error) {
	req := &out.CompletionRequest{
		SystemPrompt: phase3SystemPrompt,
		UserPrompt:   BuildPhase3Prompt(email, p1, p2, chainEmails, chain),
		Temperature:  0.3,
		MaxTokens:    2048,
		Validate:     ValidatePhase3,
	}

	completion, err := a.runtime.Complete(ctx, out.TierHigh, req)
	if err != nil {
		return nil, nil, err
	}

	result, err := decodePhase3(completion.Parsed)
	if err != nil {
		return nil, nil, err
	}

	result.Confidence = clamp01(result.Confidence)
	for key, p := range result.PredictiveAnalytics.OutcomeProbability {
		result.PredictiveAnalytics.OutcomeProbability[key] = clamp01(p)
	}

	return result, &Meta{
		Model:      completion.Model,
		TokensUsed: completion.TokensUsed,
		DurationMs: completion.DurationMs,
		Salvaged:   completion.Salvaged,
	}, nil
}

func decodePhase3(parsed map[string]any) (*domain.Phase3Result, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	var result domain.Phase3Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
