package out

import "context"

// ModelTier selects which model class serves a completion.
type ModelTier string

const (
	TierMid  ModelTier = "mid_tier"
	TierHigh ModelTier = "high_tier"
)

// CompletionRequest is a single-shot prompt for the model runtime.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	StopTokens   []string
	MaxTokens    int

	// Validate rejects a structurally parsed response that misses the
	// caller's quality bar. A rejection triggers one strict JSON-only
	// retry before the call fails.
	Validate func(raw map[string]any) error
}

// CompletionResult is the structured outcome of a completion.
type CompletionResult struct {
	Raw        string         // unmodified model text, before salvage
	Parsed     map[string]any // parsed JSON object
	Model      string         // concrete model name that served the call
	TokensUsed int
	DurationMs int64
	Salvaged   bool
	CacheHit   bool
}

// CompletionClient is the uniform client to the local model runtime.
type CompletionClient interface {
	Complete(ctx context.Context, tier ModelTier, req *CompletionRequest) (*CompletionResult, error)

	// BreakerState returns 0 closed, 1 open, 2 half-open for the tier.
	BreakerState(tier ModelTier) int

	Ping(ctx context.Context) error
}
