package domain

import "time"

// ChainType classifies the dominant workflow observed across a chain.
type ChainType string

const (
	ChainQuoteRequest    ChainType = "quote_request"
	ChainOrderProcessing ChainType = "order_processing"
	ChainSupportTicket   ChainType = "support_ticket"
	ChainEscalation      ChainType = "escalation"
	ChainGeneral         ChainType = "general"
)

// chainTypeRank orders chain types by selection priority: when multiple
// workflow signals fire across a chain, the highest-ranked wins.
var chainTypeRank = map[ChainType]int{
	ChainEscalation:      4,
	ChainOrderProcessing: 3,
	ChainQuoteRequest:    2,
	ChainSupportTicket:   1,
	ChainGeneral:         0,
}

// Rank returns the selection priority of the chain type.
func (t ChainType) Rank() int {
	return chainTypeRank[t]
}

// Chain is a conversation group of related emails with derived rollups.
// It owns no emails; email_count and the aggregates are recomputed from
// members, never the other way around.
type Chain struct {
	ID          int64  `json:"id"`
	GroupingKey string `json:"grouping_key"`
	SubjectHash string `json:"subject_hash,omitempty"`

	ChainType         ChainType `json:"chain_type"`
	CompletenessScore float64   `json:"completeness_score"`
	EmailCount        int       `json:"email_count"`
	FirstEmailAt      time.Time `json:"first_email_at"`
	LastEmailAt       time.Time `json:"last_email_at"`
	PrimaryWorkflow   string    `json:"primary_workflow,omitempty"`
	RecommendedPhase  int       `json:"recommended_phase"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecommendPhase maps a completeness score to the deepest phase worth
// running, honoring the configured thresholds.
func RecommendPhase(score, midThreshold, highThreshold float64) int {
	switch {
	case score >= highThreshold:
		return 3
	case score >= midThreshold:
		return 2
	default:
		return 1
	}
}
