package domain

import (
	"strings"
	"time"
)

// Status is the persisted processing state of an email.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPhase1Complete Status = "phase1_complete"
	StatusPhase2Complete Status = "phase2_complete"
	StatusPhase3Complete Status = "phase3_complete"
	StatusPhase2Failed   Status = "phase2_failed"
	StatusPhase3Failed   Status = "phase3_failed"
	StatusArchived       Status = "archived"
)

// allowedTransitions is the status state machine. Archival is reachable
// from every state and handled separately in CanTransition.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusPhase1Complete},
	StatusPhase1Complete: {StatusPhase2Complete, StatusPhase2Failed},
	StatusPhase2Complete: {StatusPhase3Complete, StatusPhase3Failed},
	StatusPhase2Failed:   {StatusPhase2Complete},
	StatusPhase3Failed:   {StatusPhase3Complete},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if to == StatusArchived {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UIStatus is the outward projection the dashboard consumes. It is never
// stored; UIStatusOf is the only place the mapping lives.
type UIStatus string

const (
	UIUnread     UIStatus = "unread"
	UIProcessing UIStatus = "processing"
	UIResolved   UIStatus = "resolved"
	UIEscalated  UIStatus = "escalated"
	UIRead       UIStatus = "read"
)

// UIStatusOf projects an internal status to its UI status. Total: every
// internal status has exactly one projection.
func UIStatusOf(s Status) UIStatus {
	switch s {
	case StatusPending:
		return UIUnread
	case StatusPhase1Complete:
		return UIProcessing
	case StatusPhase2Complete, StatusPhase3Complete:
		return UIResolved
	case StatusPhase2Failed, StatusPhase3Failed:
		return UIEscalated
	case StatusArchived:
		return UIRead
	default:
		// Unknown rows render as unread rather than breaking the dashboard.
		return UIUnread
	}
}

// IsFailed reports whether the status records a phase failure.
func (s Status) IsFailed() bool {
	return s == StatusPhase2Failed || s == StatusPhase3Failed
}

// FailedPhase returns the phase a failure status refers to, or 0.
func (s Status) FailedPhase() int {
	switch s {
	case StatusPhase2Failed:
		return 2
	case StatusPhase3Failed:
		return 3
	default:
		return 0
	}
}

// RecipientKind distinguishes to/cc/bcc entries.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Recipient is one (kind, address, display) entry. Insertion order is
// significant within a kind.
type Recipient struct {
	Kind    RecipientKind `json:"kind"`
	Address string        `json:"address"`
	Display string        `json:"display,omitempty"`
}

// Address is a sender or recipient mailbox.
type Address struct {
	Address string `json:"address"`
	Display string `json:"display,omitempty"`
}

// Domain returns the lowercase domain part of the address, or "".
func (a Address) Domain() string {
	at := strings.LastIndexByte(a.Address, '@')
	if at < 0 || at == len(a.Address)-1 {
		return ""
	}
	return strings.ToLower(a.Address[at+1:])
}

// Email is the canonical email record.
type Email struct {
	ID                int64  `json:"id"`
	InternetMessageID string `json:"internet_message_id"`

	Subject        string      `json:"subject"`
	Sender         Address     `json:"sender"`
	Recipients     []Recipient `json:"recipients,omitempty"`
	BodyText       string      `json:"body_text,omitempty"`
	BodyPreview    string      `json:"body_preview"`
	ReceivedAt     time.Time   `json:"received_at"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Importance     string      `json:"importance,omitempty"`

	Status            Status  `json:"status"`
	PhaseCompleted    int     `json:"phase_completed"`
	ChainID           *int64  `json:"chain_id,omitempty"`
	CompletenessScore float64 `json:"completeness_score"`
	RecommendedPhase  int     `json:"recommended_phase"`

	Phase1Result *Phase1Result `json:"phase1_result,omitempty"`
	Phase2Result *Phase2Result `json:"phase2_result,omitempty"`
	Phase3Result *Phase3Result `json:"phase3_result,omitempty"`

	AnalysisConfidence float64 `json:"analysis_confidence"`
	ProcessingTimeMs   int64   `json:"processing_time_ms"`
	ModelUsed          string  `json:"model_used,omitempty"`
	TokensUsed         int     `json:"tokens_used"`
	ErrorMessage       string  `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasReplyMarker reports whether the subject carries a reply prefix.
func (e *Email) HasReplyMarker() bool {
	s := strings.ToLower(strings.TrimSpace(e.Subject))
	return strings.HasPrefix(s, "re:") || strings.HasPrefix(s, "aw:")
}

// PreviewOf truncates body text to the stored preview length.
func PreviewOf(body string) string {
	const maxPreview = 500
	if len(body) <= maxPreview {
		return body
	}
	return body[:maxPreview]
}
