// Package analysis implements the Phase 2 enhancement and Phase 3
// strategic analyzers on top of the model runtime client.
package analysis

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"pipeline_server/core/domain"
)

// PromptVersion labels the current prompt generation. It is not written
// into stored phase results.
const PromptVersion = "v3"

const (
	// maxSiblings bounds the Phase 2 chain context.
	maxSiblings = 5

	// phase3ContextBudget caps the Phase 3 rollup, approximating a 16k
	// token budget at 4 chars/token.
	phase3ContextBudget = 64000
)

const phase2SystemPrompt = `You are an enterprise email analyst. You receive an email, the result of a deterministic triage pass, and context from the surrounding conversation. Validate the triage, find what it missed, and extract action items.

Respond with this exact JSON format:
{
  "workflow_validation": "confirmed" or "refuted: <correct category>",
  "missed_entities": {"po_numbers": [{"value": "...", "confidence": 0.0-1.0}], ...},
  "action_items": [{"description": "...", "owner": "...", "deadline": "...", "priority": "critical|high|medium|low"}],
  "risk_assessment": {"level": "none|low|medium|high|critical", "factors": ["..."]},
  "suggested_response": "optional short reply draft",
  "confidence": 0.0-1.0
}`

const phase3SystemPrompt = `You are a strategic business analyst reviewing a fully triaged email conversation. Produce an executive-level assessment grounded only in the supplied material.

Respond with this exact JSON format:
{
  "executive_summary": "2-4 sentences",
  "strategic_intelligence": {"market_opportunity": "...", "operational_excellence": "..."},
  "predictive_analytics": {"outcome_probability": {"deal_closes": 0.0-1.0, "escalates": 0.0-1.0}, "forecasting": "..."},
  "roi_analysis": "...",
  "confidence": 0.0-1.0
}`

// SiblingSummary is a compact view of one prior email in the chain.
type SiblingSummary struct {
	Subject  string
	Preview  string
	Category domain.WorkflowCategory
}

// BuildPhase2Prompt renders the Phase 2 user prompt: the email, its
// Phase 1 result, and up to maxSiblings prior siblings.
func BuildPhase2Prompt(email *domain.Email, p1 *domain.Phase1Result, siblings []SiblingSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s <%s>\n", email.Sender.Display, email.Sender.Address)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	fmt.Fprintf(&b, "Received: %s\n\n", email.ReceivedAt.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Body:\n%s\n\n", truncate(email.BodyText, 6000))

	p1JSON, _ := json.Marshal(p1)
	fmt.Fprintf(&b, "Triage result:\n%s\n", p1JSON)

	if len(siblings) > 0 {
		if len(siblings) > maxSiblings {
			siblings = siblings[len(siblings)-maxSiblings:]
		}
		b.WriteString("\nEarlier messages in this conversation:\n")
		for i, s := range siblings {
			fmt.Fprintf(&b, "%d. [%s] %s — %s\n", i+1, s.Category, s.Subject, truncate(s.Preview, 200))
		}
	}

	return b.String()
}

// BuildPhase3Prompt renders the Phase 3 user prompt: prior phase results
// plus a budget-capped rollup of the whole chain.
func BuildPhase3Prompt(email *domain.Email, p1 *domain.Phase1Result, p2 *domain.Phase2Result, chainEmails []SiblingSummary, chain *domain.Chain) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if chain != nil {
		fmt.Fprintf(&b, "Conversation: %d emails, type %s, completeness %.2f\n",
			chain.EmailCount, chain.ChainType, chain.CompletenessScore)
	}
	b.WriteString("\n")

	p1JSON, _ := json.Marshal(p1)
	fmt.Fprintf(&b, "Triage result:\n%s\n\n", p1JSON)
	p2JSON, _ := json.Marshal(p2)
	fmt.Fprintf(&b, "Enhancement result:\n%s\n\n", p2JSON)

	if len(chainEmails) > 0 {
		b.WriteString("Conversation history:\n")
		for i, s := range chainEmails {
			line := fmt.Sprintf("%d. [%s] %s — %s\n", i+1, s.Category, s.Subject, truncate(s.Preview, 300))
			if b.Len()+len(line) > phase3ContextBudget {
				b.WriteString("… (history truncated)\n")
				break
			}
			b.WriteString(line)
		}
	}

	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// =============================================================================
// Response Validators
// =============================================================================

// minAcceptedConfidence is the quality-gate floor for model results.
const minAcceptedConfidence = 0.30

// ValidatePhase2 is the quality gate passed to the runtime client.
func ValidatePhase2(parsed map[string]any) error {
	for _, field := range []string{"workflow_validation", "risk_assessment", "confidence"} {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	if conf, ok := parsed["confidence"].(float64); !ok || conf < minAcceptedConfidence {
		return fmt.Errorf("confidence %v below floor %v", parsed["confidence"], minAcceptedConfidence)
	}
	return nil
}

// ValidatePhase3 is the Phase 3 quality gate.
func ValidatePhase3(parsed map[string]any) error {
	for _, field := range []string{"executive_summary", "confidence"} {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	if summary, ok := parsed["executive_summary"].(string); !ok || strings.TrimSpace(summary) == "" {
		return fmt.Errorf("empty executive_summary")
	}
	if conf, ok := parsed["confidence"].(float64); !ok || conf < minAcceptedConfidence {
		return fmt.Errorf("confidence %v below floor %v", parsed["confidence"], minAcceptedConfidence)
	}
	return nil
}
