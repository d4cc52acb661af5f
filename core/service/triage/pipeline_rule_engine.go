package triage

import (
	"regexp"
	"strings"

	"pipeline_server/core/domain"
)

// =============================================================================
// Rule Engine (Phase 1)
// =============================================================================

// categoryRule scores one workflow category from keyword hits.
type categoryRule struct {
	category domain.WorkflowCategory
	pattern  *regexp.Regexp
	weight   float64
}

var categoryRules = []categoryRule{
	{domain.WorkflowEscalation, escalationPattern, 3.0},
	{domain.WorkflowOrderProcessing, regexp.MustCompile(`(?i)\b(purchase\s+order|p\.?o\.?\s*#?\s*\d|order\s+(?:status|confirmation|processing)|fulfillment)\b`), 2.5},
	{domain.WorkflowQuoteRequest, regexp.MustCompile(`(?i)\b(request\s+(?:a\s+)?quote|quotation|pricing\s+(?:request|information)|quote\s*#|rfq)\b`), 2.5},
	{domain.WorkflowSupportTicket, regexp.MustCompile(`(?i)\b(support\s+(?:ticket|request)|case\s*#|not\s+working|issue\s+with|troubleshoot|error\s+(?:message|code))\b`), 2.0},
	{domain.WorkflowShipping, regexp.MustCompile(`(?i)\b(shipping|shipment|tracking\s+number|delivery\s+(?:date|status)|freight|logistics|carrier)\b`), 2.0},
	{domain.WorkflowApproval, regexp.MustCompile(`(?i)\b(approval\s+(?:needed|required|requested)|please\s+approve|sign[-\s]off|authorization)\b`), 1.8},
	{domain.WorkflowDealRegistration, regexp.MustCompile(`(?i)\b(deal\s+registration|register\s+(?:this\s+)?deal|opportunity\s+registration)\b`), 2.2},
	{domain.WorkflowRenewal, regexp.MustCompile(`(?i)\b(renewal|renew\s+(?:the\s+)?(?:contract|subscription|license)|expiring\s+(?:contract|license))\b`), 2.0},
	{domain.WorkflowVendorManagement, regexp.MustCompile(`(?i)\b(vendor\s+(?:onboarding|management|agreement)|supplier\s+(?:setup|review)|w-9|tax\s+form)\b`), 1.8},
}

// entityCategoryBoost votes a category when a matching entity kind fires:
// a PO number is stronger evidence of order processing than any keyword.
var entityCategoryBoost = map[domain.EntityKind]struct {
	category domain.WorkflowCategory
	weight   float64
}{
	domain.EntityPONumbers:    {domain.WorkflowOrderProcessing, 2.0},
	domain.EntityQuoteNumbers: {domain.WorkflowQuoteRequest, 1.8},
	domain.EntityCaseNumbers:  {domain.WorkflowSupportTicket, 1.8},
}

// Config tunes the rule engine.
type Config struct {
	// CustomerDomains bumps priority for senders on the allowlist.
	CustomerDomains []string
}

// Engine is the pure, deterministic Phase 1 triage. No I/O; safe for
// concurrent use.
type Engine struct {
	customerDomains map[string]bool
}

// NewEngine creates a rule engine.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{customerDomains: make(map[string]bool)}
	if cfg != nil {
		for _, d := range cfg.CustomerDomains {
			e.customerDomains[strings.ToLower(d)] = true
		}
	}
	return e
}

// Analyze triages a single email. Malformed or empty bodies degrade to
// the documented defaults instead of failing.
func (e *Engine) Analyze(email *domain.Email) *domain.Phase1Result {
	text := email.Subject + "\n" + email.BodyText
	if strings.TrimSpace(text) == "" {
		return &domain.Phase1Result{
			WorkflowCategory: domain.WorkflowGeneral,
			Priority:         domain.PriorityMedium,
			Entities:         make(domain.EntityMap),
			Signals:          nil,
			Confidence:       0.3,
			RulesVersion:     RulesVersion,
		}
	}

	entities := ExtractEntities(text)

	// Category scoring: keyword hits plus entity votes; rank breaks ties.
	scores := make(map[domain.WorkflowCategory]float64)
	for _, rule := range categoryRules {
		if hits := rule.pattern.FindAllStringIndex(text, 3); hits != nil {
			scores[rule.category] += rule.weight * float64(len(hits))
		}
	}
	for kind, boost := range entityCategoryBoost {
		if len(entities[kind]) > 0 {
			scores[boost.category] += boost.weight
		}
	}

	category := domain.WorkflowGeneral
	best := 0.0
	for cat, score := range scores {
		if score > best || (score == best && cat.Rank() > category.Rank()) {
			category = cat
			best = score
		}
	}

	signals, confidences := e.collectSignals(email, text, category, scores)
	priority := e.derivePriority(email, text)

	confidence := 0.3
	if len(confidences) > 0 {
		sum := 0.0
		for _, c := range confidences {
			sum += c
		}
		confidence = clamp01(sum / float64(len(confidences)))
	}

	return &domain.Phase1Result{
		WorkflowCategory: category,
		Priority:         priority,
		Entities:         entities,
		Signals:          signals,
		Confidence:       confidence,
		RulesVersion:     RulesVersion,
	}
}

// collectSignals gathers the bounded flag set plus per-signal confidences.
func (e *Engine) collectSignals(email *domain.Email, text string, category domain.WorkflowCategory, scores map[domain.WorkflowCategory]float64) ([]string, []float64) {
	var signals []string
	var confidences []float64

	add := func(signal string, confidence float64) {
		signals = append(signals, signal)
		confidences = append(confidences, confidence)
	}

	if email.HasReplyMarker() {
		add(SignalReply, 0.95)
	}
	if HasResolutionMarker(text) {
		add(SignalResolution, 0.8)
	}
	if HasActionCompletion(text) {
		add(SignalActionCompletion, 0.85)
	}
	if HasUrgencyMarker(text) {
		add(SignalUrgency, 0.85)
	}
	if HasEscalationMarker(text) {
		add(SignalEscalation, 0.9)
	}
	if e.customerDomains[email.Sender.Domain()] {
		add(SignalCustomerSender, 0.9)
	}
	if category != domain.WorkflowGeneral {
		// Workflow evidence strength scales with the winning score.
		add(SignalWorkflowPrefix+string(category), clamp01(0.5+scores[category]/10))
	}

	return signals, confidences
}

// derivePriority grades urgency: escalation markers dominate, urgency
// keywords raise to high, customer senders bump one level.
func (e *Engine) derivePriority(email *domain.Email, text string) domain.JobPriority {
	priority := domain.PriorityMedium

	if HasUrgencyMarker(text) || strings.EqualFold(email.Importance, "high") {
		priority = domain.PriorityHigh
	}
	if HasEscalationMarker(text) {
		priority = domain.PriorityCritical
	}
	if priority != domain.PriorityCritical && e.customerDomains[email.Sender.Domain()] {
		priority = priority.Promote()
	}

	return priority
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
