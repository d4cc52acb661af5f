package triage

import (
	"regexp"
	"strings"
)

// =============================================================================
// Signal Flags
// =============================================================================

// Signals are bounded boolean feature flags the chain analyzer consumes.
// Workflow signals (signal:workflow:*) mark an email as carrying an
// observable workflow step; structural signals feed completeness scoring.
const (
	SignalReply            = "signal:reply"
	SignalResolution       = "signal:resolution"
	SignalActionCompletion = "signal:action_completion"
	SignalUrgency          = "signal:urgency"
	SignalEscalation       = "signal:escalation"
	SignalCustomerSender   = "signal:customer_sender"
	SignalWorkflowPrefix   = "signal:workflow:"
)

var (
	resolutionPattern = regexp.MustCompile(`(?i)\b(closed|resolved|completed|done|fixed|finalized)\b`)

	actionCompletionPattern = regexp.MustCompile(`(?i)\b(po\s+approved|quote\s+accepted|order\s+confirmed|shipped|delivered|payment\s+received|invoice\s+paid|deal\s+closed)\b`)

	urgencyPattern = regexp.MustCompile(`(?i)\b(urgent|asap|immediately|critical|emergency|right\s+away|time[-\s]sensitive|by\s+eod)\b`)

	escalationPattern = regexp.MustCompile(`(?i)\b(escalat\w*|unacceptable|extremely\s+disappointed|speak\s+(?:to|with)\s+(?:a\s+)?manager|formal\s+complaint|legal\s+action)\b`)
)

// HasResolutionMarker reports closing tokens in the text.
func HasResolutionMarker(text string) bool {
	return resolutionPattern.MatchString(text)
}

// HasActionCompletion reports action-confirmation phrases in the text.
func HasActionCompletion(text string) bool {
	return actionCompletionPattern.MatchString(text)
}

// HasUrgencyMarker reports urgency keywords in the text.
func HasUrgencyMarker(text string) bool {
	return urgencyPattern.MatchString(text)
}

// HasEscalationMarker reports escalation phrases in the text.
func HasEscalationMarker(text string) bool {
	return escalationPattern.MatchString(text)
}

// IsWorkflowSignal reports whether a signal marks an observable workflow
// step (the chain analyzer's semantic score counts these).
func IsWorkflowSignal(signal string) bool {
	return strings.HasPrefix(signal, SignalWorkflowPrefix)
}
