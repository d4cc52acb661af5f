// Package triage implements the deterministic Phase 1 rule engine.
package triage

import (
	"regexp"
	"strings"

	"pipeline_server/core/domain"
)

// RulesVersion is recorded with every Phase 1 result so downstream
// analytics can filter by pattern generation. Bump on any table change.
const RulesVersion = "v4"

// =============================================================================
// Entity Extraction Tables
// =============================================================================

// entityRule is one versioned extraction pattern.
type entityRule struct {
	kind       domain.EntityKind
	pattern    *regexp.Regexp
	group      int     // capture group holding the value (0 = whole match)
	confidence float64 // pattern precision, from corpus sampling
}

var entityRules = []entityRule{
	// Purchase orders: explicit "PO"/"P.O."/"purchase order" prefix + 6-10 digits
	{domain.EntityPONumbers, regexp.MustCompile(`(?i)\b(?:p\.?o\.?|purchase\s+order)[\s#:]*(\d{6,10})\b`), 1, 0.95},
	// Quote numbers: QT-1234 / quote #Q-5678 styles
	{domain.EntityQuoteNumbers, regexp.MustCompile(`(?i)\b(?:quote|quotation)?[\s#:]*\b(QT?-\d{3,8})\b`), 1, 0.92},
	{domain.EntityQuoteNumbers, regexp.MustCompile(`(?i)\bquote[\s#:]+(\d{4,10})\b`), 1, 0.85},
	// Support cases: CASE-123456, ticket #345678, SR 1234567
	{domain.EntityCaseNumbers, regexp.MustCompile(`(?i)\b(?:case|ticket|sr|incident)[\s#:-]*(\d{5,10})\b`), 1, 0.90},
	// Part numbers: vendor-style alphanumeric SKUs (two letters + digits + optional suffix)
	{domain.EntityPartNumbers, regexp.MustCompile(`\b([A-Z]{2,4}-?\d{3,6}(?:-[A-Z0-9]{1,4})?)\b`), 1, 0.70},
	// Money: $1,234.56 / USD 50000 / 50,000 dollars
	{domain.EntityMoneyAmounts, regexp.MustCompile(`(?i)((?:\$|usd\s?|eur\s?|€)\s?\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?[kKmM]?)`), 1, 0.93},
	{domain.EntityMoneyAmounts, regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?)\s(?:dollars|usd)\b`), 1, 0.88},
	// Dates: ISO, US slash style, and "by Friday" deadline phrases
	{domain.EntityDates, regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), 1, 0.95},
	{domain.EntityDates, regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`), 1, 0.85},
	{domain.EntityDates, regexp.MustCompile(`(?i)\b(by\s+(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|eod|eow|end\s+of\s+(?:day|week|month)|tomorrow))\b`), 1, 0.80},
	{domain.EntityDates, regexp.MustCompile(`(?i)\b((?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)\b`), 1, 0.88},
	// People: "John Smith" style capitalized pairs after salutation cues
	{domain.EntityPeople, regexp.MustCompile(`(?:(?:Hi|Hello|Dear|Thanks|Regards|Best|cc)[,:]?\s+)([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`), 1, 0.60},
	// Organizations: "Acme Corp", "Initech Inc." style suffixed names
	{domain.EntityOrganizations, regexp.MustCompile(`\b([A-Z][A-Za-z0-9&]+(?:\s[A-Z][A-Za-z0-9&]+)*\s(?:Inc|Corp|LLC|Ltd|GmbH|Co)\.?)\b`), 1, 0.75},
}

// ExtractEntities runs the versioned pattern tables over the text and
// returns entities with source spans. Offsets index into the text passed
// in; callers hand the body so spans line up with stored content.
func ExtractEntities(text string) domain.EntityMap {
	entities := make(domain.EntityMap)
	if text == "" {
		return entities
	}

	for _, rule := range entityRules {
		matches := rule.pattern.FindAllStringSubmatchIndex(text, -1)
		for _, m := range matches {
			start, end := m[0], m[1]
			if rule.group > 0 && len(m) > rule.group*2+1 && m[rule.group*2] >= 0 {
				start, end = m[rule.group*2], m[rule.group*2+1]
			}
			value := text[start:end]

			// Part-number patterns are loose; skip values that already
			// matched a more specific kind.
			if rule.kind == domain.EntityPartNumbers && looksLikeOtherEntity(entities, value) {
				continue
			}

			if containsValue(entities[rule.kind], value) {
				continue
			}

			entities[rule.kind] = append(entities[rule.kind], domain.Entity{
				Value:      value,
				Confidence: rule.confidence,
				SourceSpan: [2]int{start, end},
			})
		}
	}

	return entities
}

func containsValue(entities []domain.Entity, value string) bool {
	for _, e := range entities {
		if strings.EqualFold(e.Value, value) {
			return true
		}
	}
	return false
}

func looksLikeOtherEntity(entities domain.EntityMap, value string) bool {
	for _, kind := range []domain.EntityKind{domain.EntityQuoteNumbers, domain.EntityCaseNumbers} {
		if containsValue(entities[kind], value) {
			return true
		}
	}
	return false
}
