package triage

import (
	"strings"
	"testing"

	"pipeline_server/core/domain"
)

func TestAnalyze_Categories(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name         string
		subject      string
		body         string
		wantCategory domain.WorkflowCategory
		wantPriority domain.JobPriority
	}{
		{
			name:         "urgent PO approval classifies as order processing",
			subject:      "Urgent: PO 12345678 approval needed",
			body:         "Please approve the purchase order for $50,000 by Friday.",
			wantCategory: domain.WorkflowOrderProcessing,
			wantPriority: domain.PriorityHigh,
		},
		{
			name:         "quote request",
			subject:      "Request a quote for 40 licenses",
			body:         "Could you send pricing information for the enterprise tier?",
			wantCategory: domain.WorkflowQuoteRequest,
			wantPriority: domain.PriorityMedium,
		},
		{
			name:         "support ticket",
			subject:      "Case #123456: login not working",
			body:         "We keep getting an error message when signing in.",
			wantCategory: domain.WorkflowSupportTicket,
			wantPriority: domain.PriorityMedium,
		},
		{
			name:         "escalation beats everything",
			subject:      "Re: order delayed again",
			body:         "This is unacceptable, I want to escalate this to a manager.",
			wantCategory: domain.WorkflowEscalation,
			wantPriority: domain.PriorityCritical,
		},
		{
			name:         "shipping",
			subject:      "Tracking number for shipment",
			body:         "The carrier shows a new delivery date of 2026-03-04.",
			wantCategory: domain.WorkflowShipping,
			wantPriority: domain.PriorityMedium,
		},
		{
			name:         "renewal",
			subject:      "Contract renewal",
			body:         "Our license is expiring next month, we would like to renew the contract.",
			wantCategory: domain.WorkflowRenewal,
			wantPriority: domain.PriorityMedium,
		},
		{
			name:         "plain note falls back to general",
			subject:      "Lunch on Thursday?",
			body:         "Want to grab lunch this week?",
			wantCategory: domain.WorkflowGeneral,
			wantPriority: domain.PriorityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Analyze(&domain.Email{Subject: tt.subject, BodyText: tt.body})

			if result.WorkflowCategory != tt.wantCategory {
				t.Errorf("category = %s, want %s", result.WorkflowCategory, tt.wantCategory)
			}
			if result.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", result.Priority, tt.wantPriority)
			}
			if result.RulesVersion != RulesVersion {
				t.Errorf("rules_version = %q, want %q", result.RulesVersion, RulesVersion)
			}
		})
	}
}

func TestAnalyze_PurchaseOrderEntities(t *testing.T) {
	engine := NewEngine(nil)

	email := &domain.Email{
		Subject:  "Urgent: PO 12345678 approval needed",
		BodyText: "Please approve PO 12345678 for $50,000 by Friday.",
	}
	result := engine.Analyze(email)

	pos := result.Entities[domain.EntityPONumbers]
	if len(pos) != 1 {
		t.Fatalf("po_numbers = %v, want exactly one", pos)
	}
	if pos[0].Value != "12345678" {
		t.Errorf("po value = %q, want 12345678", pos[0].Value)
	}
	if pos[0].Confidence < 0.9 {
		t.Errorf("po confidence = %v, want >= 0.9", pos[0].Confidence)
	}

	var foundMoney bool
	for _, m := range result.Entities[domain.EntityMoneyAmounts] {
		if strings.Contains(m.Value, "50,000") {
			foundMoney = true
		}
	}
	if !foundMoney {
		t.Errorf("money_amounts = %v, want $50,000", result.Entities[domain.EntityMoneyAmounts])
	}

	var foundDeadline bool
	for _, d := range result.Entities[domain.EntityDates] {
		if strings.EqualFold(d.Value, "by Friday") {
			foundDeadline = true
		}
	}
	if !foundDeadline {
		t.Errorf("dates = %v, want 'by Friday'", result.Entities[domain.EntityDates])
	}
}

func TestAnalyze_SourceSpans(t *testing.T) {
	engine := NewEngine(nil)

	email := &domain.Email{
		Subject:  "Order",
		BodyText: "PO 87654321 is attached.",
	}
	result := engine.Analyze(email)

	pos := result.Entities[domain.EntityPONumbers]
	if len(pos) != 1 {
		t.Fatalf("po_numbers = %v, want one", pos)
	}

	text := email.Subject + "\n" + email.BodyText
	span := pos[0].SourceSpan
	if got := text[span[0]:span[1]]; got != pos[0].Value {
		t.Errorf("span %v resolves to %q, want %q", span, got, pos[0].Value)
	}
}

func TestAnalyze_EmptyBody(t *testing.T) {
	engine := NewEngine(nil)

	result := engine.Analyze(&domain.Email{})

	if result.WorkflowCategory != domain.WorkflowGeneral {
		t.Errorf("category = %s, want general", result.WorkflowCategory)
	}
	if result.Priority != domain.PriorityMedium {
		t.Errorf("priority = %s, want medium", result.Priority)
	}
	if len(result.Entities) != 0 {
		t.Errorf("entities = %v, want empty", result.Entities)
	}
	if result.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", result.Confidence)
	}
}

func TestAnalyze_CustomerDomainBumpsPriority(t *testing.T) {
	engine := NewEngine(&Config{CustomerDomains: []string{"bigcustomer.com"}})

	email := &domain.Email{
		Subject:  "Order status",
		BodyText: "Checking on the order status for last week's purchase order 1234567.",
		Sender:   domain.Address{Address: "buyer@bigcustomer.com"},
	}
	result := engine.Analyze(email)

	if result.Priority != domain.PriorityHigh {
		t.Errorf("priority = %s, want high (customer bump from medium)", result.Priority)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	engine := NewEngine(nil)
	email := &domain.Email{
		Subject:  "Re: quote QT-9987",
		BodyText: "Quote accepted, please proceed. Resolved on our side.",
	}

	first := engine.Analyze(email)
	for i := 0; i < 5; i++ {
		again := engine.Analyze(email)
		if again.WorkflowCategory != first.WorkflowCategory ||
			again.Priority != first.Priority ||
			again.Confidence != first.Confidence ||
			len(again.Signals) != len(first.Signals) {
			t.Fatalf("run %d differed: %+v vs %+v", i, again, first)
		}
	}
}

func TestSignals(t *testing.T) {
	engine := NewEngine(nil)

	email := &domain.Email{
		Subject:  "Re: PO 12345678",
		BodyText: "PO approved, quote #QT-9987 accepted. Case resolved.",
	}
	result := engine.Analyze(email)

	want := map[string]bool{
		SignalReply:            false,
		SignalResolution:       false,
		SignalActionCompletion: false,
	}
	for _, s := range result.Signals {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for signal, seen := range want {
		if !seen {
			t.Errorf("signal %s missing from %v", signal, result.Signals)
		}
	}

	var workflow bool
	for _, s := range result.Signals {
		if IsWorkflowSignal(s) {
			workflow = true
		}
	}
	if !workflow {
		t.Errorf("no workflow signal in %v", result.Signals)
	}
}
