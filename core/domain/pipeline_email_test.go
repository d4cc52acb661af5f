package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPhase1Complete, true},
		{StatusPhase1Complete, StatusPhase2Complete, true},
		{StatusPhase1Complete, StatusPhase2Failed, true},
		{StatusPhase2Complete, StatusPhase3Complete, true},
		{StatusPhase2Complete, StatusPhase3Failed, true},
		{StatusPhase2Failed, StatusPhase2Complete, true},
		{StatusPhase3Failed, StatusPhase3Complete, true},

		// Archival is reachable from everywhere.
		{StatusPending, StatusArchived, true},
		{StatusPhase3Complete, StatusArchived, true},
		{StatusPhase2Failed, StatusArchived, true},

		// No skipping, no regressions.
		{StatusPending, StatusPhase2Complete, false},
		{StatusPending, StatusPhase3Complete, false},
		{StatusPhase1Complete, StatusPhase3Complete, false},
		{StatusPhase2Complete, StatusPhase1Complete, false},
		{StatusPhase3Complete, StatusPhase2Complete, false},
		{StatusPhase2Failed, StatusPhase3Complete, false},
		{StatusArchived, StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestUIStatusOf_Total(t *testing.T) {
	want := map[Status]UIStatus{
		StatusPending:        UIUnread,
		StatusPhase1Complete: UIProcessing,
		StatusPhase2Complete: UIResolved,
		StatusPhase3Complete: UIResolved,
		StatusPhase2Failed:   UIEscalated,
		StatusPhase3Failed:   UIEscalated,
		StatusArchived:       UIRead,
	}

	for status, ui := range want {
		if got := UIStatusOf(status); got != ui {
			t.Errorf("UIStatusOf(%s) = %s, want %s", status, got, ui)
		}
	}

	// Unknown statuses still project rather than panicking.
	if got := UIStatusOf(Status("bogus")); got != UIUnread {
		t.Errorf("UIStatusOf(bogus) = %s, want unread", got)
	}
}

func TestFailedPhase(t *testing.T) {
	if got := StatusPhase2Failed.FailedPhase(); got != 2 {
		t.Errorf("phase2_failed phase = %d", got)
	}
	if got := StatusPhase3Failed.FailedPhase(); got != 3 {
		t.Errorf("phase3_failed phase = %d", got)
	}
	if got := StatusPending.FailedPhase(); got != 0 {
		t.Errorf("pending phase = %d", got)
	}
}

func TestAddressDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"buyer@Acme.COM", "acme.com"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := (Address{Address: tt.address}).Domain(); got != tt.want {
			t.Errorf("Domain(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}

func TestPreviewOf(t *testing.T) {
	long := make([]byte, 1200)
	for i := range long {
		long[i] = 'x'
	}
	if got := PreviewOf(string(long)); len(got) != 500 {
		t.Errorf("preview length = %d, want 500", len(got))
	}
	if got := PreviewOf("short"); got != "short" {
		t.Errorf("preview = %q", got)
	}
}
