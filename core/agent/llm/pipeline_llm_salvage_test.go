package llm

import (
	"errors"
	"testing"
)

func TestSalvage(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantSalvaged bool
		wantErr      bool
		wantKey      string
		wantValue    any
	}{
		{
			name:      "clean JSON passes through",
			raw:       `{"confidence": 0.9, "summary": "ok"}`,
			wantKey:   "summary",
			wantValue: "ok",
		},
		{
			name:         "markdown fenced block",
			raw:          "Here is the analysis:\n```json\n{\"confidence\": 0.8}\n```\nLet me know.",
			wantSalvaged: true,
			wantKey:      "confidence",
			wantValue:    0.8,
		},
		{
			name:         "fence without language tag",
			raw:          "```\n{\"risk\": \"low\"}\n```",
			wantSalvaged: true,
			wantKey:      "risk",
			wantValue:    "low",
		},
		{
			name:         "prefixed prose before object",
			raw:          `Sure! The result is {"category": "order_processing"} as requested.`,
			wantSalvaged: true,
			wantKey:      "category",
			wantValue:    "order_processing",
		},
		{
			name:         "unquoted keys",
			raw:          `{confidence: 0.7, summary: "fine"}`,
			wantSalvaged: true,
			wantKey:      "confidence",
			wantValue:    0.7,
		},
		{
			name:         "trailing commas",
			raw:          `{"items": ["a", "b",], "n": 2,}`,
			wantSalvaged: true,
			wantKey:      "n",
			wantValue:    float64(2),
		},
		{
			name:         "nested braces inside strings survive extraction",
			raw:          `Note: {"summary": "use {braces} carefully", "ok": true} trailing`,
			wantSalvaged: true,
			wantKey:      "summary",
			wantValue:    "use {braces} carefully",
		},
		{
			name:    "plain prose is unsalvageable",
			raw:     "I could not produce a structured answer, sorry.",
			wantErr: true,
		},
		{
			name:    "empty output is unsalvageable",
			raw:     "   ",
			wantErr: true,
		},
		{
			name:    "truncated object is unsalvageable",
			raw:     `{"summary": "cut off mid`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, salvaged, err := Salvage(tt.raw)

			if tt.wantErr {
				if !errors.Is(err, ErrUnsalvageable) {
					t.Fatalf("err = %v, want ErrUnsalvageable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if salvaged != tt.wantSalvaged {
				t.Errorf("salvaged = %v, want %v", salvaged, tt.wantSalvaged)
			}
			if got := parsed[tt.wantKey]; got != tt.wantValue {
				t.Errorf("parsed[%q] = %v (%T), want %v", tt.wantKey, got, got, tt.wantValue)
			}
		})
	}
}
