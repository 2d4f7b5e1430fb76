package workflow

import (
	"testing"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Analysis
		wantErr bool
	}{
		{
			name: "clean json",
			raw:  `{"intent": "lookup", "requires_action": true, "urgency": "high"}`,
			want: Analysis{Intent: "lookup", RequiresAction: true, Urgency: "high"},
		},
		{
			name: "json wrapped in prose",
			raw:  "Here is my analysis:\n```json\n{\"intent\": \"greeting\", \"requires_action\": false}\n```",
			want: Analysis{Intent: "greeting", RequiresAction: false, Urgency: "low"},
		},
		{
			name: "empty fields get defaults",
			raw:  `{"requires_action": true}`,
			want: Analysis{Intent: "unknown", RequiresAction: true, Urgency: "low"},
		},
		{
			name:    "plain prose fails",
			raw:     "I think the user wants to say hello.",
			wantErr: true,
		},
		{
			name:    "truncated json fails",
			raw:     `{"intent": "look`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalysis(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAnalysis(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAnalysis(%q): %v", tt.raw, err)
			}
			if got.Intent != tt.want.Intent ||
				got.RequiresAction != tt.want.RequiresAction ||
				got.Urgency != tt.want.Urgency {
				t.Errorf("ParseAnalysis(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseRecovery(t *testing.T) {
	rec, err := ParseRecovery(`{"should_retry": true, "error_message": "retrying"}`)
	if err != nil {
		t.Fatalf("ParseRecovery: %v", err)
	}
	if !rec.ShouldRetry || rec.ErrorMessage != "retrying" {
		t.Errorf("got %+v", rec)
	}

	rec, err = ParseRecovery(`{"should_retry": false}`)
	if err != nil {
		t.Fatalf("ParseRecovery: %v", err)
	}
	if rec.ErrorMessage == "" {
		t.Error("empty error_message should get the default apology")
	}

	if _, err := ParseRecovery("cannot recover"); err == nil {
		t.Error("prose output should fail to parse")
	}
}

func TestDefaultAnalysis(t *testing.T) {
	a := DefaultAnalysis()
	if a.RequiresAction {
		t.Error("default analysis must not require action")
	}
	if a.Intent != "unknown" || a.Urgency != "low" {
		t.Errorf("unexpected default %+v", a)
	}
}
