package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Analysis is the structured reading of an inbound message.
type Analysis struct {
	Intent         string                 `json:"intent"`
	Entities       map[string]interface{} `json:"entities,omitempty"`
	RequiresAction bool                   `json:"requires_action"`
	Urgency        string                 `json:"urgency"`
	Context        string                 `json:"context,omitempty"`
}

// DefaultAnalysis is the conservative reading used when the model's output
// cannot be parsed: no action, low urgency.
func DefaultAnalysis() Analysis {
	return Analysis{
		Intent:         "unknown",
		RequiresAction: false,
		Urgency:        "low",
	}
}

// ParseAnalysis decodes the model's analysis output. The caller is expected
// to fall back to DefaultAnalysis on error.
func ParseAnalysis(raw string) (Analysis, error) {
	var a Analysis
	if err := decodeLoose(raw, &a); err != nil {
		return Analysis{}, fmt.Errorf("parse analysis: %w", err)
	}
	if a.Intent == "" {
		a.Intent = "unknown"
	}
	if a.Urgency == "" {
		a.Urgency = "low"
	}
	return a, nil
}

// Recovery is the model's recommendation after an error.
type Recovery struct {
	ShouldRetry     bool   `json:"should_retry"`
	ErrorMessage    string `json:"error_message"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// DefaultRecovery is the non-retry fallback used when the model's recovery
// output cannot be parsed.
func DefaultRecovery() Recovery {
	return Recovery{
		ShouldRetry:  false,
		ErrorMessage: "I'm sorry, something went wrong while handling your request. Please try again.",
	}
}

// ParseRecovery decodes the model's recovery output. The caller is expected
// to fall back to DefaultRecovery on error.
func ParseRecovery(raw string) (Recovery, error) {
	var r Recovery
	if err := decodeLoose(raw, &r); err != nil {
		return Recovery{}, fmt.Errorf("parse recovery: %w", err)
	}
	if r.ErrorMessage == "" {
		r.ErrorMessage = DefaultRecovery().ErrorMessage
	}
	return r, nil
}

// decodeLoose unmarshals JSON that may be wrapped in surrounding prose or a
// markdown fence, as chat models often produce.
func decodeLoose(raw string, out interface{}) error {
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in output")
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), out)
}
