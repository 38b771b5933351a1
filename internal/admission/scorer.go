// Package admission screens governance payloads before they are certified.
// It scores each payload against a rule set and rejects high-risk payloads
// before they are hashed into a scope's chain.
package admission

import (
	"context"
	"encoding/json"
)

// Finding is a single rule match returned by the scorer.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Report is the output of a scoring run.
type Report struct {
	// Score is the aggregate risk score (0–100).
	Score int `json:"score"`

	// Severity is a label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Severity string `json:"severity"`

	Findings []Finding `json:"findings"`
}

// Scorer analyses a payload submitted to a scope.
type Scorer interface {
	Score(ctx context.Context, scope string, payload json.RawMessage) (*Report, error)
}

// severityLabel maps a 0–100 score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}
