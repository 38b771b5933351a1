package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxDepth is the nesting depth beyond which a payload is flagged.
const maxDepth = 32

// document is a decoded payload plus the facts rules inspect.
type document struct {
	root    any
	keys    []string // every object key, lower-cased
	strings []string // every string value, lower-cased
	depth   int
}

func decode(payload json.RawMessage) (*document, error) {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, err
	}
	d := &document{root: root}
	d.walk(root, 1)
	return d, nil
}

func (d *document) walk(v any, depth int) {
	if depth > d.depth {
		d.depth = depth
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			d.keys = append(d.keys, strings.ToLower(k))
			d.walk(child, depth+1)
		}
	case []any:
		for _, child := range t {
			d.walk(child, depth+1)
		}
	case string:
		d.strings = append(d.strings, strings.ToLower(t))
	}
}

// ruleFunc inspects a decoded payload and returns zero or more Findings.
type ruleFunc func(d *document) []Finding

// RuleBasedScorer is the default Scorer implementation. It runs a fixed set of
// pattern-matching rules against the payload and accumulates a score.
type RuleBasedScorer struct {
	rules []ruleFunc
}

// NewRuleBasedScorer returns a RuleBasedScorer loaded with the default rule set.
func NewRuleBasedScorer() *RuleBasedScorer {
	return &RuleBasedScorer{rules: []ruleFunc{
		ruleEmptyDocument,
		ruleSecretKeys,
		ruleInjectionPhrases,
		ruleNestingDepth,
	}}
}

// Score implements Scorer. Payloads that are not valid JSON score 100.
func (s *RuleBasedScorer) Score(_ context.Context, _ string, payload json.RawMessage) (*Report, error) {
	d, err := decode(payload)
	if err != nil {
		return &Report{
			Score:    100,
			Severity: severityLabel(100),
			Findings: []Finding{{
				Rule:        "malformed_json",
				Description: fmt.Sprintf("Payload is not valid JSON: %v", err),
				Confidence:  1,
			}},
		}, nil
	}

	var findings []Finding
	for _, r := range s.rules {
		findings = append(findings, r(d)...)
	}

	total := 0
	for _, f := range findings {
		total += int(f.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}
	if findings == nil {
		findings = []Finding{}
	}

	return &Report{
		Score:    total,
		Severity: severityLabel(total),
		Findings: findings,
	}, nil
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// ruleEmptyDocument flags payloads that certify nothing.
func ruleEmptyDocument(d *document) []Finding {
	empty := false
	switch t := d.root.(type) {
	case nil:
		empty = true
	case map[string]any:
		empty = len(t) == 0
	case []any:
		empty = len(t) == 0
	case string:
		empty = strings.TrimSpace(t) == ""
	}
	if !empty {
		return nil
	}
	return []Finding{{
		Rule:        "empty_document",
		Description: "Payload carries no content",
		Confidence:  1.0,
	}}
}

// secretKeys are object keys that indicate credentials or raw personal data
// being written into a permanent record.
var secretKeys = []string{
	"password", "passwd", "secret", "api_key", "apikey", "private_key",
	"access_token", "refresh_token", "ssn", "social_security", "credit_card",
}

func ruleSecretKeys(d *document) []Finding {
	seen := map[string]bool{}
	for _, k := range d.keys {
		for _, s := range secretKeys {
			if strings.Contains(k, s) {
				seen[s] = true
			}
		}
	}
	hits := make([]string, 0, len(seen))
	for s := range seen {
		hits = append(hits, s)
	}
	sort.Strings(hits)

	findings := make([]Finding, 0, len(hits))
	for _, s := range hits {
		findings = append(findings, Finding{
			Rule:        "secret_key",
			Description: "Payload contains a field resembling a credential or personal identifier: " + s,
			Confidence:  0.9,
		})
	}
	return findings
}

// injectionPhrases are substrings in string values that suggest a model
// transcript was tampered with by prompt injection before certification.
var injectionPhrases = []string{
	"ignore previous instructions", "ignore all previous", "disregard the above",
	"system prompt", "jailbreak", "do anything now",
}

func ruleInjectionPhrases(d *document) []Finding {
	var findings []Finding
	for _, phrase := range injectionPhrases {
		for _, s := range d.strings {
			if strings.Contains(s, phrase) {
				findings = append(findings, Finding{
					Rule:        "injection_phrase",
					Description: "Payload text contains suspicious phrase: " + phrase,
					Confidence:  0.6,
				})
				break
			}
		}
	}
	return findings
}

func ruleNestingDepth(d *document) []Finding {
	if d.depth <= maxDepth {
		return nil
	}
	return []Finding{{
		Rule:        "nesting_depth",
		Description: fmt.Sprintf("Payload nesting depth %d exceeds %d", d.depth, maxDepth),
		Confidence:  0.4,
	}}
}
