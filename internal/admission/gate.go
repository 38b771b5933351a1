package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxPayloadBytes = 1 << 20
	DefaultRejectScore     = 20
)

// Config tunes the Gate.
type Config struct {
	MaxPayloadBytes int
	RejectScore     int
}

// Gate adapts a Scorer to ledger.AdmissionGate. Payloads over the size limit
// are rejected without scoring; the rest are rejected when their score
// reaches RejectScore.
type Gate struct {
	scorer Scorer
	cfg    Config
	logger *zap.Logger
}

// NewGate creates a Gate. A nil scorer selects NewRuleBasedScorer.
func NewGate(scorer Scorer, cfg Config, logger *zap.Logger) *Gate {
	if scorer == nil {
		scorer = NewRuleBasedScorer()
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.RejectScore <= 0 {
		cfg.RejectScore = DefaultRejectScore
	}
	return &Gate{scorer: scorer, cfg: cfg, logger: logger}
}

// Admit implements ledger.AdmissionGate.
func (g *Gate) Admit(ctx context.Context, scope string, payload json.RawMessage) (*ledger.Verdict, error) {
	if len(payload) > g.cfg.MaxPayloadBytes {
		return &ledger.Verdict{
			Reason:   "payload too large",
			Findings: []string{fmt.Sprintf("payload is %d bytes, limit is %d", len(payload), g.cfg.MaxPayloadBytes)},
		}, nil
	}

	report, err := g.scorer.Score(ctx, scope, payload)
	if err != nil {
		return nil, fmt.Errorf("score payload: %w", err)
	}
	if report.Score < g.cfg.RejectScore {
		return &ledger.Verdict{Admitted: true}, nil
	}

	findings := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, f.Rule+": "+f.Description)
	}
	g.logger.Warn("payload rejected by admission gate",
		zap.String("scope", scope),
		zap.Int("score", report.Score),
		zap.String("severity", report.Severity),
		zap.Strings("findings", findings),
	)
	return &ledger.Verdict{
		Reason:   fmt.Sprintf("risk score %d (%s)", report.Score, report.Severity),
		Findings: findings,
	}, nil
}

var _ ledger.AdmissionGate = (*Gate)(nil)
