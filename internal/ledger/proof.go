package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Proof is a contiguous slice of a scope's chain ending at Seq. It starts at
// genesis, or just after Anchor when a published checkpoint covers the prefix.
type Proof struct {
	Scope   string      `json:"scope"`
	Seq     uint64      `json:"seq"`
	Anchor  *Checkpoint `json:"anchor,omitempty"`
	Entries []*Entry    `json:"entries"`
}

// From is the first sequence number the proof contains.
func (p *Proof) From() uint64 {
	if p.Anchor != nil {
		return p.Anchor.Seq + 1
	}
	return 0
}

// Verify recomputes the proof's chain offline.
func (p *Proof) Verify() *Report {
	anchor := GenesisDigest
	if p.Anchor != nil {
		anchor = p.Anchor.Digest
	}
	r := VerifyChain(p.Scope, p.From(), anchor, p.Entries)
	if r.OK() && (len(p.Entries) == 0 || p.Entries[len(p.Entries)-1].Seq != p.Seq) {
		last := p.From() + uint64(len(p.Entries))
		r.Status = StatusGap
		r.FirstFailureIndex = &last
		r.Details = fmt.Sprintf("proof ends before entry %d", p.Seq)
	}
	return r
}

// Prover is the read-only query surface handed to external collaborators.
// It exposes chain slices and inclusion proofs and has no append capability.
type Prover struct {
	reader      Reader
	checkpoints CheckpointStore // nil = proofs always start at genesis
	verifier    *Verifier
	logger      *zap.Logger
}

// NewProver creates a Prover. checkpoints may be nil.
func NewProver(reader Reader, checkpoints CheckpointStore, logger *zap.Logger) *Prover {
	return &Prover{
		reader:      reader,
		checkpoints: checkpoints,
		verifier:    NewVerifier(reader, checkpoints, logger),
		logger:      logger,
	}
}

// Tip returns the scope's current tip, or nil for an empty scope.
func (p *Prover) Tip(ctx context.Context, scope string) (*Tip, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	return p.reader.ReadTip(ctx, scope)
}

// Entry returns the single entry at seq.
func (p *Prover) Entry(ctx context.Context, scope string, seq uint64) (*Entry, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	entries, err := p.reader.ReadRange(ctx, scope, seq, seq)
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: scope %q seq %d", ErrNotFound, scope, seq)
	}
	return entries[0], nil
}

// Range returns the committed entries with from <= Seq <= to.
func (p *Prover) Range(ctx context.Context, scope string, from, to uint64) ([]*Entry, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}
	return p.reader.ReadRange(ctx, scope, from, to)
}

// GetProof returns the chain from genesis (or the latest checkpoint below seq)
// through seq, for independent recomputation by the caller.
func (p *Prover) GetProof(ctx context.Context, scope string, seq uint64) (*Proof, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}

	proof := &Proof{Scope: scope, Seq: seq}
	if p.checkpoints != nil && seq > 0 {
		cp, err := p.checkpoints.LatestCheckpoint(ctx, scope, seq-1)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		proof.Anchor = cp
	}

	entries, err := p.reader.ReadRange(ctx, scope, proof.From(), seq)
	if err != nil {
		return nil, fmt.Errorf("read proof range: %w", err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Seq != seq {
		return nil, fmt.Errorf("%w: scope %q seq %d", ErrNotFound, scope, seq)
	}
	proof.Entries = entries
	return proof, nil
}

// PublishCheckpoint verifies scope from its latest checkpoint (or genesis)
// through the tip and, only if that range is intact, records a checkpoint at
// the last verified entry. A nil checkpoint with a non-OK report means the
// chain is broken and nothing was published.
func (p *Prover) PublishCheckpoint(ctx context.Context, scope string) (*Checkpoint, *Report, error) {
	if p.checkpoints == nil {
		return nil, nil, fmt.Errorf("checkpoints are not supported by this store")
	}
	tip, err := p.Tip(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	if tip == nil {
		return nil, nil, fmt.Errorf("%w: scope %q is empty", ErrNotFound, scope)
	}

	opts := VerifyOptions{}
	prev, err := p.checkpoints.LatestCheckpoint(ctx, scope, tip.Seq)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if prev != nil {
		if prev.Seq == tip.Seq {
			return prev, nil, nil
		}
		opts.From, opts.Anchor = prev.Seq+1, prev.Digest
	}

	report, err := p.verifier.Verify(ctx, scope, opts)
	if err != nil {
		return nil, nil, err
	}
	if !report.OK() || report.EntriesChecked == 0 {
		return nil, report, nil
	}

	cp := Checkpoint{
		Scope:     scope,
		Seq:       report.CheckedRange[1],
		Digest:    report.LatestDigest,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return nil, report, fmt.Errorf("save checkpoint: %w", err)
	}
	p.logger.Info("ledger checkpoint published",
		zap.String("scope", scope),
		zap.Uint64("seq", cp.Seq),
		zap.String("digest", cp.Digest),
	)
	return &cp, report, nil
}
