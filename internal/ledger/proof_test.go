package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

func seed(t *testing.T, scope string, n int) (*ledger.Coordinator, *ledger.MemoryStore) {
	t.Helper()
	c, store := newCoordinator(t)
	for i := 0; i < n; i++ {
		mustAppend(t, c, scope, fmt.Sprintf(`{"i":%d}`, i))
	}
	return c, store
}

func TestGetProof_fromGenesis(t *testing.T) {
	_, store := seed(t, "org-1", 5)
	p := ledger.NewProver(store, store, zap.NewNop())

	proof, err := p.GetProof(ctx, "org-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if proof.Anchor != nil || proof.From() != 0 {
		t.Errorf("expected a genesis proof, got anchor %+v", proof.Anchor)
	}
	if len(proof.Entries) != 4 {
		t.Fatalf("expected entries 0..3, got %d", len(proof.Entries))
	}
	if r := proof.Verify(); !r.OK() {
		t.Errorf("proof does not verify: %s", r.Details)
	}
}

func TestGetProof_notFound(t *testing.T) {
	_, store := seed(t, "org-1", 2)
	p := ledger.NewProver(store, store, zap.NewNop())

	if _, err := p.GetProof(ctx, "org-1", 9); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Entry(ctx, "org-1", 9); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishCheckpoint_anchorsLaterProofs(t *testing.T) {
	c, store := seed(t, "org-1", 4)
	p := ledger.NewProver(store, store, zap.NewNop())

	cp, report, err := p.PublishCheckpoint(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Seq != 3 || !report.OK() {
		t.Fatalf("checkpoint: %+v report: %+v", cp, report)
	}

	for i := 0; i < 3; i++ {
		mustAppend(t, c, "org-1", fmt.Sprintf(`{"later":%d}`, i))
	}

	proof, err := p.GetProof(ctx, "org-1", 6)
	if err != nil {
		t.Fatal(err)
	}
	if proof.Anchor == nil || proof.Anchor.Seq != 3 {
		t.Fatalf("expected proof anchored at checkpoint 3, got %+v", proof.Anchor)
	}
	if len(proof.Entries) != 3 || proof.From() != 4 {
		t.Errorf("expected entries 4..6, got %d from %d", len(proof.Entries), proof.From())
	}
	if r := proof.Verify(); !r.OK() {
		t.Errorf("anchored proof does not verify: %s", r.Details)
	}

	// A second checkpoint only verifies the entries since the first.
	cp2, report, err := p.PublishCheckpoint(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if cp2.Seq != 6 || report.EntriesChecked != 3 {
		t.Errorf("second checkpoint: seq=%d checked=%d", cp2.Seq, report.EntriesChecked)
	}

	// Publishing again without new entries returns the existing checkpoint.
	cp3, _, err := p.PublishCheckpoint(ctx, "org-1")
	if err != nil || cp3.Seq != 6 {
		t.Errorf("idempotent publish: %+v %v", cp3, err)
	}
}

func TestPublishCheckpoint_emptyScope(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := ledger.NewProver(store, store, zap.NewNop())
	if _, _, err := p.PublishCheckpoint(ctx, "org-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProofVerify_detectsTamperedEntry(t *testing.T) {
	_, store := seed(t, "org-1", 3)
	proof, err := ledger.NewProver(store, nil, zap.NewNop()).GetProof(ctx, "org-1", 2)
	if err != nil {
		t.Fatal(err)
	}

	proof.Entries[1].CreatedBy = "someone-else" // not hashed
	if r := proof.Verify(); !r.OK() {
		t.Errorf("unhashed metadata change should not fail: %s", r.Details)
	}

	proof.Entries[1].PayloadDigest = proof.Entries[0].PayloadDigest
	r := proof.Verify()
	if r.Status != ledger.StatusTampered || *r.FirstFailureIndex != 1 {
		t.Errorf("expected TAMPERED at 1, got %s %v", r.Status, r.FirstFailureIndex)
	}
}

func TestProofVerify_truncated(t *testing.T) {
	_, store := seed(t, "org-1", 3)
	proof, _ := ledger.NewProver(store, nil, zap.NewNop()).GetProof(ctx, "org-1", 2)
	proof.Entries = proof.Entries[:2]

	r := proof.Verify()
	if r.Status != ledger.StatusGap {
		t.Errorf("expected GAP for a truncated proof, got %s", r.Status)
	}
}
