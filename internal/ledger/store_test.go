package ledger_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// fullStore is what every production backend provides.
type fullStore interface {
	ledger.Store
	ledger.HaltRegistry
	ledger.CheckpointStore
	ledger.ScopeLister
}

// chainOf builds n correctly linked entries for scope following tip.
func chainOf(scope string, tip *ledger.Tip, n int) []*ledger.Entry {
	seq, prev := uint64(0), ledger.GenesisDigest
	if tip != nil {
		seq, prev = tip.Seq+1, tip.Digest
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	out := make([]*ledger.Entry, 0, n)
	for i := 0; i < n; i++ {
		pd, _ := ledger.PayloadDigest([]byte(fmt.Sprintf(`{"seq":%d}`, seq)))
		e := &ledger.Entry{
			Scope:          scope,
			Seq:            seq,
			PayloadRef:     fmt.Sprintf("ref-%d", seq),
			PayloadDigest:  pd,
			PreviousDigest: prev,
			CreatedAt:      now,
			CreatedBy:      "suite",
		}
		e.EntryDigest = ledger.Link(pd, prev, seq, scope)
		out = append(out, e)
		seq, prev = seq+1, e.EntryDigest
	}
	return out
}

func tipOf(e *ledger.Entry) *ledger.Tip {
	return &ledger.Tip{Scope: e.Scope, Seq: e.Seq, Digest: e.EntryDigest}
}

// runStoreSuite checks the Store contract against any backend. scope should
// be unique per run so persistent backends can be reused.
func runStoreSuite(t *testing.T, store fullStore, scope string) {
	t.Run("empty scope", func(t *testing.T) {
		tip, err := store.ReadTip(ctx, scope)
		if err != nil || tip != nil {
			t.Fatalf("ReadTip on empty scope: %+v %v", tip, err)
		}
		got, err := store.ReadRange(ctx, scope, 0, 100)
		if err != nil || len(got) != 0 {
			t.Fatalf("ReadRange on empty scope: %d %v", len(got), err)
		}
	})

	t.Run("append and read back", func(t *testing.T) {
		batchID := uuid.New()
		entries := chainOf(scope, nil, 3)
		entries[1].BatchID = &batchID
		if err := store.AppendIfTip(ctx, scope, nil, entries...); err != nil {
			t.Fatal(err)
		}
		got, err := store.ReadRange(ctx, scope, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(got))
		}
		for i, e := range got {
			w := entries[i]
			if e.Seq != w.Seq || e.EntryDigest != w.EntryDigest || e.PayloadRef != w.PayloadRef ||
				e.PreviousDigest != w.PreviousDigest || !e.CreatedAt.Equal(w.CreatedAt) {
				t.Errorf("entry %d round trip mismatch: %+v", i, e)
			}
		}
		if got[1].BatchID == nil || *got[1].BatchID != batchID || got[0].BatchID != nil {
			t.Error("batch id not preserved")
		}
		tip, _ := store.ReadTip(ctx, scope)
		if tip == nil || tip.Seq != 2 || tip.Digest != entries[2].EntryDigest {
			t.Errorf("tip: %+v", tip)
		}
	})

	t.Run("stale tip is rejected", func(t *testing.T) {
		tip, _ := store.ReadTip(ctx, scope)
		stale := &ledger.Tip{Scope: scope, Seq: tip.Seq - 1, Digest: "stale"}
		err := store.AppendIfTip(ctx, scope, stale, chainOf(scope, stale, 1)...)
		if !errors.Is(err, ledger.ErrTipMismatch) {
			t.Fatalf("expected ErrTipMismatch, got %v", err)
		}
		if err := store.AppendIfTip(ctx, scope, nil, chainOf(scope, nil, 1)...); !errors.Is(err, ledger.ErrTipMismatch) {
			t.Fatalf("nil expectation on non-empty scope: expected ErrTipMismatch, got %v", err)
		}
	})

	t.Run("non contiguous batch is rejected", func(t *testing.T) {
		tip, _ := store.ReadTip(ctx, scope)
		entries := chainOf(scope, tip, 2)
		entries[1].Seq += 5
		err := store.AppendIfTip(ctx, scope, tip, entries...)
		if !errors.Is(err, ledger.ErrIntegrityViolation) {
			t.Fatalf("expected ErrIntegrityViolation, got %v", err)
		}
		after, _ := store.ReadTip(ctx, scope)
		if after.Seq != tip.Seq {
			t.Error("rejected batch moved the tip")
		}
	})

	t.Run("concurrent compare and append", func(t *testing.T) {
		tip, _ := store.ReadTip(ctx, scope)
		const writers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			won     int
			lost    int
			unknown []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.AppendIfTip(ctx, scope, tip, chainOf(scope, tip, 1)...)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case errors.Is(err, ledger.ErrTipMismatch), errors.Is(err, ledger.ErrIntegrityViolation):
					lost++
				default:
					unknown = append(unknown, err)
				}
			}()
		}
		wg.Wait()
		if won != 1 || lost != writers-1 || len(unknown) > 0 {
			t.Errorf("won=%d lost=%d unknown=%v", won, lost, unknown)
		}
	})

	t.Run("scope isolation", func(t *testing.T) {
		other := scope + "-other"
		if err := store.AppendIfTip(ctx, other, nil, chainOf(other, nil, 1)...); err != nil {
			t.Fatal(err)
		}
		got, _ := store.ReadRange(ctx, other, 0, 100)
		if len(got) != 1 || got[0].Scope != other {
			t.Errorf("other scope: %+v", got)
		}
	})

	t.Run("list scopes", func(t *testing.T) {
		scopes, err := store.ListScopes(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := map[string]bool{}
		for _, s := range scopes {
			found[s] = true
		}
		if !found[scope] || !found[scope+"-other"] {
			t.Errorf("ListScopes missing %q or its sibling: %v", scope, scopes)
		}
	})

	t.Run("halts", func(t *testing.T) {
		if err := store.Halt(ctx, scope, "duplicate seq"); err != nil {
			t.Fatal(err)
		}
		reason, halted, err := store.HaltReason(ctx, scope)
		if err != nil || !halted || reason != "duplicate seq" {
			t.Fatalf("HaltReason: %q %v %v", reason, halted, err)
		}
		if err := store.ClearHalt(ctx, scope); err != nil {
			t.Fatal(err)
		}
		if _, halted, _ := store.HaltReason(ctx, scope); halted {
			t.Error("halt not cleared")
		}
	})

	t.Run("checkpoints", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		for _, seq := range []uint64{1, 3} {
			if err := store.SaveCheckpoint(ctx, ledger.Checkpoint{Scope: scope, Seq: seq, Digest: fmt.Sprintf("d%d", seq), CreatedAt: now}); err != nil {
				t.Fatal(err)
			}
		}
		cp, err := store.LatestCheckpoint(ctx, scope, 2)
		if err != nil || cp == nil || cp.Seq != 1 || cp.Digest != "d1" {
			t.Fatalf("LatestCheckpoint(2): %+v %v", cp, err)
		}
		cp, _ = store.LatestCheckpoint(ctx, scope, 100)
		if cp == nil || cp.Seq != 3 {
			t.Errorf("LatestCheckpoint(100): %+v", cp)
		}
		if cp, _ := store.LatestCheckpoint(ctx, scope, 0); cp != nil {
			t.Errorf("LatestCheckpoint(0): %+v", cp)
		}
	})

	t.Run("coordinator and verifier end to end", func(t *testing.T) {
		s := scope + "-e2e"
		c := ledger.NewCoordinator(store, zap.NewNop())
		for i := 0; i < 5; i++ {
			mustAppend(t, c, s, fmt.Sprintf(`{"n":%d}`, i))
		}
		r, err := ledger.NewVerifier(store, store, zap.NewNop()).Verify(ctx, s, ledger.VerifyOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !r.OK() || r.EntriesChecked != 5 {
			t.Errorf("verify: %s %d", r.Status, r.EntriesChecked)
		}
	})
}

func TestMemoryStore_contract(t *testing.T) {
	runStoreSuite(t, ledger.NewMemoryStore(), "org-mem")
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := ledger.NewMemoryStore()
	entries := chainOf("org-1", nil, 1)
	if err := store.AppendIfTip(ctx, "org-1", nil, entries...); err != nil {
		t.Fatal(err)
	}
	entries[0].EntryDigest = "mutated"
	got, _ := store.ReadRange(ctx, "org-1", 0, 0)
	got[0].PayloadRef = "mutated"

	again, _ := store.ReadRange(ctx, "org-1", 0, 0)
	if again[0].EntryDigest == "mutated" || again[0].PayloadRef == "mutated" {
		t.Error("store shares entry memory with callers")
	}
}

func TestMemoryStore_duplicateSeqIsIntegrityViolation(t *testing.T) {
	store := ledger.NewMemoryStore()
	first := chainOf("org-1", nil, 2)
	if err := store.AppendIfTip(ctx, "org-1", nil, first...); err != nil {
		t.Fatal(err)
	}
	// A writer that believes seq 1 is the tip but whose batch reuses seq 1.
	tip := tipOf(first[1])
	dup := chainOf("org-1", tipOf(first[0]), 1)
	err := store.AppendIfTip(ctx, "org-1", tip, dup...)
	if !errors.Is(err, ledger.ErrIntegrityViolation) {
		t.Errorf("expected ErrIntegrityViolation, got %v", err)
	}
}
