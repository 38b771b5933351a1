package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// seedScope appends n entries to scope and returns the store.
func seedScope(t *testing.T, scope string, n int) (*MemoryStore, *Coordinator) {
	t.Helper()
	store := NewMemoryStore()
	c := NewCoordinator(store, zap.NewNop())
	for i := 0; i < n; i++ {
		_, err := c.Append(context.Background(), scope, Submission{
			PayloadRef: fmt.Sprintf("doc-%d", i),
			Payload:    json.RawMessage(fmt.Sprintf(`{"decision":%d}`, i)),
			Actor:      "svc",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return store, c
}

// tamper mutates the stored entry at seq in place.
func tamper(s *MemoryStore, scope string, seq uint64, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[scope] {
		if e.Seq == seq {
			fn(e)
		}
	}
}

// remove deletes the stored entry at seq, leaving the tip untouched.
func remove(s *MemoryStore, scope string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[scope]
	for i, e := range list {
		if e.Seq == seq {
			s.entries[scope] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func verify(t *testing.T, s *MemoryStore, scope string, opts VerifyOptions) *Report {
	t.Helper()
	r, err := NewVerifier(s, s, zap.NewNop()).Verify(context.Background(), scope, opts)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return r
}

func assertFailure(t *testing.T, r *Report, status Status, idx uint64) {
	t.Helper()
	if r.Status != status {
		t.Fatalf("status: got %s (%s), want %s", r.Status, r.Details, status)
	}
	if r.FirstFailureIndex == nil || *r.FirstFailureIndex != idx {
		t.Fatalf("first failure index: got %v, want %d", r.FirstFailureIndex, idx)
	}
}

func TestVerify_intactChain(t *testing.T) {
	s, _ := seedScope(t, "org-1", 10)

	r := verify(t, s, "org-1", VerifyOptions{})
	if !r.OK() {
		t.Fatalf("expected OK, got %s: %s", r.Status, r.Details)
	}
	if r.EntriesChecked != 10 {
		t.Errorf("entries checked: got %d, want 10", r.EntriesChecked)
	}
	if r.CheckedRange[0] != 0 || r.CheckedRange[1] != 9 {
		t.Errorf("checked range: %v", r.CheckedRange)
	}
	tip, _ := s.ReadTip(context.Background(), "org-1")
	if r.LatestDigest != tip.Digest {
		t.Errorf("latest digest %s != tip %s", r.LatestDigest, tip.Digest)
	}
	if !strings.HasPrefix(r.Statement(), "chain of 10 entries, verified OK") {
		t.Errorf("statement: %q", r.Statement())
	}
}

func TestVerify_emptyScope(t *testing.T) {
	s := NewMemoryStore()
	r := verify(t, s, "nobody", VerifyOptions{})
	if !r.OK() || r.EntriesChecked != 0 || r.CheckedRange != nil {
		t.Errorf("empty scope: %+v", r)
	}
}

func TestVerify_payloadDigestTampered(t *testing.T) {
	s, _ := seedScope(t, "org-1", 5)
	tamper(s, "org-1", 2, func(e *Entry) { e.PayloadDigest = sha256Sum([]byte("forged")) })

	assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusTampered, 2)
}

func TestVerify_entryDigestTampered(t *testing.T) {
	for _, idx := range []uint64{0, 3, 6} {
		t.Run(fmt.Sprintf("seq_%d", idx), func(t *testing.T) {
			s, _ := seedScope(t, "org-1", 7)
			tamper(s, "org-1", idx, func(e *Entry) { e.EntryDigest = strings.Repeat("0", 64) })

			assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusTampered, idx)
		})
	}
}

func TestVerify_recomputedForgeryBreaksSuccessor(t *testing.T) {
	s, _ := seedScope(t, "org-1", 4)
	// A forger who rewrites entry 1 consistently still breaks entry 2's link.
	tamper(s, "org-1", 1, func(e *Entry) {
		e.PayloadDigest = sha256Sum([]byte("forged"))
		e.EntryDigest = Link(e.PayloadDigest, e.PreviousDigest, e.Seq, e.Scope)
	})

	assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusTampered, 2)
}

func TestVerify_gapFromDeletion(t *testing.T) {
	s, _ := seedScope(t, "org-1", 6)
	remove(s, "org-1", 3)

	assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusGap, 3)
}

func TestVerify_gapFromTruncation(t *testing.T) {
	s, _ := seedScope(t, "org-1", 6)
	remove(s, "org-1", 5)

	assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusGap, 5)
}

func TestVerify_forkFromDuplicateSeq(t *testing.T) {
	s, _ := seedScope(t, "org-1", 4)
	s.mu.Lock()
	dup := s.entries["org-1"][2].clone()
	dup.PayloadRef = "doc-other"
	s.entries["org-1"] = append(s.entries["org-1"], dup)
	s.mu.Unlock()

	assertFailure(t, verify(t, s, "org-1", VerifyOptions{}), StatusFork, 2)
}

func TestVerify_pagedWalk(t *testing.T) {
	s, _ := seedScope(t, "org-1", 25)
	tamper(s, "org-1", 17, func(e *Entry) { e.PreviousDigest = GenesisDigest })

	v := NewVerifier(s, s, zap.NewNop())
	v.pageSize = 4
	r, err := v.Verify(context.Background(), "org-1", VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertFailure(t, r, StatusTampered, 17)
	if r.EntriesChecked != 17 {
		t.Errorf("entries checked before failure: %d", r.EntriesChecked)
	}
}

func TestVerify_partialRange(t *testing.T) {
	s, _ := seedScope(t, "org-1", 10)
	ctx := context.Background()

	if _, err := NewVerifier(s, s, zap.NewNop()).Verify(ctx, "org-1", VerifyOptions{From: 5}); !errors.Is(err, ErrAnchorRequired) {
		t.Fatalf("expected ErrAnchorRequired, got %v", err)
	}

	prev, _ := s.ReadRange(ctx, "org-1", 4, 4)
	to := uint64(7)
	r := verify(t, s, "org-1", VerifyOptions{From: 5, To: &to, Anchor: prev[0].EntryDigest})
	if !r.OK() || r.EntriesChecked != 3 {
		t.Fatalf("partial verify: %s (%d checked)", r.Status, r.EntriesChecked)
	}

	r = verify(t, s, "org-1", VerifyOptions{From: 5, Anchor: strings.Repeat("a", 64)})
	assertFailure(t, r, StatusTampered, 5)

	if err := s.SaveCheckpoint(ctx, Checkpoint{Scope: "org-1", Seq: 4, Digest: prev[0].EntryDigest}); err != nil {
		t.Fatal(err)
	}
	if r := verify(t, s, "org-1", VerifyOptions{From: 5}); !r.OK() {
		t.Errorf("checkpoint anchor: %s", r.Details)
	}

	bad := uint64(2)
	if _, err := NewVerifier(s, s, zap.NewNop()).Verify(ctx, "org-1", VerifyOptions{From: 5, To: &bad}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

// mapResolver serves payload content from a map keyed by ref.
type mapResolver map[string]string

func (m mapResolver) Fetch(_ context.Context, _, ref string) ([]byte, error) {
	body, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	return []byte(body), nil
}

func (m mapResolver) Put(_ context.Context, _, ref string, body []byte) error {
	m[ref] = string(body)
	return nil
}

func TestVerify_payloadCheck(t *testing.T) {
	s, _ := seedScope(t, "org-1", 3)
	content := mapResolver{
		"doc-0": `{"decision":0}`,
		"doc-1": `{ "decision" : 1 }`,
		"doc-2": `{"decision":2}`,
	}
	v := NewVerifier(s, s, zap.NewNop())
	v.SetContentResolver(content)

	r, err := v.Verify(context.Background(), "org-1", VerifyOptions{PayloadCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || !r.PayloadChecked {
		t.Fatalf("expected OK with payload check, got %s: %s", r.Status, r.Details)
	}

	content["doc-1"] = `{"decision":99}`
	r, _ = v.Verify(context.Background(), "org-1", VerifyOptions{PayloadCheck: true})
	assertFailure(t, r, StatusTampered, 1)

	content["doc-1"] = `{"decision":1}`
	delete(content, "doc-2")
	r, _ = v.Verify(context.Background(), "org-1", VerifyOptions{PayloadCheck: true})
	assertFailure(t, r, StatusTampered, 2)
}

func TestVerify_payloadRefRepointed(t *testing.T) {
	s, _ := seedScope(t, "org-42", 3)
	v := NewVerifier(s, s, zap.NewNop())
	v.SetContentResolver(mapResolver{
		"doc-0":    `{"decision":0}`,
		"doc-1":    `{"decision":1}`,
		"doc-2":    `{"decision":2}`,
		"doc-evil": `{"decision":"rewritten"}`,
	})

	tamper(s, "org-42", 0, func(e *Entry) { e.PayloadRef = "doc-evil" })

	r, err := v.Verify(context.Background(), "org-42", VerifyOptions{PayloadCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	assertFailure(t, r, StatusTampered, 0)
}

func TestVerify_payloadCheckWithoutResolver(t *testing.T) {
	s, _ := seedScope(t, "org-1", 1)
	_, err := NewVerifier(s, s, zap.NewNop()).Verify(context.Background(), "org-1", VerifyOptions{PayloadCheck: true})
	if err == nil {
		t.Fatal("expected an error when no content resolver is configured")
	}
}

func TestVerify_resultRecorder(t *testing.T) {
	s, _ := seedScope(t, "org-1", 2)
	v := NewVerifier(s, s, zap.NewNop())
	var got []Status
	v.SetResultRecorder(func(r *Report) { got = append(got, r.Status) })

	_, _ = v.Verify(context.Background(), "org-1", VerifyOptions{})
	remove(s, "org-1", 0)
	_, _ = v.Verify(context.Background(), "org-1", VerifyOptions{})

	if len(got) != 2 || got[0] != StatusOK || got[1] != StatusGap {
		t.Errorf("recorded statuses: %v", got)
	}
}

func TestVerifyChain_offline(t *testing.T) {
	s, _ := seedScope(t, "org-1", 5)
	entries, _ := s.ReadRange(context.Background(), "org-1", 0, 4)

	if r := VerifyChain("org-1", 0, "", entries); !r.OK() {
		t.Fatalf("offline verify: %s", r.Details)
	}
	if r := VerifyChain("org-2", 0, "", entries); r.OK() {
		t.Error("entries verified under the wrong scope")
	}

	entries[4].PayloadDigest = strings.Repeat("f", 64)
	assertFailure(t, VerifyChain("org-1", 0, "", entries), StatusTampered, 4)
}

func TestVerify_statementNamesFailingEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCoordinator(store, zap.NewNop())

	payloads := []string{
		`{"event":"model_deployed","model":"credit-v3"}`,
		`{"event":"bias_audit","result":"pass"}`,
		`{"event":"human_override","by":"risk-officer"}`,
	}
	var entries []*Entry
	for i, p := range payloads {
		e, err := c.Append(ctx, "org-42", Submission{PayloadRef: fmt.Sprintf("ref-%d", i), Payload: json.RawMessage(p)})
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
	}

	if entries[0].PreviousDigest != GenesisDigest ||
		entries[1].PreviousDigest != entries[0].EntryDigest ||
		entries[2].PreviousDigest != entries[1].EntryDigest {
		t.Fatal("entries are not linked in order")
	}

	r := verify(t, store, "org-42", VerifyOptions{})
	if !r.OK() || r.EntriesChecked != 3 || r.LatestDigest != entries[2].EntryDigest {
		t.Fatalf("scenario verify: %+v", r)
	}

	tamper(store, "org-42", 1, func(e *Entry) {
		d, _ := PayloadDigest([]byte(`{"event":"bias_audit","result":"fail"}`))
		e.PayloadDigest = d
	})
	assertFailure(t, verify(t, store, "org-42", VerifyOptions{}), StatusTampered, 1)
	if !strings.HasPrefix(verify(t, store, "org-42", VerifyOptions{}).Statement(), "integrity failure: TAMPERED at entry 1") {
		t.Error("statement does not name the failing entry")
	}
}

func TestScenario_org42(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	docs := mapResolver{}
	c := NewCoordinator(store, zap.NewNop())
	c.SetContentSink(docs)
	v := NewVerifier(store, store, zap.NewNop())
	v.SetContentResolver(docs)

	e0, err := c.Append(ctx, "org-42", Submission{Payload: json.RawMessage(`{"event":"VERIFIED","reqId":"R1"}`)})
	if err != nil {
		t.Fatal(err)
	}
	e1, err := c.Append(ctx, "org-42", Submission{Payload: json.RawMessage(`{"event":"SCORE_UPDATE","score":84}`)})
	if err != nil {
		t.Fatal(err)
	}
	if e0.Seq != 0 || e0.PreviousDigest != GenesisDigest {
		t.Fatalf("entry 0: seq=%d previous=%q", e0.Seq, e0.PreviousDigest)
	}
	if e1.Seq != 1 || e1.PreviousDigest != e0.EntryDigest {
		t.Fatalf("entry 1: seq=%d previous=%q", e1.Seq, e1.PreviousDigest)
	}

	r, err := v.Verify(ctx, "org-42", VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || !r.PayloadChecked || len(r.CheckedRange) != 2 || r.CheckedRange[0] != 0 || r.CheckedRange[1] != 1 {
		t.Fatalf("clean chain: status=%s range=%v payload_checked=%v", r.Status, r.CheckedRange, r.PayloadChecked)
	}

	tamper(store, "org-42", 0, func(e *Entry) { e.PayloadRef = e1.PayloadRef })

	r, err = v.Verify(ctx, "org-42", VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertFailure(t, r, StatusTampered, 0)
}

func TestVerify_toBeyondTipChecksCommittedEntries(t *testing.T) {
	s, _ := seedScope(t, "org-1", 3)
	to := uint64(10)
	r := verify(t, s, "org-1", VerifyOptions{To: &to})
	if !r.OK() || len(r.CheckedRange) != 2 || r.CheckedRange[1] != 2 || r.EntriesChecked != 3 {
		t.Errorf("got status=%s range=%v checked=%d", r.Status, r.CheckedRange, r.EntriesChecked)
	}
}

func TestVerify_payloadModes(t *testing.T) {
	s, _ := seedScope(t, "org-1", 2)
	v := NewVerifier(s, s, zap.NewNop())
	v.SetContentResolver(mapResolver{"doc-0": `{"decision":0}`})

	r, err := v.Verify(context.Background(), "org-1", VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertFailure(t, r, StatusTampered, 1)

	r, err = v.Verify(context.Background(), "org-1", VerifyOptions{SkipPayloadCheck: true})
	if err != nil || !r.OK() || r.PayloadChecked {
		t.Errorf("skipped payload check: %+v %v", r, err)
	}

	if _, err := v.Verify(context.Background(), "org-1", VerifyOptions{PayloadCheck: true, SkipPayloadCheck: true}); err == nil {
		t.Error("expected an error for contradictory payload options")
	}

	r = verify(t, s, "org-1", VerifyOptions{})
	if !r.OK() || r.PayloadChecked {
		t.Errorf("verifier without resolver: %+v", r)
	}
}
