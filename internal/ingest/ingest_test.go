package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/admission"
	"github.com/jmerrifield20/certledger/internal/content"
	"github.com/jmerrifield20/certledger/internal/ingest"
	"github.com/jmerrifield20/certledger/internal/ledger"
)

var ctx = context.Background()

func newService(t *testing.T) (*ingest.Service, *ledger.MemoryStore, *content.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	docs := content.NewMemoryStore()
	c := ledger.NewCoordinator(store, zap.NewNop())
	c.SetContentSink(docs)
	c.SetAdmissionGate(admission.NewGate(nil, admission.Config{}, zap.NewNop()))
	return ingest.NewService(c, zap.NewNop()), store, docs
}

func TestSubmit_assignsRefAndStoresContent(t *testing.T) {
	svc, store, docs := newService(t)

	r, err := svc.Submit(ctx, "org-1", ledger.Submission{Payload: json.RawMessage(`{"event":"deploy"}`), Actor: "ci"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Seq != 0 || r.EntryDigest == "" {
		t.Fatalf("receipt: %+v", r)
	}

	entries, _ := store.ReadRange(ctx, "org-1", 0, 0)
	ref := entries[0].PayloadRef
	if ref == "" {
		t.Fatal("no payload ref assigned")
	}
	body, err := docs.Fetch(ctx, "org-1", ref)
	if err != nil || string(body) != `{"event":"deploy"}` {
		t.Errorf("content not stored under %q: %s %v", ref, body, err)
	}
}

func TestSubmit_rejectedPayloadNotStored(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := svc.Submit(ctx, "org-1", ledger.Submission{PayloadRef: "doc-x", Payload: json.RawMessage(`{"password":"x"}`)})
	if !errors.Is(err, ledger.ErrAdmissionRejected) || !ingest.IsPermanent(err) {
		t.Fatalf("expected permanent admission error, got %v", err)
	}
	if tip, _ := store.ReadTip(ctx, "org-1"); tip != nil {
		t.Error("rejected payload was committed")
	}
}

func TestSubmitBatch(t *testing.T) {
	svc, _, _ := newService(t)

	receipts, err := svc.SubmitBatch(ctx, "org-1", []ledger.Submission{
		{Payload: json.RawMessage(`{"n":1}`)},
		{Payload: json.RawMessage(`{"n":2}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 2 || receipts[1].Seq != 1 {
		t.Errorf("receipts: %+v", receipts)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", ledger.ErrInvalidPayload), true},
		{fmt.Errorf("x: %w", ledger.ErrScopeHalted), true},
		{&ledger.AdmissionError{Reason: "r"}, true},
		{fmt.Errorf("x: %w", content.ErrRefConflict), true},
		{ledger.ErrContentionExceeded, false},
		{fmt.Errorf("x: %w", ledger.ErrStorageUnavailable), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := ingest.IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWorker_drainsConsumer(t *testing.T) {
	svc, store, _ := newService(t)
	msgs := []*ingest.Message{
		{RequestID: "r1", Scope: "org-1", Payload: json.RawMessage(`{"n":1}`)},
		{RequestID: "r2", Scope: "org-1", Payload: json.RawMessage(`{"password":"leak"}`)}, // rejected, acked
		{RequestID: "r3", Scope: "org-2", Payload: json.RawMessage(`{"n":3}`)},
		{RequestID: "r4", Scope: "org-1", Payload: json.RawMessage(`{"n":4}`)},
	}
	consumer := ingest.NewMockConsumer(msgs...)
	w := ingest.NewWorker(ingest.WorkerConfig{Concurrency: 2, RetryDelay: time.Millisecond}, consumer, svc, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	acked := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(acked) < len(msgs) {
		select {
		case m := <-consumer.Acked():
			acked[m.RequestID] = true
		case <-timeout:
			t.Fatalf("only %d of %d messages acked", len(acked), len(msgs))
		}
	}
	cancel()
	<-done

	tip1, _ := store.ReadTip(ctx, "org-1")
	tip2, _ := store.ReadTip(ctx, "org-2")
	if tip1 == nil || tip1.Seq != 1 {
		t.Errorf("org-1 tip: %+v", tip1)
	}
	if tip2 == nil || tip2.Seq != 0 {
		t.Errorf("org-2 tip: %+v", tip2)
	}
}

// flakyAppender fails with a transient error the first n times.
type flakyAppender struct {
	mu    sync.Mutex
	fails int
	calls int
	inner ingest.Appender
}

func (f *flakyAppender) Append(ctx context.Context, scope string, sub ledger.Submission) (*ledger.Entry, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: connection reset", ledger.ErrStorageUnavailable)
	}
	return f.inner.Append(ctx, scope, sub)
}

func (f *flakyAppender) AppendBatch(ctx context.Context, scope string, subs []ledger.Submission) ([]*ledger.Entry, error) {
	return f.inner.AppendBatch(ctx, scope, subs)
}

func TestWorker_retriesTransientFailureInPlace(t *testing.T) {
	store := ledger.NewMemoryStore()
	app := &flakyAppender{fails: 2, inner: ledger.NewCoordinator(store, zap.NewNop())}
	svc := ingest.NewService(app, zap.NewNop())
	consumer := ingest.NewMockConsumer(
		&ingest.Message{RequestID: "r1", Scope: "org-1", Payload: json.RawMessage(`{"n":1}`)},
		&ingest.Message{RequestID: "r2", Scope: "org-1", Payload: json.RawMessage(`{"n":2}`)},
	)
	w := ingest.NewWorker(ingest.WorkerConfig{RetryDelay: time.Millisecond}, consumer, svc, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	for _, want := range []string{"r1", "r2"} {
		select {
		case m := <-consumer.Acked():
			if m.RequestID != want {
				t.Fatalf("acked %q, want %q", m.RequestID, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never acked", want)
		}
	}
	select {
	case m := <-consumer.Nacked():
		t.Errorf("%s nacked", m.RequestID)
	default:
	}

	entries, _ := store.ReadRange(ctx, "org-1", 0, 1)
	if len(entries) != 2 {
		t.Fatalf("expected 2 committed entries, got %d", len(entries))
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.calls != 4 {
		t.Errorf("append calls: got %d, want 4", app.calls)
	}
}

func TestWorker_shutdownLeavesFailingMessageUncommitted(t *testing.T) {
	store := ledger.NewMemoryStore()
	app := &flakyAppender{fails: 1 << 30, inner: ledger.NewCoordinator(store, zap.NewNop())}
	svc := ingest.NewService(app, zap.NewNop())
	consumer := ingest.NewMockConsumer(&ingest.Message{RequestID: "r1", Scope: "org-1", Payload: json.RawMessage(`{"n":1}`)})
	w := ingest.NewWorker(ingest.WorkerConfig{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}, consumer, svc, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		app.mu.Lock()
		calls := app.calls
		app.mu.Unlock()
		if calls >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d attempts", calls)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	select {
	case m := <-consumer.Nacked():
		if m.RequestID != "r1" {
			t.Errorf("nacked %q", m.RequestID)
		}
	default:
		t.Error("message not released on shutdown")
	}
	select {
	case m := <-consumer.Acked():
		t.Errorf("%s acked without a commit", m.RequestID)
	default:
	}
	if tip, _ := store.ReadTip(ctx, "org-1"); tip != nil {
		t.Errorf("unexpected commit: %+v", tip)
	}
}
