package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Append outcomes reported to the MetricsRecorder.
const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected"
	OutcomeContention = "contention"
	OutcomeHalted     = "halted"
	OutcomeIntegrity  = "integrity_violation"
	OutcomeError      = "error"
)

// Verdict is an admission gate's decision on a payload.
type Verdict struct {
	Admitted bool
	Reason   string
	Findings []string
}

// AdmissionGate is an optional policy check consulted before a payload is
// hashed. A payload that is not admitted never becomes an entry.
type AdmissionGate interface {
	Admit(ctx context.Context, scope string, payload json.RawMessage) (*Verdict, error)
}

// ContentSink receives the body of every committed payload, so that payload
// re-verification can later fetch it by ref. Refs are checked against it before
// the commit and written only after it.
type ContentSink interface {
	ContentResolver
	Put(ctx context.Context, scope, ref string, body []byte) error
}

// MetricsRecorder is an optional callback invoked once per append call with
// its outcome, the number of entries involved and the tip-mismatch retries.
type MetricsRecorder func(outcome string, entries, retries int)

// RetryPolicy bounds the optimistic-concurrency retry loop.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  8,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  250 * time.Millisecond,
	}
}

// backoff returns a jittered delay in [d/2, d) for the given attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

// Coordinator is the only writer of ledger entries. It serialises writers per
// scope, links each payload to the scope's tip and commits through
// Store.AppendIfTip, retrying on contention.
type Coordinator struct {
	store     Store
	halts     HaltRegistry  // nil = halts tracked in-process only
	gate      AdmissionGate // nil = every payload admitted
	sink      ContentSink   // nil = payload bodies are not retained
	retry     RetryPolicy
	locks     *scopeLocks
	now       func() time.Time
	onMetrics MetricsRecorder
	logger    *zap.Logger

	localHalts sync.Map // scope -> reason, when no registry could record it
}

// NewCoordinator creates a Coordinator writing to store. If store also
// implements HaltRegistry, halted scopes are persisted there.
func NewCoordinator(store Store, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		store:  store,
		retry:  DefaultRetryPolicy(),
		locks:  newScopeLocks(),
		now:    time.Now,
		logger: logger,
	}
	if h, ok := store.(HaltRegistry); ok {
		c.halts = h
	}
	return c
}

// SetAdmissionGate configures the pre-append policy check.
func (c *Coordinator) SetAdmissionGate(g AdmissionGate) {
	c.gate = g
}

// SetContentSink configures where admitted payload bodies are stored.
func (c *Coordinator) SetContentSink(s ContentSink) {
	c.sink = s
}

// SetRetryPolicy overrides DefaultRetryPolicy.
func (c *Coordinator) SetRetryPolicy(p RetryPolicy) {
	c.retry = p
}

// SetMetricsRecorder configures the metrics callback.
func (c *Coordinator) SetMetricsRecorder(fn MetricsRecorder) {
	c.onMetrics = fn
}

// SetHaltRegistry overrides the registry used for halted scopes.
func (c *Coordinator) SetHaltRegistry(h HaltRegistry) {
	c.halts = h
}

// prepared is a submission that passed admission and canonicalisation.
type prepared struct {
	body          []byte
	ref           string
	payloadDigest string
	actor         string
}

// Append certifies one payload in scope and returns the committed entry.
func (c *Coordinator) Append(ctx context.Context, scope string, sub Submission) (*Entry, error) {
	entries, err := c.commit(ctx, scope, []Submission{sub}, nil)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// AppendBatch certifies subs as one unit: either every entry is committed with
// consecutive sequence numbers and nothing interleaved, or none is.
func (c *Coordinator) AppendBatch(ctx context.Context, scope string, subs []Submission) ([]*Entry, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	batchID := uuid.New()
	return c.commit(ctx, scope, subs, &batchID)
}

// Correct appends a correction of the entry whose PayloadRef is targetRef.
// The original entry is left untouched.
func (c *Coordinator) Correct(ctx context.Context, scope, targetRef string, sub Submission) (*Entry, error) {
	body, err := json.Marshal(referencePayload{
		Kind:      KindCorrection,
		TargetRef: targetRef,
		Body:      sub.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal correction: %w", err)
	}
	sub.Payload = body
	return c.Append(ctx, scope, sub)
}

// Tombstone appends an erasure marker for targetRef. Erasure is recorded, never
// performed physically, since removal would itself be a tamper event.
func (c *Coordinator) Tombstone(ctx context.Context, scope, targetRef, reason, actor string) (*Entry, error) {
	body, err := json.Marshal(referencePayload{
		Kind:      KindTombstone,
		TargetRef: targetRef,
		Reason:    reason,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tombstone: %w", err)
	}
	return c.Append(ctx, scope, Submission{Payload: body, Actor: actor})
}

// ClearHalt re-enables automated appends for a halted scope.
func (c *Coordinator) ClearHalt(ctx context.Context, scope string) error {
	c.localHalts.Delete(scope)
	if c.halts == nil {
		return nil
	}
	if err := c.halts.ClearHalt(ctx, scope); err != nil {
		return fmt.Errorf("clear halt: %w", err)
	}
	c.logger.Warn("ledger scope halt cleared", zap.String("scope", scope))
	return nil
}

// HaltReason reports whether scope is halted and why.
func (c *Coordinator) HaltReason(ctx context.Context, scope string) (string, bool, error) {
	if reason, ok := c.localHalts.Load(scope); ok {
		return reason.(string), true, nil
	}
	if c.halts == nil {
		return "", false, nil
	}
	return c.halts.HaltReason(ctx, scope)
}

func (c *Coordinator) commit(ctx context.Context, scope string, subs []Submission, batchID *uuid.UUID) ([]*Entry, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}

	items, err := c.prepare(ctx, scope, subs)
	if err != nil {
		if errors.Is(err, ErrAdmissionRejected) {
			c.record(OutcomeRejected, len(subs), 0)
		}
		return nil, err
	}

	release, err := c.locks.acquire(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()

	if reason, halted, err := c.HaltReason(ctx, scope); err != nil {
		c.record(OutcomeError, len(items), 0)
		return nil, fmt.Errorf("check halt: %w", err)
	} else if halted {
		c.record(OutcomeHalted, len(items), 0)
		return nil, fmt.Errorf("%w: %s", ErrScopeHalted, reason)
	}

	if err := c.checkRefs(ctx, scope, items); err != nil {
		c.record(OutcomeError, len(items), 0)
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		tip, err := c.store.ReadTip(ctx, scope)
		if err != nil {
			c.record(OutcomeError, len(items), attempt)
			return nil, fmt.Errorf("read tip: %w", err)
		}

		entries := c.link(scope, tip, items, batchID)
		err = c.store.AppendIfTip(ctx, scope, tip, entries...)
		switch {
		case err == nil:
			c.record(OutcomeCommitted, len(entries), attempt)
			last := entries[len(entries)-1]
			c.logger.Debug("ledger entries appended",
				zap.String("scope", scope),
				zap.Uint64("seq", last.Seq),
				zap.Int("count", len(entries)),
				zap.Int("retries", attempt),
			)
			c.storeContent(ctx, scope, items)
			return entries, nil

		case errors.Is(err, ErrTipMismatch):
			if attempt >= c.retry.MaxRetries {
				c.record(OutcomeContention, len(items), attempt)
				c.logger.Warn("ledger append contention exceeded",
					zap.String("scope", scope),
					zap.Int("attempts", attempt+1),
				)
				return nil, fmt.Errorf("%w: scope %q after %d attempts", ErrContentionExceeded, scope, attempt+1)
			}
			if err := sleep(ctx, c.retry.backoff(attempt)); err != nil {
				return nil, err
			}

		case errors.Is(err, ErrIntegrityViolation):
			c.record(OutcomeIntegrity, len(items), attempt)
			c.haltScope(ctx, scope, err)
			return nil, err

		default:
			c.record(OutcomeError, len(items), attempt)
			return nil, err
		}
	}
}

// checkRefs refuses refs already bound to different content, including two
// different bodies under one ref within a batch.
func (c *Coordinator) checkRefs(ctx context.Context, scope string, items []prepared) error {
	if c.sink == nil {
		return nil
	}
	seen := make(map[string][]byte, len(items))
	for _, it := range items {
		if prev, ok := seen[it.ref]; ok {
			if !bytes.Equal(prev, it.body) {
				return fmt.Errorf("%w: %s", ErrRefConflict, it.ref)
			}
			continue
		}
		seen[it.ref] = it.body

		existing, err := c.sink.Fetch(ctx, scope, it.ref)
		switch {
		case errors.Is(err, ErrContentNotFound):
		case err != nil:
			return fmt.Errorf("check payload ref %q: %w", it.ref, err)
		case !bytes.Equal(existing, it.body):
			return fmt.Errorf("%w: %s", ErrRefConflict, it.ref)
		}
	}
	return nil
}

// storeContent writes the bodies of committed entries. The entries stand even
// when a write fails; a later payload check reports the missing document.
func (c *Coordinator) storeContent(ctx context.Context, scope string, items []prepared) {
	if c.sink == nil {
		return
	}
	for _, it := range items {
		if err := c.sink.Put(context.WithoutCancel(ctx), scope, it.ref, it.body); err != nil {
			c.logger.Error("payload document not stored for committed entry",
				zap.String("scope", scope),
				zap.String("payload_ref", it.ref),
				zap.Error(err),
			)
		}
	}
}

// prepare runs the admission gate over every submission and digests the
// admitted payloads. Nothing is hashed unless the whole batch is admitted.
func (c *Coordinator) prepare(ctx context.Context, scope string, subs []Submission) ([]prepared, error) {
	if c.gate != nil {
		for i, sub := range subs {
			v, err := c.gate.Admit(ctx, scope, sub.Payload)
			if err != nil {
				return nil, fmt.Errorf("admission gate: %w", err)
			}
			if !v.Admitted {
				return nil, &AdmissionError{Index: i, Reason: v.Reason, Findings: v.Findings}
			}
		}
	}

	items := make([]prepared, 0, len(subs))
	for i, sub := range subs {
		digest, err := PayloadDigest(sub.Payload)
		if err != nil {
			return nil, fmt.Errorf("submission %d: %w", i, err)
		}
		ref := sub.PayloadRef
		if ref == "" {
			ref = "sha256:" + digest
		}
		items = append(items, prepared{body: sub.Payload, ref: ref, payloadDigest: digest, actor: sub.Actor})
	}
	return items, nil
}

// link builds the entries for items as direct successors of tip.
func (c *Coordinator) link(scope string, tip *Tip, items []prepared, batchID *uuid.UUID) []*Entry {
	seq, prev := uint64(0), GenesisDigest
	if tip != nil {
		seq, prev = tip.Seq+1, tip.Digest
	}
	now := c.now().UTC()

	entries := make([]*Entry, 0, len(items))
	for _, it := range items {
		e := &Entry{
			Scope:          scope,
			Seq:            seq,
			PayloadRef:     it.ref,
			PayloadDigest:  it.payloadDigest,
			PreviousDigest: prev,
			CreatedAt:      now,
			CreatedBy:      it.actor,
			BatchID:        batchID,
		}
		e.EntryDigest = Link(e.PayloadDigest, e.PreviousDigest, e.Seq, scope)
		entries = append(entries, e)
		seq, prev = seq+1, e.EntryDigest
	}
	return entries
}

// haltScope logs an integrity violation as a security event and suspends
// further automated appends to scope.
func (c *Coordinator) haltScope(ctx context.Context, scope string, cause error) {
	c.logger.Error("ledger integrity violation",
		zap.Bool("security_event", true),
		zap.String("scope", scope),
		zap.Error(cause),
	)
	reason := cause.Error()
	if c.halts == nil {
		c.localHalts.Store(scope, reason)
		return
	}
	// The append context may already be cancelled; the halt must still land.
	haltCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.halts.Halt(haltCtx, scope, reason); err != nil {
		c.logger.Error("persist scope halt", zap.String("scope", scope), zap.Error(err))
		c.localHalts.Store(scope, reason)
	}
}

func (c *Coordinator) record(outcome string, entries, retries int) {
	if c.onMetrics != nil {
		c.onMetrics(outcome, entries, retries)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ── Per-scope serialisation ──────────────────────────────────────────────────

// scopeLocks hands out one cancellable lock per scope. Locks are dropped once
// no caller holds or waits on them, so idle tenants cost nothing.
type scopeLocks struct {
	mu sync.Mutex
	m  map[string]*scopeLock
}

type scopeLock struct {
	ch   chan struct{}
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{m: make(map[string]*scopeLock)}
}

func (l *scopeLocks) acquire(ctx context.Context, scope string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.m[scope]
	if !ok {
		sl = &scopeLock{ch: make(chan struct{}, 1)}
		l.m[scope] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
		return func() {
			<-sl.ch
			l.put(scope, sl)
		}, nil
	case <-ctx.Done():
		l.put(scope, sl)
		return nil, ctx.Err()
	}
}

func (l *scopeLocks) put(scope string, sl *scopeLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.m, scope)
	}
}
