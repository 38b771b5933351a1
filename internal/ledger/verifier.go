package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of a verification run.
type Status string

const (
	StatusOK       Status = "OK"
	StatusTampered Status = "TAMPERED"
	StatusGap      Status = "GAP"
	StatusFork     Status = "FORK"
)

// defaultPageSize is how many entries the Verifier reads per round trip.
const defaultPageSize = 1000

// ErrInvalidRange is returned when From exceeds To.
var ErrInvalidRange = errors.New("ledger: invalid range")

// Report is the structured result of verifying a range of a scope's chain.
// A broken chain is a Report, never an error.
type Report struct {
	Scope string `json:"scope"`

	// CheckedRange is [first, last] sequence examined, nil if none was.
	CheckedRange []uint64 `json:"checked_range"`

	Status            Status  `json:"status"`
	FirstFailureIndex *uint64 `json:"first_failure_index"`
	Details           string  `json:"details"`

	EntriesChecked int       `json:"entries_checked"`
	LatestDigest   string    `json:"latest_digest,omitempty"`
	PayloadChecked bool      `json:"payload_checked"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// OK reports whether the checked range is intact.
func (r *Report) OK() bool {
	return r.Status == StatusOK
}

// Statement renders the report as a one-line integrity statement.
func (r *Report) Statement() string {
	if r.OK() {
		if r.EntriesChecked == 0 {
			return fmt.Sprintf("scope %s: empty chain, verified OK", r.Scope)
		}
		return fmt.Sprintf("chain of %d entries, verified OK, latest digest %s", r.EntriesChecked, r.LatestDigest)
	}
	idx := "unknown"
	if r.FirstFailureIndex != nil {
		idx = fmt.Sprintf("%d", *r.FirstFailureIndex)
	}
	return fmt.Sprintf("integrity failure: %s at entry %s: %s", r.Status, idx, r.Details)
}

// VerifyOptions selects the range and depth of a verification run.
type VerifyOptions struct {
	From uint64
	To   *uint64 // nil: through the last committed entry

	// Anchor is the trusted EntryDigest of entry From-1. When empty and
	// From > 0, a checkpoint at From-1 is used instead.
	Anchor string

	// PayloadCheck requires every referenced payload to be re-fetched and
	// re-digested; it is an error without a ContentResolver. With neither
	// flag set, payloads are re-digested whenever a resolver is configured.
	PayloadCheck bool

	// SkipPayloadCheck checks stored digests only.
	SkipPayloadCheck bool
}

// Verifier independently recomputes a scope's chain. It holds only a Reader
// and never trusts the stored tip beyond using it to detect truncation.
type Verifier struct {
	reader      Reader
	checkpoints CheckpointStore // nil = partial runs need an explicit anchor
	content     ContentResolver // nil = stored digests only
	pageSize    int
	onResult    func(*Report)
	logger      *zap.Logger
}

// NewVerifier creates a Verifier. checkpoints may be nil.
func NewVerifier(reader Reader, checkpoints CheckpointStore, logger *zap.Logger) *Verifier {
	return &Verifier{
		reader:      reader,
		checkpoints: checkpoints,
		pageSize:    defaultPageSize,
		logger:      logger,
	}
}

// SetContentResolver enables payload re-verification. Every run then
// re-digests stored payloads unless VerifyOptions.SkipPayloadCheck is set.
func (v *Verifier) SetContentResolver(r ContentResolver) {
	v.content = r
}

// SetResultRecorder configures a callback invoked with every completed report.
func (v *Verifier) SetResultRecorder(fn func(*Report)) {
	v.onResult = fn
}

// Verify walks scope's chain over the requested range. Chain defects are
// reported in the Report; an error means the range could not be read.
func (v *Verifier) Verify(ctx context.Context, scope string, opts VerifyOptions) (*Report, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	if opts.To != nil && opts.From > *opts.To {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, opts.From, *opts.To)
	}
	if opts.PayloadCheck && opts.SkipPayloadCheck {
		return nil, errors.New("payload check both required and skipped")
	}
	if opts.PayloadCheck && v.content == nil {
		return nil, errors.New("payload check requested but no content resolver is configured")
	}
	checkPayload := v.content != nil && !opts.SkipPayloadCheck

	anchor, err := v.anchor(ctx, scope, opts)
	if err != nil {
		return nil, err
	}

	tip, err := v.reader.ReadTip(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read tip: %w", err)
	}

	to := uint64(math.MaxUint64)
	if opts.To != nil {
		to = *opts.To
	}

	w := newChainWalker(scope, opts.From, anchor)
	w.report.PayloadChecked = checkPayload

	cursor := opts.From
walk:
	for cursor <= to {
		hi := cursor + uint64(v.pageSize) - 1
		if hi < cursor || hi > to {
			hi = to
		}
		page, err := v.reader.ReadRange(ctx, scope, cursor, hi)
		if err != nil {
			return nil, fmt.Errorf("read range: %w", err)
		}
		if len(page) == 0 {
			if tip != nil && cursor <= tip.Seq {
				w.fail(StatusGap, cursor, fmt.Sprintf("entry %d missing below recorded tip %d", cursor, tip.Seq))
			}
			break
		}

		for _, e := range page {
			digest := e.PayloadDigest
			if checkPayload {
				digest, err = v.contentDigest(ctx, scope, e)
				if errors.Is(err, ErrContentNotFound) {
					w.fail(StatusTampered, e.Seq, fmt.Sprintf("payload content %q missing or not valid JSON", e.PayloadRef))
					break walk
				}
				if err != nil {
					return nil, err
				}
			}
			if !w.check(e, digest) {
				break walk
			}
		}

		last := page[len(page)-1].Seq
		if last == math.MaxUint64 {
			break
		}
		cursor = last + 1
	}

	r := w.finish()
	if !r.OK() {
		v.logger.Warn("ledger integrity check failed",
			zap.String("scope", scope),
			zap.String("status", string(r.Status)),
			zap.Uint64p("first_failure_index", r.FirstFailureIndex),
			zap.String("details", r.Details),
		)
	}
	if v.onResult != nil {
		v.onResult(r)
	}
	return r, nil
}

// anchor resolves the digest expected as PreviousDigest of entry From.
func (v *Verifier) anchor(ctx context.Context, scope string, opts VerifyOptions) (string, error) {
	if opts.From == 0 {
		return GenesisDigest, nil
	}
	if opts.Anchor != "" {
		return opts.Anchor, nil
	}
	if v.checkpoints != nil {
		cp, err := v.checkpoints.LatestCheckpoint(ctx, scope, opts.From-1)
		if err != nil {
			return "", fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil && cp.Seq == opts.From-1 {
			return cp.Digest, nil
		}
	}
	return "", fmt.Errorf("%w: verification from entry %d", ErrAnchorRequired, opts.From)
}

func (v *Verifier) contentDigest(ctx context.Context, scope string, e *Entry) (string, error) {
	body, err := v.content.Fetch(ctx, scope, e.PayloadRef)
	if err != nil {
		return "", fmt.Errorf("fetch payload %q: %w", e.PayloadRef, err)
	}
	digest, err := PayloadDigest(body)
	if err != nil {
		// Content that no longer canonicalises cannot match what was certified.
		return "", fmt.Errorf("%w: %v", ErrContentNotFound, err)
	}
	return digest, nil
}

// VerifyChain checks entries offline. entries must start at from, and anchor is
// the trusted digest of entry from-1 (GenesisDigest when from is 0). It is
// what a holder of a Proof runs without access to the Store.
func VerifyChain(scope string, from uint64, anchor string, entries []*Entry) *Report {
	if from == 0 {
		anchor = GenesisDigest
	}
	w := newChainWalker(scope, from, anchor)
	for _, e := range entries {
		if !w.check(e, e.PayloadDigest) {
			break
		}
	}
	return w.finish()
}

// ── Chain walking ────────────────────────────────────────────────────────────

// chainWalker carries the expected sequence number and predecessor digest
// across entries and records the first failure.
type chainWalker struct {
	report  *Report
	from    uint64
	nextSeq uint64
	prev    string
	last    *uint64
}

func newChainWalker(scope string, from uint64, anchor string) *chainWalker {
	return &chainWalker{
		report:  &Report{Scope: scope, Status: StatusOK},
		from:    from,
		nextSeq: from,
		prev:    anchor,
	}
}

// check validates e against the walk so far, linking with payloadDigest (the
// stored digest, or a recomputed one under payload re-verification).
func (w *chainWalker) check(e *Entry, payloadDigest string) bool {
	switch {
	case e.Seq < w.nextSeq:
		w.fail(StatusFork, e.Seq, fmt.Sprintf("sequence %d recorded more than once", e.Seq))
		return false
	case e.Seq > w.nextSeq:
		w.fail(StatusGap, w.nextSeq, fmt.Sprintf("entry %d missing (next stored entry is %d)", w.nextSeq, e.Seq))
		return false
	}

	scope := w.report.Scope
	if e.Scope != scope {
		w.fail(StatusTampered, e.Seq, fmt.Sprintf("entry belongs to scope %q", e.Scope))
		return false
	}
	if payloadDigest != e.PayloadDigest {
		w.fail(StatusTampered, e.Seq, "payload content digest mismatch")
		return false
	}
	if Link(payloadDigest, w.prev, e.Seq, scope) != e.EntryDigest {
		w.fail(StatusTampered, e.Seq, "entry digest mismatch")
		return false
	}
	if e.PreviousDigest != w.prev {
		w.fail(StatusTampered, e.Seq, "previous digest mismatch")
		return false
	}

	seq := e.Seq
	w.last = &seq
	w.nextSeq = seq + 1
	w.prev = e.EntryDigest
	w.report.EntriesChecked++
	w.report.LatestDigest = e.EntryDigest
	return true
}

func (w *chainWalker) fail(status Status, idx uint64, details string) {
	w.report.Status = status
	w.report.FirstFailureIndex = &idx
	w.report.Details = details
	w.last = &idx
}

func (w *chainWalker) finish() *Report {
	r := w.report
	if w.last != nil {
		r.CheckedRange = []uint64{w.from, *w.last}
	}
	if r.OK() {
		r.Details = "chain intact"
		if r.EntriesChecked == 0 {
			r.Details = "no entries in range"
		}
	}
	r.VerifiedAt = time.Now().UTC()
	return r
}
