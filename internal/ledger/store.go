package ledger

import (
	"context"
	"fmt"
)

// Reader is the read-only side of a Store. The Verifier and Prover only ever
// hold a Reader.
type Reader interface {
	// ReadRange returns the entries of scope with from <= Seq <= to in
	// strictly increasing Seq order, exactly as stored.
	ReadRange(ctx context.Context, scope string, from, to uint64) ([]*Entry, error)

	// ReadTip returns the scope's tip, or nil for a scope with no entries.
	ReadTip(ctx context.Context, scope string) (*Tip, error)
}

// Store is the durable, append-only repository of ledger entries.
// MemoryStore, PostgresStore and SQLiteStore implement this interface.
type Store interface {
	Reader

	// AppendIfTip atomically inserts entries, which must carry consecutive
	// sequence numbers following expected, only if the scope's current tip
	// equals expected (nil: the scope must be empty). Otherwise it returns
	// ErrTipMismatch and writes nothing. A duplicate (scope, seq) yields
	// ErrIntegrityViolation; I/O failures wrap ErrStorageUnavailable.
	AppendIfTip(ctx context.Context, scope string, expected *Tip, entries ...*Entry) error
}

// HaltRegistry records scopes whose automated appends are suspended after an
// integrity violation.
type HaltRegistry interface {
	Halt(ctx context.Context, scope, reason string) error
	HaltReason(ctx context.Context, scope string) (reason string, halted bool, err error)
	ClearHalt(ctx context.Context, scope string) error
}

// ScopeLister enumerates scopes that have at least one entry. Background jobs
// use it to visit every chain.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// CheckpointStore persists verified checkpoints.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LatestCheckpoint returns the highest checkpoint with Seq <= atOrBelow,
	// or nil if there is none.
	LatestCheckpoint(ctx context.Context, scope string, atOrBelow uint64) (*Checkpoint, error)
}

// ContentResolver fetches the externally stored content behind a PayloadRef,
// for payload re-verification. Unknown refs yield ErrContentNotFound.
type ContentResolver interface {
	Fetch(ctx context.Context, scope, ref string) ([]byte, error)
}

// checkBatch validates that entries belong to scope and continue the chain
// directly after expected.
func checkBatch(scope string, expected *Tip, entries []*Entry) error {
	next := uint64(0)
	if expected != nil {
		next = expected.Seq + 1
	}
	for _, e := range entries {
		if e.Scope != scope {
			return fmt.Errorf("%w: entry for scope %q submitted to %q", ErrIntegrityViolation, e.Scope, scope)
		}
		if e.Seq != next {
			return fmt.Errorf("%w: sequence %d does not follow %d", ErrIntegrityViolation, e.Seq, next)
		}
		next++
	}
	return nil
}
