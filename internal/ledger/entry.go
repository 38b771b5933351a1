package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// GenesisDigest is the predecessor digest of every scope's entry 0.
// It is not a hex string, so no SHA-256 output produced by Link can equal it.
const GenesisDigest = "GENESIS"

// maxScopeLen bounds tenant scope identifiers.
const maxScopeLen = 255

// Entry is a single immutable record in a scope's chain.
type Entry struct {
	Scope          string     `json:"scope"`
	Seq            uint64     `json:"seq"`
	PayloadRef     string     `json:"payload_ref"`
	PayloadDigest  string     `json:"payload_digest"`
	PreviousDigest string     `json:"previous_digest"`
	EntryDigest    string     `json:"entry_digest"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by"`
	BatchID        *uuid.UUID `json:"batch_id,omitempty"` // provenance only, not hashed
}

// Receipt is what a producer gets back after a successful append.
func (e *Entry) Receipt() Receipt {
	return Receipt{Scope: e.Scope, Seq: e.Seq, EntryDigest: e.EntryDigest}
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.BatchID != nil {
		id := *e.BatchID
		c.BatchID = &id
	}
	return &c
}

// Receipt identifies a committed entry.
type Receipt struct {
	Scope       string `json:"scope"`
	Seq         uint64 `json:"seq"`
	EntryDigest string `json:"entry_digest"`
}

// Tip points at the highest committed entry of a scope. It is a cache used by
// AppendIfTip; verification never relies on it.
type Tip struct {
	Scope  string `json:"scope"`
	Seq    uint64 `json:"seq"`
	Digest string `json:"digest"`
}

// matches reports whether the current tip equals the expectation. A nil
// expectation means the scope must be empty.
func (t *Tip) matches(expected *Tip) bool {
	if t == nil || expected == nil {
		return t == nil && expected == nil
	}
	return t.Seq == expected.Seq && t.Digest == expected.Digest
}

// Submission is a producer's request to certify one payload.
type Submission struct {
	// PayloadRef identifies the externally stored content. When empty the
	// coordinator derives a content-addressed ref from the payload digest.
	PayloadRef string `json:"payload_ref,omitempty"`

	// Payload is an opaque, producer-defined JSON value. Only its canonical
	// encoding is hashed.
	Payload json.RawMessage `json:"payload"`

	// Actor is recorded as CreatedBy.
	Actor string `json:"actor"`
}

// Checkpoint is a verified (scope, seq, digest) anchor from which partial
// verification and proofs may start.
type Checkpoint struct {
	Scope     string    `json:"scope"`
	Seq       uint64    `json:"seq"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateScope checks that scope is usable as a chain identifier.
func ValidateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("%w: empty", ErrInvalidScope)
	}
	if len(scope) > maxScopeLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidScope, maxScopeLen)
	}
	if strings.TrimSpace(scope) != scope {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidScope)
	}
	for _, r := range scope {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidScope)
		}
	}
	return nil
}

// Payload kinds the ledger itself writes.
const (
	KindCorrection = "correction"
	KindTombstone  = "tombstone"
)

// referencePayload is the envelope of correction and tombstone entries.
type referencePayload struct {
	Kind      string          `json:"kind"`
	TargetRef string          `json:"target_ref"`
	Reason    string          `json:"reason,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}
