package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTipMismatch is returned by AppendIfTip when the scope's tip moved.
	// It is expected under contention and is retried by the Coordinator.
	ErrTipMismatch = errors.New("ledger: tip mismatch")

	// ErrContentionExceeded is returned once the retry ceiling is reached.
	ErrContentionExceeded = errors.New("ledger: contention exceeded")

	// ErrStorageUnavailable wraps I/O failures of the backing store.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")

	// ErrIntegrityViolation signals a duplicate (scope, seq) or another
	// constraint break at write time. The affected scope is halted.
	ErrIntegrityViolation = errors.New("ledger: integrity violation")

	// ErrAdmissionRejected is matched by every *AdmissionError.
	ErrAdmissionRejected = errors.New("ledger: admission rejected")

	// ErrScopeHalted is returned for appends to a scope halted after an
	// integrity violation, until an operator clears it.
	ErrScopeHalted = errors.New("ledger: scope halted")

	// ErrInvalidScope is returned for unusable scope identifiers.
	ErrInvalidScope = errors.New("ledger: invalid scope")

	// ErrInvalidPayload is returned for payloads that cannot be canonicalised.
	ErrInvalidPayload = errors.New("ledger: invalid payload")

	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrAnchorRequired is returned when partial verification starts past
	// genesis without a trusted anchor digest or checkpoint.
	ErrAnchorRequired = errors.New("ledger: trusted anchor required")

	// ErrContentNotFound is returned by a ContentResolver for unknown refs.
	ErrContentNotFound = errors.New("ledger: payload content not found")

	// ErrRefConflict is returned when a payload ref is already bound to
	// different content. Documents are write-once.
	ErrRefConflict = errors.New("ledger: payload ref already holds different content")
)

// AdmissionError reports a payload refused by the admission gate.
type AdmissionError struct {
	Index    int // position within a batch; 0 for single appends
	Reason   string
	Findings []string
}

func (e *AdmissionError) Error() string {
	msg := fmt.Sprintf("admission rejected: %s", e.Reason)
	if len(e.Findings) > 0 {
		msg += " (" + strings.Join(e.Findings, "; ") + ")"
	}
	return msg
}

// Is makes errors.Is(err, ErrAdmissionRejected) hold.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}
