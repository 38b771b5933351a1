// Package content keeps the payload documents that ledger entries reference,
// so that a verification run can re-digest them.
package content

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// ErrRefConflict is returned when a ref is already bound to different content.
// Documents are write-once.
var ErrRefConflict = ledger.ErrRefConflict

// Store persists payload documents keyed by (scope, ref).
type Store interface {
	ledger.ContentResolver

	// Put stores body under ref. Re-putting identical bytes is a no-op.
	Put(ctx context.Context, scope, ref string, body []byte) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, scope, ref string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.docs[scope]
	if docs == nil {
		docs = make(map[string][]byte)
		s.docs[scope] = docs
	}
	if existing, ok := docs[ref]; ok {
		if bytes.Equal(existing, body) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRefConflict, ref)
	}
	docs[ref] = bytes.Clone(body)
	return nil
}

// Fetch implements ledger.ContentResolver.
func (s *MemoryStore) Fetch(_ context.Context, scope, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[scope][ref]
	if !ok {
		return nil, fmt.Errorf("%w: scope %q ref %q", ledger.ErrContentNotFound, scope, ref)
	}
	return bytes.Clone(body), nil
}

// Replace overwrites a stored document, bypassing the write-once rule. It
// exists so tests and tamper drills can simulate out-of-band edits.
func (s *MemoryStore) Replace(scope, ref string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[scope] == nil {
		s.docs[scope] = make(map[string][]byte)
	}
	s.docs[scope][ref] = bytes.Clone(body)
}

var _ Store = (*MemoryStore)(nil)
