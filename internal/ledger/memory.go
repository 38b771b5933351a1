package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string][]*Entry
	tips        map[string]Tip
	halts       map[string]string
	checkpoints map[string][]Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string][]*Entry),
		tips:        make(map[string]Tip),
		halts:       make(map[string]string),
		checkpoints: make(map[string][]Checkpoint),
	}
}

// AppendIfTip implements Store.
func (s *MemoryStore) AppendIfTip(ctx context.Context, scope string, expected *Tip, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Tip
	if t, ok := s.tips[scope]; ok {
		current = &t
	}
	if !current.matches(expected) {
		return ErrTipMismatch
	}

	for _, e := range entries {
		if s.hasSeq(scope, e.Seq) {
			return fmt.Errorf("%w: duplicate sequence %d in scope %q", ErrIntegrityViolation, e.Seq, scope)
		}
	}
	if err := checkBatch(scope, expected, entries); err != nil {
		return err
	}

	for _, e := range entries {
		s.entries[scope] = append(s.entries[scope], e.clone())
	}
	last := entries[len(entries)-1]
	s.tips[scope] = Tip{Scope: scope, Seq: last.Seq, Digest: last.EntryDigest}
	return nil
}

// hasSeq reports whether seq is already stored for scope. Caller holds mu.
func (s *MemoryStore) hasSeq(scope string, seq uint64) bool {
	list := s.entries[scope]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Seq == seq {
			return true
		}
		if list[i].Seq < seq {
			break
		}
	}
	return false
}

// ReadRange implements Reader.
func (s *MemoryStore) ReadRange(_ context.Context, scope string, from, to uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries[scope] {
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ReadTip implements Reader.
func (s *MemoryStore) ReadTip(_ context.Context, scope string) (*Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tips[scope]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// ListScopes implements ScopeLister.
func (s *MemoryStore) ListScopes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scopes := make([]string, 0, len(s.tips))
	for scope := range s.tips {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Halt implements HaltRegistry.
func (s *MemoryStore) Halt(_ context.Context, scope, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts[scope] = reason
	return nil
}

// HaltReason implements HaltRegistry.
func (s *MemoryStore) HaltReason(_ context.Context, scope string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.halts[scope]
	return reason, ok, nil
}

// ClearHalt implements HaltRegistry.
func (s *MemoryStore) ClearHalt(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.halts, scope)
	return nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[cp.Scope]
	for i := range list {
		if list[i].Seq == cp.Seq {
			list[i] = cp
			return nil
		}
	}
	list = append(list, cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	s.checkpoints[cp.Scope] = list
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *MemoryStore) LatestCheckpoint(_ context.Context, scope string, atOrBelow uint64) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[scope]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Seq <= atOrBelow {
			cp := list[i]
			return &cp, nil
		}
	}
	return nil, nil
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ HaltRegistry    = (*MemoryStore)(nil)
	_ CheckpointStore = (*MemoryStore)(nil)
	_ ScopeLister     = (*MemoryStore)(nil)
)
