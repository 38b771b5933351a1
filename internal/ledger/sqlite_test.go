package ledger_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

func openSQLite(t *testing.T) (*ledger.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenSQLiteStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLiteStore_contract(t *testing.T) {
	store, _ := openSQLite(t)
	runStoreSuite(t, store, "org-sqlite")
}

func TestSQLiteStore_persistsAcrossReopen(t *testing.T) {
	store, path := openSQLite(t)
	c := ledger.NewCoordinator(store, zap.NewNop())
	for i := 0; i < 3; i++ {
		mustAppend(t, c, "org-1", `{"persist":true}`)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.OpenSQLiteStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	r, err := ledger.NewVerifier(reopened, reopened, zap.NewNop()).Verify(ctx, "org-1", ledger.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || r.EntriesChecked != 3 {
		t.Errorf("after reopen: %s %d", r.Status, r.EntriesChecked)
	}
}

func TestSQLiteStore_twoHandlesShareOneChain(t *testing.T) {
	first, path := openSQLite(t)
	second, err := ledger.OpenSQLiteStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	policy := ledger.RetryPolicy{MaxRetries: 50, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for h, store := range []*ledger.SQLiteStore{first, second} {
		h := h
		c := ledger.NewCoordinator(store, zap.NewNop())
		c.SetRetryPolicy(policy)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				body := fmt.Sprintf(`{"handle":%d,"n":%d}`, h, i)
				if _, err := c.Append(ctx, "org-1", ledger.Submission{Payload: payload(body)}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append: %v", err)
	}

	r, err := ledger.NewVerifier(first, first, zap.NewNop()).Verify(ctx, "org-1", ledger.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || r.EntriesChecked != 20 {
		t.Errorf("chain after concurrent writers: %s, %d entries", r.Status, r.EntriesChecked)
	}
}
