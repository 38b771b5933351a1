package content

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// SQLiteStore keeps payload documents next to the ledger in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the payload_documents table on db if needed.
// db is normally ledger.SQLiteStore.DB().
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payload_documents (
		  tenant_scope TEXT    NOT NULL,
		  ref          TEXT    NOT NULL,
		  body         BLOB    NOT NULL,
		  created_at   INTEGER NOT NULL,
		  PRIMARY KEY (tenant_scope, ref)
		)`)
	if err != nil {
		return nil, fmt.Errorf("create payload_documents: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, scope, ref string, body []byte) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payload_documents (tenant_scope, ref, body, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_scope, ref) DO NOTHING`,
		scope, ref, body, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert payload document: %w: %w", ledger.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := s.Fetch(ctx, scope, ref)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing, body) {
		return fmt.Errorf("%w: %s", ErrRefConflict, ref)
	}
	return nil
}

// Fetch implements ledger.ContentResolver.
func (s *SQLiteStore) Fetch(ctx context.Context, scope, ref string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM payload_documents WHERE tenant_scope = ? AND ref = ?`,
		scope, ref,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scope %q ref %q", ledger.ErrContentNotFound, scope, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payload document: %w: %w", ledger.ErrStorageUnavailable, err)
	}
	return body, nil
}

var _ Store = (*SQLiteStore)(nil)
