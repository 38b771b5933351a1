package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// PostgresStore keeps payload documents in the payload_documents table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, scope, ref string, body []byte) error {
	query := `
		INSERT INTO payload_documents (tenant_scope, ref, body, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_scope, ref) DO NOTHING`

	tag, err := s.db.Exec(ctx, query, scope, ref, body)
	if err != nil {
		return fmt.Errorf("insert payload document: %w: %w", ledger.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
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
func (s *PostgresStore) Fetch(ctx context.Context, scope, ref string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(ctx,
		`SELECT body FROM payload_documents WHERE tenant_scope = $1 AND ref = $2`,
		scope, ref,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: scope %q ref %q", ledger.ErrContentNotFound, scope, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payload document: %w: %w", ledger.ErrStorageUnavailable, err)
	}
	return body, nil
}

var _ Store = (*PostgresStore)(nil)
