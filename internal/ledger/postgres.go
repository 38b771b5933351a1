package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const entryColumns = `tenant_scope, seq, payload_ref, payload_digest, previous_digest,
	entry_digest, created_at, created_by, batch_id`

// PostgresStore persists scope chains to PostgreSQL (see migrations/001).
// It implements Store, HaltRegistry and CheckpointStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendIfTip implements Store.
// Within one transaction it takes a scope-keyed advisory lock, re-reads the
// tip row FOR UPDATE, inserts the entries (primary key (tenant_scope, seq))
// and moves the tip. Concurrent writers in other processes either wait on the
// lock and then see a moved tip, or hit the primary key.
func (s *PostgresStore) AppendIfTip(ctx context.Context, scope string, expected *Tip, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkBatch(scope, expected, entries); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPg("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", scope); err != nil {
		return classifyPg("acquire scope lock", err)
	}

	var current *Tip
	var seq int64
	var digest string
	err = tx.QueryRow(ctx,
		`SELECT seq, entry_digest FROM ledger_tips WHERE tenant_scope = $1 FOR UPDATE`, scope,
	).Scan(&seq, &digest)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return classifyPg("read tip", err)
	default:
		current = &Tip{Scope: scope, Seq: uint64(seq), Digest: digest}
	}
	if !current.matches(expected) {
		return ErrTipMismatch
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO ledger_entries (`+entryColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.Scope, int64(e.Seq), e.PayloadRef, e.PayloadDigest, e.PreviousDigest,
			e.EntryDigest, e.CreatedAt, e.CreatedBy, e.BatchID,
		)
	}
	last := entries[len(entries)-1]
	batch.Queue(
		`INSERT INTO ledger_tips (tenant_scope, seq, entry_digest, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_scope) DO UPDATE
		 SET seq = excluded.seq, entry_digest = excluded.entry_digest, updated_at = excluded.updated_at`,
		scope, int64(last.Seq), last.EntryDigest,
	)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return classifyPg("insert ledger entries", err)
		}
	}
	if err := br.Close(); err != nil {
		return classifyPg("insert ledger entries", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPg("commit ledger tx", err)
	}

	s.logger.Debug("ledger entries committed",
		zap.String("scope", scope),
		zap.Uint64("seq", last.Seq),
		zap.Int("count", len(entries)),
	)
	return nil
}

// ReadRange implements Reader.
func (s *PostgresStore) ReadRange(ctx context.Context, scope string, from, to uint64) ([]*Entry, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM ledger_entries
		 WHERE tenant_scope = $1 AND seq BETWEEN $2 AND $3
		 ORDER BY seq ASC`,
		scope, int64(from), int64(to),
	)
	if err != nil {
		return nil, classifyPg("query ledger range", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			batchID *uuid.UUID
		)
		if err := rows.Scan(
			&e.Scope, &seq, &e.PayloadRef, &e.PayloadDigest, &e.PreviousDigest,
			&e.EntryDigest, &e.CreatedAt, &e.CreatedBy, &batchID,
		); err != nil {
			return nil, classifyPg("scan ledger row", err)
		}
		e.Seq = uint64(seq)
		e.BatchID = batchID
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPg("iterate ledger rows", err)
	}
	return out, nil
}

// ReadTip implements Reader.
func (s *PostgresStore) ReadTip(ctx context.Context, scope string) (*Tip, error) {
	var seq int64
	var digest string
	err := s.pool.QueryRow(ctx,
		`SELECT seq, entry_digest FROM ledger_tips WHERE tenant_scope = $1`, scope,
	).Scan(&seq, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPg("read tip", err)
	}
	return &Tip{Scope: scope, Seq: uint64(seq), Digest: digest}, nil
}

// ListScopes implements ScopeLister.
func (s *PostgresStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_scope FROM ledger_tips ORDER BY tenant_scope`)
	if err != nil {
		return nil, classifyPg("list scopes", err)
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPg("list scopes", err)
	}
	return scopes, nil
}

// Halt implements HaltRegistry.
func (s *PostgresStore) Halt(ctx context.Context, scope, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_scope_halts (tenant_scope, reason, halted_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tenant_scope) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`,
		scope, reason,
	)
	if err != nil {
		return classifyPg("halt scope", err)
	}
	return nil
}

// HaltReason implements HaltRegistry.
func (s *PostgresStore) HaltReason(ctx context.Context, scope string) (string, bool, error) {
	var reason string
	err := s.pool.QueryRow(ctx,
		`SELECT reason FROM ledger_scope_halts WHERE tenant_scope = $1`, scope,
	).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyPg("read scope halt", err)
	}
	return reason, true, nil
}

// ClearHalt implements HaltRegistry.
func (s *PostgresStore) ClearHalt(ctx context.Context, scope string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM ledger_scope_halts WHERE tenant_scope = $1`, scope); err != nil {
		return classifyPg("clear scope halt", err)
	}
	return nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (tenant_scope, seq, entry_digest, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_scope, seq) DO NOTHING`,
		cp.Scope, int64(cp.Seq), cp.Digest, cp.CreatedAt,
	)
	if err != nil {
		return classifyPg("save checkpoint", err)
	}
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *PostgresStore) LatestCheckpoint(ctx context.Context, scope string, atOrBelow uint64) (*Checkpoint, error) {
	if atOrBelow > math.MaxInt64 {
		atOrBelow = math.MaxInt64
	}
	var (
		seq       int64
		digest    string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT seq, entry_digest, created_at FROM ledger_checkpoints
		 WHERE tenant_scope = $1 AND seq <= $2
		 ORDER BY seq DESC LIMIT 1`,
		scope, int64(atOrBelow),
	).Scan(&seq, &digest, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPg("read checkpoint", err)
	}
	return &Checkpoint{Scope: scope, Seq: uint64(seq), Digest: digest, CreatedAt: createdAt.UTC()}, nil
}

// classifyPg maps pgx errors onto the ledger error taxonomy: unique violations
// become ErrIntegrityViolation, server-side rejections keep their cause, and
// everything else (connection, I/O) wraps ErrStorageUnavailable.
func classifyPg(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%s: %w: %s", op, ErrIntegrityViolation, pgErr.Detail)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

var (
	_ Store           = (*PostgresStore)(nil)
	_ HaltRegistry    = (*PostgresStore)(nil)
	_ CheckpointStore = (*PostgresStore)(nil)
	_ ScopeLister     = (*PostgresStore)(nil)
)
