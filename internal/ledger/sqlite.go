package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  tenant_scope    TEXT    NOT NULL,
  seq             INTEGER NOT NULL,
  payload_ref     TEXT    NOT NULL,
  payload_digest  TEXT    NOT NULL,
  previous_digest TEXT    NOT NULL,
  entry_digest    TEXT    NOT NULL,
  created_at      INTEGER NOT NULL,
  created_by      TEXT    NOT NULL,
  batch_id        TEXT,
  PRIMARY KEY (tenant_scope, seq)
);
CREATE TABLE IF NOT EXISTS ledger_tips (
  tenant_scope TEXT    PRIMARY KEY,
  seq          INTEGER NOT NULL,
  entry_digest TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_checkpoints (
  tenant_scope TEXT    NOT NULL,
  seq          INTEGER NOT NULL,
  entry_digest TEXT    NOT NULL,
  created_at   INTEGER NOT NULL,
  PRIMARY KEY (tenant_scope, seq)
);
CREATE TABLE IF NOT EXISTS ledger_scope_halts (
  tenant_scope TEXT    PRIMARY KEY,
  reason       TEXT    NOT NULL,
  halted_at    INTEGER NOT NULL
);
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
`

// SQLiteStore is a single-file Store for single-node deployments.
// All access goes through one connection, so AppendIfTip transactions are
// serialised by the pool itself.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens or creates the database at path and ensures the
// schema exists. Transactions begin IMMEDIATE so a writer in another process
// waits on busy_timeout instead of failing its lock upgrade mid-append.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// DB exposes the handle so companion tables, such as payload documents, can
// share the file and its single connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendIfTip implements Store.
func (s *SQLiteStore) AppendIfTip(ctx context.Context, scope string, expected *Tip, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkBatch(scope, expected, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readTip(ctx, tx, scope)
	if err != nil {
		return err
	}
	if !current.matches(expected) {
		return ErrTipMismatch
	}

	for _, e := range entries {
		var batchID sql.NullString
		if e.BatchID != nil {
			batchID = sql.NullString{String: e.BatchID.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries
			 (tenant_scope, seq, payload_ref, payload_digest, previous_digest, entry_digest, created_at, created_by, batch_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Scope, int64(e.Seq), e.PayloadRef, e.PayloadDigest, e.PreviousDigest,
			e.EntryDigest, e.CreatedAt.UnixNano(), e.CreatedBy, batchID,
		); err != nil {
			return classifySQLite("insert ledger entry", err)
		}
	}

	last := entries[len(entries)-1]
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_tips (tenant_scope, seq, entry_digest) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_scope) DO UPDATE SET seq = excluded.seq, entry_digest = excluded.entry_digest`,
		scope, int64(last.Seq), last.EntryDigest,
	); err != nil {
		return classifySQLite("update tip", err)
	}

	if err := tx.Commit(); err != nil {
		return classifySQLite("commit ledger tx", err)
	}
	s.logger.Debug("ledger entries committed",
		zap.String("scope", scope),
		zap.Uint64("seq", last.Seq),
		zap.Int("count", len(entries)),
	)
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTip(ctx context.Context, q queryRower, scope string) (*Tip, error) {
	var seq int64
	var digest string
	err := q.QueryRowContext(ctx,
		`SELECT seq, entry_digest FROM ledger_tips WHERE tenant_scope = ?`, scope,
	).Scan(&seq, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite("read tip", err)
	}
	return &Tip{Scope: scope, Seq: uint64(seq), Digest: digest}, nil
}

// ReadTip implements Reader.
func (s *SQLiteStore) ReadTip(ctx context.Context, scope string) (*Tip, error) {
	return readTip(ctx, s.db, scope)
}

// ListScopes implements ScopeLister.
func (s *SQLiteStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_scope FROM ledger_tips ORDER BY tenant_scope`)
	if err != nil {
		return nil, classifySQLite("list scopes", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, classifySQLite("list scopes", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("list scopes", err)
	}
	return scopes, nil
}

// ReadRange implements Reader.
func (s *SQLiteStore) ReadRange(ctx context.Context, scope string, from, to uint64) ([]*Entry, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_scope, seq, payload_ref, payload_digest, previous_digest, entry_digest, created_at, created_by, batch_id
		 FROM ledger_entries
		 WHERE tenant_scope = ? AND seq BETWEEN ? AND ?
		 ORDER BY seq ASC`,
		scope, int64(from), int64(to),
	)
	if err != nil {
		return nil, classifySQLite("query ledger range", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e         Entry
			seq       int64
			createdAt int64
			batchID   sql.NullString
		)
		if err := rows.Scan(&e.Scope, &seq, &e.PayloadRef, &e.PayloadDigest, &e.PreviousDigest,
			&e.EntryDigest, &createdAt, &e.CreatedBy, &batchID); err != nil {
			return nil, classifySQLite("scan ledger row", err)
		}
		e.Seq = uint64(seq)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		if batchID.Valid {
			id, err := uuid.Parse(batchID.String)
			if err != nil {
				return nil, fmt.Errorf("parse batch id of seq %d: %w", seq, err)
			}
			e.BatchID = &id
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("iterate ledger rows", err)
	}
	return out, nil
}

// Halt implements HaltRegistry.
func (s *SQLiteStore) Halt(ctx context.Context, scope, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_scope_halts (tenant_scope, reason, halted_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_scope) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`,
		scope, reason, time.Now().UnixNano(),
	)
	if err != nil {
		return classifySQLite("halt scope", err)
	}
	return nil
}

// HaltReason implements HaltRegistry.
func (s *SQLiteStore) HaltReason(ctx context.Context, scope string) (string, bool, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason FROM ledger_scope_halts WHERE tenant_scope = ?`, scope,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifySQLite("read scope halt", err)
	}
	return reason, true, nil
}

// ClearHalt implements HaltRegistry.
func (s *SQLiteStore) ClearHalt(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_scope_halts WHERE tenant_scope = ?`, scope); err != nil {
		return classifySQLite("clear scope halt", err)
	}
	return nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_checkpoints (tenant_scope, seq, entry_digest, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_scope, seq) DO NOTHING`,
		cp.Scope, int64(cp.Seq), cp.Digest, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return classifySQLite("save checkpoint", err)
	}
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, scope string, atOrBelow uint64) (*Checkpoint, error) {
	if atOrBelow > math.MaxInt64 {
		atOrBelow = math.MaxInt64
	}
	var seq, createdAt int64
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, entry_digest, created_at FROM ledger_checkpoints
		 WHERE tenant_scope = ? AND seq <= ?
		 ORDER BY seq DESC LIMIT 1`,
		scope, int64(atOrBelow),
	).Scan(&seq, &digest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite("read checkpoint", err)
	}
	return &Checkpoint{Scope: scope, Seq: uint64(seq), Digest: digest, CreatedAt: time.Unix(0, createdAt).UTC()}, nil
}

// classifySQLite maps driver errors onto the ledger error taxonomy.
func classifySQLite(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%s: %w: %v", op, ErrIntegrityViolation, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, ErrTipMismatch, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

var (
	_ Store           = (*SQLiteStore)(nil)
	_ HaltRegistry    = (*SQLiteStore)(nil)
	_ CheckpointStore = (*SQLiteStore)(nil)
	_ ScopeLister     = (*SQLiteStore)(nil)
)
