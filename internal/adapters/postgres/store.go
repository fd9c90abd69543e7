// Package postgres keeps change records, snapshot checkpoints, document access
// rules and display names in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_records (
	session_id          TEXT        NOT NULL,
	version             BIGINT      NOT NULL,
	document_id         TEXT        NOT NULL,
	principal_id        TEXT        NOT NULL,
	client_operation_id TEXT        NOT NULL,
	operations          JSONB       NOT NULL,
	applied_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, version)
);
CREATE INDEX IF NOT EXISTS change_records_document_version
	ON change_records (document_id, version);

CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id TEXT PRIMARY KEY,
	version     BIGINT      NOT NULL,
	text        TEXT        NOT NULL,
	saved_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_acl (
	document_id  TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	PRIMARY KEY (document_id, principal_id)
);

CREATE TABLE IF NOT EXISTS principals (
	principal_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL
);
`

// Store implements the persistence and collaborator ports on one pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ports.ChangeStore      = (*Store)(nil)
	_ ports.DocumentStore    = (*Store)(nil)
	_ ports.Authorizer       = (*Store)(nil)
	_ ports.IdentityResolver = (*Store)(nil)
)

func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	glog.Infof("[postgres]connected\n")
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables the store uses if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) AppendChanges(ctx context.Context, records []domain.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		ops, err := json.Marshal(rec.Operations)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO change_records
	(session_id, version, document_id, principal_id, client_operation_id, operations, applied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, version) DO NOTHING`,
			rec.SessionID, rec.Version, rec.DocumentID, rec.PrincipalID, rec.ClientOperationID, string(ops), rec.AppliedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("append change records: %w", err)
		}
	}
	return br.Close()
}

func (s *Store) LoadSince(ctx context.Context, documentID string, afterVersion int64) ([]domain.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id, version, document_id, principal_id, client_operation_id, operations, applied_at
FROM change_records
WHERE document_id = $1 AND version > $2
ORDER BY version, applied_at`, documentID, afterVersion)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ChangeRecord, error) {
		var rec domain.ChangeRecord
		var ops []byte
		if err := row.Scan(&rec.SessionID, &rec.Version, &rec.DocumentID, &rec.PrincipalID,
			&rec.ClientOperationID, &ops, &rec.AppliedAt); err != nil {
			return rec, err
		}
		var decoded []ot.Operation
		if err := json.Unmarshal(ops, &decoded); err != nil {
			return rec, fmt.Errorf("decode operations of %s@%d: %w", rec.SessionID, rec.Version, err)
		}
		rec.Operations = decoded
		return rec, nil
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, documentID string) (domain.Snapshot, error) {
	snap := domain.Snapshot{DocumentID: documentID}
	err := s.pool.QueryRow(ctx,
		`SELECT version, text, saved_at FROM document_snapshots WHERE document_id = $1`, documentID).
		Scan(&snap.Version, &snap.Text, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrNoSnapshot
	}
	return snap, err
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO document_snapshots (document_id, version, text, saved_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id) DO UPDATE
SET version = EXCLUDED.version, text = EXCLUDED.text, saved_at = EXCLUDED.saved_at
WHERE document_snapshots.version < EXCLUDED.version`,
		snapshot.DocumentID, snapshot.Version, snapshot.Text, snapshot.SavedAt)
	return err
}

func (s *Store) CanAccess(ctx context.Context, documentID, principalID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_acl WHERE document_id = $1 AND principal_id = $2)`,
		documentID, principalID).Scan(&ok)
	return ok, err
}

// Grant allows principalID to edit documentID.
func (s *Store) Grant(ctx context.Context, documentID, principalID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_acl (document_id, principal_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		documentID, principalID)
	return err
}

func (s *Store) DisplayName(ctx context.Context, principalID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT display_name FROM principals WHERE principal_id = $1`, principalID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return name, err
}
