package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/chronicle/ingest-core/internal/core"
)

// ===================================================
// PostgreSQL History Store
// Persistent versioned storage for ingested entities
// ===================================================

// PostgresStore implements Store using PostgreSQL. Per-key serialization
// comes from a row lock on the current version inside one transaction; a
// partial unique index enforces the single-current invariant even if a
// racing writer slips past the lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using HISTORY_DATABASE_URL/DATABASE_URL and
// ensures the schema exists.
func NewPostgresStore() (*PostgresStore, error) {
	dsn := os.Getenv("HISTORY_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("HISTORY_DATABASE_URL/DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStoreWithDB(db)
}

// NewPostgresStoreWithDB reuses an existing *sql.DB (for example opened
// via pgx stdlib).
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entity_versions (
  id bigserial PRIMARY KEY,
  source_id text NOT NULL,
  entity_id text NOT NULL,
  external_id text NOT NULL,
  content_hash text NOT NULL,
  attributes jsonb NOT NULL,
  effective_from timestamptz NOT NULL,
  effective_to timestamptz,
  is_current boolean NOT NULL,
  origin text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);

-- Single-current invariant: at most one open row per external id.
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_single_current
  ON entity_versions(source_id, entity_id, external_id) WHERE is_current;

CREATE INDEX IF NOT EXISTS idx_versions_lookup
  ON entity_versions(source_id, entity_id, external_id, effective_from);

-- Stale records rejected by the online path, queued for manual review.
CREATE TABLE IF NOT EXISTS history_review (
  id bigserial PRIMARY KEY,
  source_id text NOT NULL,
  entity_id text NOT NULL,
  external_id text NOT NULL,
  record jsonb NOT NULL,
  reason text NOT NULL,
  queued_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_review_pair ON history_review(source_id, entity_id);
`
	_, err := db.Exec(ddl)
	return err
}

// Upsert applies a record inside one transaction: lock the current row,
// compare hashes and business times, then close-and-insert. Both writes
// commit or neither does.
func (s *PostgresStore) Upsert(ctx context.Context, rec *core.RawRecord) (Delta, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classifyPgError(err)
	}
	defer tx.Rollback()

	effective := rec.EffectiveTime().UTC()

	var (
		currentID   int64
		currentHash string
		currentFrom time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, content_hash, effective_from FROM entity_versions
		 WHERE source_id = $1 AND entity_id = $2 AND external_id = $3 AND is_current
		 FOR UPDATE`,
		rec.SourceID, rec.EntityID, rec.ExternalID,
	).Scan(&currentID, &currentHash, &currentFrom)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.insertVersion(ctx, tx, rec, effective); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", classifyPgError(err)
		}
		return DeltaInserted, nil

	case err != nil:
		return "", classifyPgError(err)
	}

	if currentHash == rec.ContentHash {
		return DeltaUnchanged, nil
	}

	if !effective.After(currentFrom) {
		// Late record from before the current interval: queue for review,
		// never rewrite history online.
		recordJSON, merr := json.Marshal(rec)
		if merr != nil {
			return "", fmt.Errorf("marshal review record: %w", merr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_review (source_id, entity_id, external_id, record, reason)
			 VALUES ($1, $2, $3, $4, $5)`,
			rec.SourceID, rec.EntityID, rec.ExternalID, recordJSON,
			fmt.Sprintf("business time %s precedes current interval start %s",
				effective.Format(time.RFC3339), currentFrom.Format(time.RFC3339)),
		)
		if err != nil {
			return "", classifyPgError(err)
		}
		if err := tx.Commit(); err != nil {
			return "", classifyPgError(err)
		}
		return DeltaStale, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entity_versions SET effective_to = $2, is_current = false WHERE id = $1`,
		currentID, effective,
	)
	if err != nil {
		return "", classifyPgError(err)
	}
	if err := s.insertVersion(ctx, tx, rec, effective); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", classifyPgError(err)
	}
	return DeltaUpdated, nil
}

func (s *PostgresStore) insertVersion(ctx context.Context, tx *sql.Tx, rec *core.RawRecord, effective time.Time) error {
	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_versions
		 (source_id, entity_id, external_id, content_hash, attributes, effective_from, is_current, origin)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		rec.SourceID, rec.EntityID, rec.ExternalID, rec.ContentHash, attrsJSON, effective, string(rec.Origin),
	)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

const versionColumns = `source_id, entity_id, external_id, content_hash, attributes, effective_from, effective_to, is_current, origin`

func (s *PostgresStore) Current(ctx context.Context, sourceID, entityID, externalID string) (*Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE source_id = $1 AND entity_id = $2 AND external_id = $3 AND is_current`,
		sourceID, entityID, externalID,
	)
	return scanVersion(row)
}

func (s *PostgresStore) AsOf(ctx context.Context, sourceID, entityID, externalID string, at time.Time) (*Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE source_id = $1 AND entity_id = $2 AND external_id = $3
		   AND effective_from <= $4 AND (effective_to IS NULL OR effective_to > $4)`,
		sourceID, entityID, externalID, at,
	)
	return scanVersion(row)
}

func (s *PostgresStore) History(ctx context.Context, sourceID, entityID, externalID string) ([]*Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE source_id = $1 AND entity_id = $2 AND external_id = $3
		 ORDER BY effective_from ASC`,
		sourceID, entityID, externalID,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VersionedIDs(ctx context.Context, sourceID, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT external_id FROM entity_versions
		 WHERE source_id = $1 AND entity_id = $2 ORDER BY external_id`,
		sourceID, entityID,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) PendingReview(ctx context.Context, sourceID, entityID string) ([]*core.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM history_review
		 WHERE source_id = $1 AND entity_id = $2 ORDER BY queued_at ASC`,
		sourceID, entityID,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*core.RawRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec core.RawRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode review record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*Version, error) {
	var (
		v         Version
		attrsJSON []byte
		to        sql.NullTime
		origin    string
	)
	err := row.Scan(&v.SourceID, &v.EntityID, &v.ExternalID, &v.ContentHash,
		&attrsJSON, &v.EffectiveFrom, &to, &v.IsCurrent, &origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	if to.Valid {
		t := to.Time
		v.EffectiveTo = &t
	}
	v.Origin = core.Origin(origin)
	if err := json.Unmarshal(attrsJSON, &v.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return &v, nil
}

// classifyPgError maps unique violations and serialization failures onto
// Conflict so the committing caller retries transparently.
func classifyPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			return core.Conflict(err)
		}
	}
	return err
}
