// Package watermark persists the last successfully ingested cursor per
// (source, entity) pair. Marks are advanced exclusively by the batch
// puller, strictly after the page's records are durably committed.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/chronicle/ingest-core/internal/core"
)

// Mark is the persisted cursor state for one (source, entity) pair.
type Mark struct {
	SourceID      string
	EntityID      string
	Cursor        string
	LastSuccessAt time.Time
	// CoveredThrough is the latest business time among committed records.
	// Backfill supersession compares against this, never against the
	// wall-clock LastSuccessAt. Zero when the source asserts no business
	// times.
	CoveredThrough time.Time
	// Version guards compare-and-set advancement. Zero means the pair has
	// never been ingested.
	Version int64
}

// Store defines watermark operations. Advance is CAS-guarded: the caller
// passes the version it read, and a mismatch is a Conflict. Combined with
// the puller's per-pair run exclusion this keeps cursors monotonic.
type Store interface {
	Get(ctx context.Context, sourceID, entityID string) (*Mark, error)
	Advance(ctx context.Context, mark Mark) (int64, error)
	Close() error
}

// =============================================================================
// POSTGRES STORE
// =============================================================================

// PostgresStore implements Store backed by Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using WATERMARK_DATABASE_URL/DATABASE_URL and
// ensures the schema exists.
func NewPostgresStore() (*PostgresStore, error) {
	dsn := os.Getenv("WATERMARK_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("WATERMARK_DATABASE_URL/DATABASE_URL not set")
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
	if err := ensureTable(db); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func ensureTable(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS watermarks (
  source_id text NOT NULL,
  entity_id text NOT NULL,
  cursor text NOT NULL DEFAULT '',
  last_success_at timestamptz NOT NULL DEFAULT now(),
  covered_through timestamptz,
  version bigint NOT NULL DEFAULT 0,
  PRIMARY KEY (source_id, entity_id)
);`
	_, err := db.Exec(ddl)
	return err
}

// Get returns the mark for a pair. A never-ingested pair yields a zero
// mark with Version 0, not an error.
func (s *PostgresStore) Get(ctx context.Context, sourceID, entityID string) (*Mark, error) {
	mark := &Mark{SourceID: sourceID, EntityID: entityID}
	var covered sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, last_success_at, covered_through, version FROM watermarks WHERE source_id = $1 AND entity_id = $2`,
		sourceID, entityID,
	).Scan(&mark.Cursor, &mark.LastSuccessAt, &covered, &mark.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return mark, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	if covered.Valid {
		mark.CoveredThrough = covered.Time
	}
	return mark, nil
}

// Advance writes the mark if its version still matches, returning the new
// version. A version mismatch means another writer advanced first and is
// reported as a Conflict.
func (s *PostgresStore) Advance(ctx context.Context, mark Mark) (int64, error) {
	if mark.LastSuccessAt.IsZero() {
		mark.LastSuccessAt = time.Now().UTC()
	}

	covered := sql.NullTime{Time: mark.CoveredThrough, Valid: !mark.CoveredThrough.IsZero()}

	if mark.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO watermarks (source_id, entity_id, cursor, last_success_at, covered_through, version)
			 VALUES ($1, $2, $3, $4, $5, 1)
			 ON CONFLICT (source_id, entity_id) DO NOTHING`,
			mark.SourceID, mark.EntityID, mark.Cursor, mark.LastSuccessAt, covered,
		)
		if err != nil {
			return 0, fmt.Errorf("insert watermark: %w", err)
		}
		// A no-op insert means someone else created the row first.
		current, err := s.Get(ctx, mark.SourceID, mark.EntityID)
		if err != nil {
			return 0, err
		}
		if current.Version != 1 || current.Cursor != mark.Cursor {
			return 0, core.Conflict(fmt.Errorf("watermark %s/%s created concurrently", mark.SourceID, mark.EntityID))
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE watermarks SET cursor = $3, last_success_at = $4, covered_through = $5, version = version + 1
		 WHERE source_id = $1 AND entity_id = $2 AND version = $6`,
		mark.SourceID, mark.EntityID, mark.Cursor, mark.LastSuccessAt, covered, mark.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, core.Conflict(fmt.Errorf("watermark %s/%s version %d superseded", mark.SourceID, mark.EntityID, mark.Version))
	}
	return mark.Version + 1, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore implements Store in process memory for dev and tests.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]*Mark
}

// NewMemoryStore creates an empty in-memory watermark store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]*Mark)}
}

func key(sourceID, entityID string) string { return sourceID + "\x00" + entityID }

func (s *MemoryStore) Get(ctx context.Context, sourceID, entityID string) (*Mark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.marks[key(sourceID, entityID)]; ok {
		copied := *m
		return &copied, nil
	}
	return &Mark{SourceID: sourceID, EntityID: entityID}, nil
}

func (s *MemoryStore) Advance(ctx context.Context, mark Mark) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if mark.LastSuccessAt.IsZero() {
		mark.LastSuccessAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(mark.SourceID, mark.EntityID)
	existing, ok := s.marks[k]
	if !ok {
		if mark.Version != 0 {
			return 0, core.Conflict(fmt.Errorf("watermark %s/%s does not exist at version %d", mark.SourceID, mark.EntityID, mark.Version))
		}
		mark.Version = 1
		s.marks[k] = &mark
		return 1, nil
	}
	if existing.Version != mark.Version {
		return 0, core.Conflict(fmt.Errorf("watermark %s/%s version %d superseded", mark.SourceID, mark.EntityID, mark.Version))
	}
	mark.Version++
	s.marks[k] = &mark
	return mark.Version, nil
}

func (s *MemoryStore) Close() error { return nil }
