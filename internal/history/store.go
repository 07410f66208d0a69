// Package history maintains the versioned record of every ingested
// entity. Each content change becomes a new row with an effective-time
// interval; prior states are never rewritten.
//
// Invariant: for each external id, exactly one row is current (open
// interval), and intervals for that id never overlap.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
)

// Delta describes what an upsert did.
type Delta string

const (
	// DeltaInserted means the external id had no history and a first
	// current row was created.
	DeltaInserted Delta = "inserted"
	// DeltaUpdated means content changed: the current row was closed and a
	// new current row inserted atomically.
	DeltaUpdated Delta = "updated"
	// DeltaUnchanged means the record's hash matched the current row.
	DeltaUnchanged Delta = "unchanged"
	// DeltaStale means the record's business time precedes the current
	// row's interval; it was queued for review, history untouched.
	DeltaStale Delta = "stale"
)

// Version is one row of versioned history.
type Version struct {
	SourceID      string
	EntityID      string
	ExternalID    string
	ContentHash   string
	Attributes    map[string]any
	EffectiveFrom time.Time
	// EffectiveTo is nil for the current row and set when a newer version
	// closed this one.
	EffectiveTo *time.Time
	IsCurrent   bool
	Origin      core.Origin
}

// Store is the change-tracking store. Upserts for the same external id
// are serialized; distinct ids never contend.
type Store interface {
	// Upsert applies a raw record and reports what changed. Duplicate
	// content is a no-op regardless of which path delivered it. Write
	// conflicts are Conflict errors; the committing caller retries.
	Upsert(ctx context.Context, rec *core.RawRecord) (Delta, error)

	// Current returns the open row for an external id, or nil.
	Current(ctx context.Context, sourceID, entityID, externalID string) (*Version, error)

	// AsOf returns the row whose interval covers the instant, or nil.
	AsOf(ctx context.Context, sourceID, entityID, externalID string, at time.Time) (*Version, error)

	// History returns all rows for an external id ordered by EffectiveFrom.
	History(ctx context.Context, sourceID, entityID, externalID string) ([]*Version, error)

	// VersionedIDs returns every external id that has any version for the
	// pair. The reconciliation sweep compares this against batch listings.
	VersionedIDs(ctx context.Context, sourceID, entityID string) ([]string, error)

	// PendingReview returns stale records queued for manual review.
	PendingReview(ctx context.Context, sourceID, entityID string) ([]*core.RawRecord, error)

	Close() error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore implements Store in process memory for dev and tests.
type MemoryStore struct {
	locks *keyLock

	mu       sync.RWMutex
	versions map[string][]*Version        // key -> rows ordered by EffectiveFrom
	review   map[string][]*core.RawRecord // pair -> stale records
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    newKeyLock(),
		versions: make(map[string][]*Version),
		review:   make(map[string][]*core.RawRecord),
	}
}

func versionKey(sourceID, entityID, externalID string) string {
	return sourceID + "\x00" + entityID + "\x00" + externalID
}

func pairKey(sourceID, entityID string) string {
	return sourceID + "\x00" + entityID
}

// Upsert applies a record under the per-key lock. The key lock serializes
// writers of one external id; the store mutex is held only around the map
// touches, so distinct ids do not contend with each other.
func (s *MemoryStore) Upsert(ctx context.Context, rec *core.RawRecord) (Delta, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := versionKey(rec.SourceID, rec.EntityID, rec.ExternalID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	effective := rec.EffectiveTime().UTC()

	// Stable while the key lock is held: only this goroutine may write
	// this key's rows.
	s.mu.RLock()
	rows := s.versions[key]
	s.mu.RUnlock()

	if len(rows) == 0 {
		s.mu.Lock()
		s.versions[key] = []*Version{newVersion(rec, effective)}
		s.mu.Unlock()
		return DeltaInserted, nil
	}

	current := rows[len(rows)-1]
	if current.ContentHash == rec.ContentHash {
		return DeltaUnchanged, nil
	}
	if !effective.After(current.EffectiveFrom) {
		// Late record from before the current interval: never rewrite
		// history on the online path.
		pk := pairKey(rec.SourceID, rec.EntityID)
		s.mu.Lock()
		s.review[pk] = append(s.review[pk], rec)
		s.mu.Unlock()
		return DeltaStale, nil
	}

	closed := effective
	s.mu.Lock()
	current.EffectiveTo = &closed
	current.IsCurrent = false
	s.versions[key] = append(rows, newVersion(rec, effective))
	s.mu.Unlock()
	return DeltaUpdated, nil
}

func newVersion(rec *core.RawRecord, effective time.Time) *Version {
	attrs := make(map[string]any, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	return &Version{
		SourceID:      rec.SourceID,
		EntityID:      rec.EntityID,
		ExternalID:    rec.ExternalID,
		ContentHash:   rec.ContentHash,
		Attributes:    attrs,
		EffectiveFrom: effective,
		IsCurrent:     true,
		Origin:        rec.Origin,
	}
}

func (s *MemoryStore) Current(ctx context.Context, sourceID, entityID, externalID string) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[versionKey(sourceID, entityID, externalID)]
	if len(rows) == 0 {
		return nil, nil
	}
	copied := *rows[len(rows)-1]
	return &copied, nil
}

func (s *MemoryStore) AsOf(ctx context.Context, sourceID, entityID, externalID string, at time.Time) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[versionKey(sourceID, entityID, externalID)] {
		if at.Before(v.EffectiveFrom) {
			continue
		}
		if v.EffectiveTo == nil || at.Before(*v.EffectiveTo) {
			copied := *v
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) History(ctx context.Context, sourceID, entityID, externalID string) ([]*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[versionKey(sourceID, entityID, externalID)]
	out := make([]*Version, len(rows))
	for i, v := range rows {
		copied := *v
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryStore) VersionedIDs(ctx context.Context, sourceID, entityID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := pairKey(sourceID, entityID) + "\x00"
	var ids []string
	for key, rows := range s.versions {
		if len(rows) == 0 || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		ids = append(ids, key[len(prefix):])
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) PendingReview(ctx context.Context, sourceID, entityID string) ([]*core.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	queued := s.review[pairKey(sourceID, entityID)]
	out := make([]*core.RawRecord, len(queued))
	copy(out, queued)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
