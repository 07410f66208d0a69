// Package source defines the adapter contract every ingestion source must
// implement, plus the factory registry and YAML catalog that instantiate
// adapters from configuration.
//
// Architecture:
//
//	Adapter  - Base contract (Describe, Authenticate, FetchPage, ...)
//	Registry - factory registry keyed by adapter template ID
//	Catalog  - YAML-declared SourceConfigs, immutable once loaded
package source

import (
	"context"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
)

// Adapter is the contract every ingestion source implements. Per-source
// variability (auth, pagination, payload shape) lives behind this boundary
// as composed strategies, never as a type hierarchy.
type Adapter interface {
	// Describe returns the immutable configuration this adapter was built from.
	Describe() *Config

	// Authenticate obtains a refreshable credential for the source.
	Authenticate(ctx context.Context) (Credential, error)

	// FetchPage pulls one page of records for an entity. Idempotent for a
	// given cursor: replaying the same cursor yields the same page.
	// An empty cursor means the start of the stream.
	FetchPage(ctx context.Context, entityID, cursor string) (*Page, error)

	// FetchByID retrieves a single record for targeted backfill.
	FetchByID(ctx context.Context, entityID, externalID string) (*core.RawRecord, error)

	// ListIDs returns the external ids the source asserts exist for a time
	// window. This listing is the completeness source of truth for the
	// reconciliation sweep.
	ListIDs(ctx context.Context, entityID string, window Window) ([]string, error)

	// Close releases any resources held by the adapter.
	Close() error
}

// Normalizer is implemented by adapters whose payload mapping can also
// normalize pushed callback payloads, giving both delivery paths the
// exact same mapping contract.
type Normalizer interface {
	Normalize(entityID string, item map[string]any, origin core.Origin, now time.Time) (*core.RawRecord, error)
}

// Credential is a refreshable source credential. How the credential is
// attached to outbound requests is the adapter's concern.
type Credential interface {
	// Refresh renews the credential after an auth-expired response.
	// Called at most once per adapter call; static credentials return an
	// error, which the adapter reports as Permanent.
	Refresh(ctx context.Context) error
}

// Page is one fetched page of normalized records.
type Page struct {
	Records []*core.RawRecord
	// Invalid holds per-record mapping/validation failures. One bad record
	// never fails the page; the puller commits siblings and audits these.
	Invalid []RecordFailure
	// NextCursor resumes the stream after this page. Empty plus Done=true
	// means the stream is exhausted.
	NextCursor string
	Done       bool
}

// RecordFailure pins a per-record failure to its position in the page.
type RecordFailure struct {
	Index      int
	ExternalID string // empty when the id itself could not be extracted
	Err        error
}

// Window bounds a listing or backfill to a time range.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window. Zero bounds are open.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}
