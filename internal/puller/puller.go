// Package puller drives source adapters through incremental and backfill
// runs: page, normalize, commit downstream, then advance the watermark.
// The commit-before-advance ordering is the at-least-once contract: a
// crash before advancement replays the page, and downstream dedups by
// content hash.
package puller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/pipeline"
	"github.com/chronicle/ingest-core/internal/source"
	"github.com/chronicle/ingest-core/internal/watermark"
)

// ErrRunInFlight is returned when an incremental run is requested for a
// (source, entity) pair that already has one running.
var ErrRunInFlight = errors.New("run already in flight for this source/entity")

// Options tune retry and paging behaviour.
type Options struct {
	// MaxPages caps pages per incremental run (safety valve; default 1000).
	MaxPages int
	// MaxAttempts bounds retries of one page fetch (default 5).
	MaxAttempts int
	// BaseBackoff seeds the exponential backoff (default 500ms).
	BaseBackoff time.Duration
	// MaxBackoff caps a single backoff sleep (default 30s).
	MaxBackoff time.Duration
}

func (o *Options) defaults() {
	if o.MaxPages <= 0 {
		o.MaxPages = 1000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// BackfillRequest targets specific ids or a time window. Backfills never
// advance the watermark.
type BackfillRequest struct {
	SourceID    string
	EntityID    string
	ExternalIDs []string
	Window      source.Window
	Reason      string
}

// RunResult summarizes one run.
type RunResult struct {
	SourceID  string
	EntityID  string
	Pages     int
	Committed int
	Unchanged int
	Stale     int
	Failed    int
	// Discarded is set when a backfill finished but its target range was
	// already covered by a newer watermark; its results were dropped.
	Discarded bool
}

// Puller executes runs against registered adapters. Distinct (source,
// entity) pairs run fully in parallel; within a pair incremental runs are
// mutually exclusive so watermark advancement stays monotonic.
type Puller struct {
	catalog  *source.Catalog
	registry *source.Registry
	marks    watermark.Store
	commit   *pipeline.Committer
	auditor  audit.Log
	opts     Options

	mu       sync.Mutex
	adapters map[string]source.Adapter
	inflight map[string]bool
}

// New creates a puller over the given collaborators.
func New(catalog *source.Catalog, registry *source.Registry, marks watermark.Store,
	commit *pipeline.Committer, auditor audit.Log, opts Options) *Puller {
	opts.defaults()
	return &Puller{
		catalog:  catalog,
		registry: registry,
		marks:    marks,
		commit:   commit,
		auditor:  auditor,
		opts:     opts,
		adapters: make(map[string]source.Adapter),
		inflight: make(map[string]bool),
	}
}

// adapter returns (building if needed) the adapter for a source.
func (p *Puller) adapter(sourceID string) (source.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.adapters[sourceID]; ok {
		return a, nil
	}
	cfg, ok := p.catalog.Get(sourceID)
	if !ok {
		return nil, core.Permanent(fmt.Errorf("unknown source: %s", sourceID))
	}
	a, err := p.registry.Create(cfg)
	if err != nil {
		return nil, err
	}
	p.adapters[sourceID] = a
	return a, nil
}

// Adapter returns the adapter serving a source, building it on first use.
func (p *Puller) Adapter(sourceID string) (source.Adapter, error) {
	return p.adapter(sourceID)
}

// UseAdapter installs a prebuilt adapter for a source (tests, custom wiring).
func (p *Puller) UseAdapter(sourceID string, a source.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[sourceID] = a
}

func (p *Puller) acquire(sourceID, entityID string) bool {
	key := sourceID + "\x00" + entityID
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[key] {
		return false
	}
	p.inflight[key] = true
	return true
}

func (p *Puller) release(sourceID, entityID string) {
	key := sourceID + "\x00" + entityID
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// =============================================================================
// INCREMENTAL RUNS
// =============================================================================

// RunIncremental pulls pages from the watermark cursor until the adapter
// signals done or the page cap is hit. The watermark advances only after
// a page's records are durably committed downstream. Idempotent: an
// external scheduler may invoke it repeatedly.
func (p *Puller) RunIncremental(ctx context.Context, sourceID, entityID string) (*RunResult, error) {
	if !p.acquire(sourceID, entityID) {
		return nil, ErrRunInFlight
	}
	defer p.release(sourceID, entityID)

	result := &RunResult{SourceID: sourceID, EntityID: entityID}

	adapter, err := p.adapter(sourceID)
	if err != nil {
		p.auditRun(ctx, sourceID, entityID, audit.ActionIncrementalRun, audit.OutcomeFailure, err.Error())
		return result, err
	}

	mark, err := p.marks.Get(ctx, sourceID, entityID)
	if err != nil {
		return result, err
	}

	cursor := mark.Cursor
	for result.Pages < p.opts.MaxPages {
		page, err := p.fetchWithRetry(ctx, adapter, entityID, cursor)
		if err != nil {
			outcome := audit.OutcomeFailure
			detail := fmt.Sprintf("page %d cursor=%q: %v", result.Pages, cursor, err)
			p.auditRun(ctx, sourceID, entityID, audit.ActionIncrementalRun, outcome, detail)
			// Permanent failures halt only this entity's run; siblings on
			// other pairs are unaffected.
			return result, err
		}
		result.Pages++

		pageCovered, err := p.commitPage(ctx, page, result)
		if err != nil {
			// Records on this page were not durably committed; leave the
			// watermark where it is so the page replays next run.
			p.auditRun(ctx, sourceID, entityID, audit.ActionIncrementalRun, audit.OutcomeFailure,
				fmt.Sprintf("page %d cursor=%q: %v", result.Pages-1, cursor, err))
			return result, err
		}
		covered := mark.CoveredThrough
		if pageCovered.After(covered) {
			covered = pageCovered
		}

		// Commit point: records are durable, the cursor may move.
		next := page.NextCursor
		if page.Done {
			next = cursor
			if page.NextCursor != "" {
				next = page.NextCursor
			}
		}
		version, err := p.marks.Advance(ctx, watermark.Mark{
			SourceID:       sourceID,
			EntityID:       entityID,
			Cursor:         next,
			LastSuccessAt:  time.Now().UTC(),
			CoveredThrough: covered,
			Version:        mark.Version,
		})
		if err != nil {
			// A conflict means another writer advanced despite run
			// exclusion; stop rather than risk a cursor regression.
			p.auditRun(ctx, sourceID, entityID, audit.ActionIncrementalRun, audit.OutcomeFailure,
				fmt.Sprintf("watermark advance: %v", err))
			return result, err
		}
		mark.Version = version
		mark.CoveredThrough = covered
		cursor = next

		if page.Done {
			break
		}
	}

	outcome := audit.OutcomeSuccess
	if result.Failed > 0 {
		outcome = audit.OutcomePartial
	}
	p.auditRun(ctx, sourceID, entityID, audit.ActionIncrementalRun, outcome,
		fmt.Sprintf("pages=%d committed=%d unchanged=%d stale=%d failed=%d",
			result.Pages, result.Committed, result.Unchanged, result.Stale, result.Failed))
	return result, nil
}

// =============================================================================
// BACKFILL RUNS
// =============================================================================

// RunBackfill fetches targeted ids or a window. It never advances the
// watermark. A backfill superseded by a newer watermark is allowed to
// finish but its results are discarded (cooperative cancellation).
func (p *Puller) RunBackfill(ctx context.Context, req BackfillRequest) (*RunResult, error) {
	result := &RunResult{SourceID: req.SourceID, EntityID: req.EntityID}

	adapter, err := p.adapter(req.SourceID)
	if err != nil {
		p.auditRun(ctx, req.SourceID, req.EntityID, audit.ActionBackfillRun, audit.OutcomeFailure, err.Error())
		return result, err
	}

	var records []*core.RawRecord
	if len(req.ExternalIDs) > 0 {
		for _, id := range req.ExternalIDs {
			rec, err := p.fetchByIDWithRetry(ctx, adapter, req.EntityID, id)
			if err != nil {
				result.Failed++
				p.auditor.Record(ctx, audit.New(req.SourceID, req.EntityID,
					audit.ActionRecordFailure, audit.OutcomeFailure,
					fmt.Sprintf("backfill external_id=%s: %v", id, err)))
				if !core.IsPermanent(err) {
					return result, err
				}
				continue
			}
			records = append(records, rec)
		}
	} else {
		ids, err := adapter.ListIDs(ctx, req.EntityID, req.Window)
		if err != nil {
			p.auditRun(ctx, req.SourceID, req.EntityID, audit.ActionBackfillRun, audit.OutcomeFailure, err.Error())
			return result, err
		}
		for _, id := range ids {
			rec, err := p.fetchByIDWithRetry(ctx, adapter, req.EntityID, id)
			if err != nil {
				result.Failed++
				p.auditor.Record(ctx, audit.New(req.SourceID, req.EntityID,
					audit.ActionRecordFailure, audit.OutcomeFailure,
					fmt.Sprintf("backfill external_id=%s: %v", id, err)))
				if !core.IsPermanent(err) {
					return result, err
				}
				continue
			}
			records = append(records, rec)
		}
	}

	if p.superseded(ctx, req) {
		result.Discarded = true
		p.auditRun(ctx, req.SourceID, req.EntityID, audit.ActionBackfillRun, audit.OutcomeDiscarded,
			fmt.Sprintf("window superseded by newer watermark (%d records dropped): %s", len(records), req.Reason))
		return result, nil
	}

	for _, rec := range records {
		if _, err := p.commitRecord(ctx, rec, result); err != nil {
			p.auditRun(ctx, req.SourceID, req.EntityID, audit.ActionBackfillRun, audit.OutcomeFailure,
				fmt.Sprintf("reason=%q: %v", req.Reason, err))
			return result, err
		}
	}

	outcome := audit.OutcomeSuccess
	if result.Failed > 0 {
		outcome = audit.OutcomePartial
	}
	p.auditRun(ctx, req.SourceID, req.EntityID, audit.ActionBackfillRun, outcome,
		fmt.Sprintf("reason=%q committed=%d unchanged=%d stale=%d failed=%d",
			req.Reason, result.Committed, result.Unchanged, result.Stale, result.Failed))
	return result, nil
}

// superseded reports whether a windowed backfill's target range is
// already covered by the watermark's business-time coverage. Wall-clock
// run times never enter the comparison: a pair pulled five minutes ago
// may still be missing data from last month.
func (p *Puller) superseded(ctx context.Context, req BackfillRequest) bool {
	if len(req.ExternalIDs) > 0 || req.Window.To.IsZero() {
		return false
	}
	mark, err := p.marks.Get(ctx, req.SourceID, req.EntityID)
	if err != nil || mark.Version == 0 || mark.CoveredThrough.IsZero() {
		return false
	}
	return !mark.CoveredThrough.Before(req.Window.To)
}

// =============================================================================
// PAGE COMMIT
// =============================================================================

// commitPage commits a page's valid records and audits the invalid ones
// individually. One bad record never blocks siblings, but a retryable
// commit failure aborts the page so nothing past it is treated as durable.
// Returns the latest business time among the page's durable records, for
// watermark coverage tracking.
func (p *Puller) commitPage(ctx context.Context, page *source.Page, result *RunResult) (time.Time, error) {
	var covered time.Time
	for _, rec := range page.Records {
		durable, err := p.commitRecord(ctx, rec, result)
		if err != nil {
			return covered, err
		}
		if durable && rec.BusinessTime.After(covered) {
			covered = rec.BusinessTime
		}
	}
	for _, failure := range page.Invalid {
		result.Failed++
		p.auditor.Record(ctx, audit.New(result.SourceID, result.EntityID,
			audit.ActionRecordFailure, audit.OutcomeRejected,
			fmt.Sprintf("index=%d external_id=%s: %v", failure.Index, failure.ExternalID, failure.Err)))
	}
	return covered, nil
}

// commitRecord commits one record. Permanent failures are isolated and
// audited; retryable ones (landing outage, store down, exhausted conflict
// retries) are returned to the caller, which must not advance the
// watermark past a record that was never durably committed.
func (p *Puller) commitRecord(ctx context.Context, rec *core.RawRecord, result *RunResult) (bool, error) {
	delta, err := p.commit.Commit(ctx, rec)
	if err != nil {
		result.Failed++
		p.auditor.Record(ctx, audit.New(rec.SourceID, rec.EntityID,
			audit.ActionRecordFailure, audit.OutcomeFailure,
			fmt.Sprintf("external_id=%s: %v", rec.ExternalID, err)))
		if core.IsPermanent(err) {
			return false, nil
		}
		return false, fmt.Errorf("commit %s: %w", rec.ExternalID, err)
	}
	switch delta {
	case history.DeltaInserted, history.DeltaUpdated:
		result.Committed++
	case history.DeltaUnchanged:
		result.Unchanged++
	case history.DeltaStale:
		result.Stale++
	}
	return true, nil
}

// =============================================================================
// RETRY
// =============================================================================

// fetchWithRetry retries transient and rate-limited page fetches with
// exponential backoff and jitter, honoring rate-limit hints. Permanent
// failures abort immediately.
func (p *Puller) fetchWithRetry(ctx context.Context, adapter source.Adapter, entityID, cursor string) (*source.Page, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		page, err := adapter.FetchPage(ctx, entityID, cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
		if sleepErr := p.backoff(ctx, attempt, core.RetryAfterHint(err)); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("retry budget exhausted: %w", lastErr)
}

func (p *Puller) fetchByIDWithRetry(ctx context.Context, adapter source.Adapter, entityID, externalID string) (*core.RawRecord, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		rec, err := adapter.FetchByID(ctx, entityID, externalID)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
		if sleepErr := p.backoff(ctx, attempt, core.RetryAfterHint(err)); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("retry budget exhausted: %w", lastErr)
}

// backoff sleeps for base*2^attempt plus jitter, capped, or the
// rate-limit hint when that is longer.
func (p *Puller) backoff(ctx context.Context, attempt int, hint time.Duration) error {
	d := p.opts.BaseBackoff * time.Duration(1<<uint(attempt))
	if d > p.opts.MaxBackoff {
		d = p.opts.MaxBackoff
	}
	d += time.Duration(rand.Int63n(int64(p.opts.BaseBackoff)))
	if hint > d {
		d = hint
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (p *Puller) auditRun(ctx context.Context, sourceID, entityID, action, outcome, detail string) {
	if p.auditor == nil {
		return
	}
	p.auditor.Record(ctx, audit.New(sourceID, entityID, action, outcome, detail))
}

// Close closes all cached adapters.
func (p *Puller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, a := range p.adapters {
		if err := a.Close(); err != nil {
			log.Printf("[puller] close adapter %s: %v", id, err)
		}
	}
	return nil
}
