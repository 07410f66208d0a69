package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/puller"
	"github.com/chronicle/ingest-core/internal/source"
)

// Backfiller runs targeted corrective fetches. Implemented by the puller.
type Backfiller interface {
	RunBackfill(ctx context.Context, req puller.BackfillRequest) (*puller.RunResult, error)
}

// Lister exposes id enumeration for completeness sweeps. Implemented by
// the puller, which owns the adapter cache.
type Lister interface {
	Adapter(sourceID string) (source.Adapter, error)
}

// SweepResult reports one completeness sweep.
type SweepResult struct {
	SourceID string
	EntityID string
	Listed   int
	Known    int
	Missing  []string
}

// Engine closes the loop between pushes and batch pulls: it resolves
// expectation tickets once the promised record lands, escalates tickets
// that overstay their deadline, and sweeps batch listings against
// versioned history to catch records the push channel never announced.
// Batch listing is the completeness source of truth.
type Engine struct {
	tickets TicketStore
	hist    history.Store
	back    Backfiller
	list    Lister
	auditor audit.Log

	// MaxEscalations is how many corrective fetches a ticket gets before
	// it is marked escalated for operator review (default 3).
	MaxEscalations int

	// SweepGrace holds the periodic sweep window back from now (default
	// 10m), giving the push path its chance to deliver before an id is
	// treated as missing.
	SweepGrace time.Duration

	queue   chan puller.BackfillRequest
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewEngine creates an engine. queueDepth bounds enqueued corrective
// fetches; beyond it enqueues are dropped and audited, never blocked on.
func NewEngine(tickets TicketStore, hist history.Store, back Backfiller, list Lister, auditor audit.Log, queueDepth int) *Engine {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Engine{
		tickets:        tickets,
		hist:           hist,
		back:           back,
		list:           list,
		auditor:        auditor,
		MaxEscalations: 3,
		SweepGrace:     10 * time.Minute,
		queue:          make(chan puller.BackfillRequest, queueDepth),
	}
}

// EnqueueBackfill schedules a corrective fetch. Non-blocking: if the
// queue is full the request is dropped and audited; the next escalation
// pass or sweep will re-detect the gap.
func (e *Engine) EnqueueBackfill(req puller.BackfillRequest) {
	select {
	case e.queue <- req:
	default:
		if e.auditor != nil {
			e.auditor.Record(context.Background(), audit.New(req.SourceID, req.EntityID,
				audit.ActionBackfillRun, audit.OutcomeDiscarded,
				fmt.Sprintf("backfill queue full, dropped: %s", req.Reason)))
		}
	}
}

// Start launches the backfill workers. Idempotent.
func (e *Engine) Start(ctx context.Context, workers int) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-e.queue:
					if !ok {
						return
					}
					if _, err := e.back.RunBackfill(ctx, req); err != nil {
						log.Printf("reconcile: backfill %s/%s: %v", req.SourceID, req.EntityID, err)
					}
				}
			}
		}()
	}
}

// Run drives the periodic passes until ctx is cancelled. sweepWindow is
// how far back each sweep lists; sources and entities to sweep come from
// the catalog via the Lister's adapters.
func (e *Engine) Run(ctx context.Context, catalog *source.Catalog, escalateEvery, sweepEvery time.Duration, sweepWindow time.Duration) {
	e.Start(ctx, 0)

	escalate := time.NewTicker(escalateEvery)
	sweep := time.NewTicker(sweepEvery)
	defer escalate.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-escalate.C:
			if err := e.EscalateOverdue(ctx, time.Now().UTC()); err != nil {
				log.Printf("reconcile: escalate: %v", err)
			}
		case <-sweep.C:
			to := time.Now().UTC().Add(-e.SweepGrace)
			window := source.Window{From: to.Add(-sweepWindow), To: to}
			for _, sourceID := range catalog.SourceIDs() {
				cfg, ok := catalog.Get(sourceID)
				if !ok {
					continue
				}
				for _, entity := range cfg.Entities {
					if _, err := e.Sweep(ctx, sourceID, entity.ID, window); err != nil {
						log.Printf("reconcile: sweep %s/%s: %v", sourceID, entity.ID, err)
					}
				}
			}
		}
	}
}

// Wait blocks until the backfill workers exit. Call after cancelling the
// context passed to Start.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// EscalateOverdue walks pending tickets: tickets whose record has landed
// are resolved; tickets past their deadline get another corrective fetch,
// and after MaxEscalations they are marked escalated and surfaced for
// operator attention. Individual ticket failures are logged and skipped
// so one bad row cannot stall the pass.
func (e *Engine) EscalateOverdue(ctx context.Context, now time.Time) error {
	pending, err := e.tickets.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending tickets: %w", err)
	}

	for _, t := range pending {
		cur, err := e.hist.Current(ctx, t.SourceID, t.EntityID, t.ExternalID)
		if err != nil {
			log.Printf("reconcile: current %s/%s/%s: %v", t.SourceID, t.EntityID, t.ExternalID, err)
			continue
		}
		if cur != nil {
			if err := e.tickets.Resolve(ctx, t.ID, StatusSatisfied); err != nil {
				log.Printf("reconcile: resolve %s: %v", t.ID, err)
			}
			continue
		}
		if now.Before(t.ExpectedBy) {
			continue
		}

		if t.Escalations >= e.MaxEscalations {
			if err := e.tickets.Resolve(ctx, t.ID, StatusEscalated); err != nil {
				log.Printf("reconcile: escalate %s: %v", t.ID, err)
				continue
			}
			if e.auditor != nil {
				e.auditor.Record(ctx, audit.New(t.SourceID, t.EntityID,
					audit.ActionTicketEscalate, audit.OutcomeEscalated,
					fmt.Sprintf("external_id=%s ticket=%s gave up after %d attempts", t.ExternalID, t.ID, t.Escalations)))
			}
			continue
		}

		n, err := e.tickets.Escalate(ctx, t.ID)
		if err != nil {
			log.Printf("reconcile: escalate %s: %v", t.ID, err)
			continue
		}
		e.EnqueueBackfill(puller.BackfillRequest{
			SourceID:    t.SourceID,
			EntityID:    t.EntityID,
			ExternalIDs: []string{t.ExternalID},
			Reason:      fmt.Sprintf("ticket %s escalation %d", t.ID, n),
		})
		if e.auditor != nil {
			e.auditor.Record(ctx, audit.New(t.SourceID, t.EntityID,
				audit.ActionTicketEscalate, audit.OutcomeSuccess,
				fmt.Sprintf("external_id=%s ticket=%s attempt=%d", t.ExternalID, t.ID, n)))
		}
	}
	return nil
}

// Sweep lists ids from the source over window and compares them against
// versioned history. Ids the listing names that history has never seen
// are scheduled as one targeted backfill. Ids already versioned are left
// alone: no tickets, no fetches.
func (e *Engine) Sweep(ctx context.Context, sourceID, entityID string, window source.Window) (*SweepResult, error) {
	adapter, err := e.list.Adapter(sourceID)
	if err != nil {
		return nil, err
	}
	listed, err := adapter.ListIDs(ctx, entityID, window)
	if err != nil {
		return nil, fmt.Errorf("list ids %s/%s: %w", sourceID, entityID, err)
	}
	known, err := e.hist.VersionedIDs(ctx, sourceID, entityID)
	if err != nil {
		return nil, fmt.Errorf("versioned ids %s/%s: %w", sourceID, entityID, err)
	}

	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	var missing []string
	for _, id := range listed {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	res := &SweepResult{
		SourceID: sourceID,
		EntityID: entityID,
		Listed:   len(listed),
		Known:    len(known),
		Missing:  missing,
	}
	if len(missing) > 0 {
		e.EnqueueBackfill(puller.BackfillRequest{
			SourceID:    sourceID,
			EntityID:    entityID,
			ExternalIDs: missing,
			Reason:      fmt.Sprintf("completeness sweep found %d unversioned ids", len(missing)),
		})
	}
	if e.auditor != nil {
		outcome := audit.OutcomeSuccess
		if len(missing) > 0 {
			outcome = audit.OutcomePartial
		}
		e.auditor.Record(ctx, audit.New(sourceID, entityID, audit.ActionSweep, outcome,
			fmt.Sprintf("listed=%d known=%d missing=%d", len(listed), len(known), len(missing))))
	}
	return res, nil
}
