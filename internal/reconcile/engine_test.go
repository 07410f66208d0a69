package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/puller"
	"github.com/chronicle/ingest-core/internal/source"
)

// stubAdapter serves canned listings for sweep tests.
type stubAdapter struct {
	ids []string
}

func (a *stubAdapter) Describe() *source.Config { return nil }
func (a *stubAdapter) Authenticate(ctx context.Context) (source.Credential, error) {
	return nil, nil
}
func (a *stubAdapter) FetchPage(ctx context.Context, entityID, cursor string) (*source.Page, error) {
	return &source.Page{Done: true}, nil
}
func (a *stubAdapter) FetchByID(ctx context.Context, entityID, externalID string) (*core.RawRecord, error) {
	return nil, core.Permanent(nil)
}
func (a *stubAdapter) ListIDs(ctx context.Context, entityID string, window source.Window) ([]string, error) {
	return a.ids, nil
}
func (a *stubAdapter) Close() error { return nil }

type stubLister struct {
	adapter source.Adapter
}

func (l *stubLister) Adapter(sourceID string) (source.Adapter, error) {
	return l.adapter, nil
}

// recordingBackfiller captures backfill requests run by the workers.
type recordingBackfiller struct {
	requests chan puller.BackfillRequest
}

func (b *recordingBackfiller) RunBackfill(ctx context.Context, req puller.BackfillRequest) (*puller.RunResult, error) {
	b.requests <- req
	return &puller.RunResult{SourceID: req.SourceID, EntityID: req.EntityID}, nil
}

func testEngine(adapter source.Adapter) (*Engine, *MemoryTicketStore, *history.MemoryStore, *audit.MemoryLog) {
	tickets := NewMemoryTicketStore()
	hist := history.NewMemoryStore()
	auditor := audit.NewMemoryLog()
	back := &recordingBackfiller{requests: make(chan puller.BackfillRequest, 16)}
	e := NewEngine(tickets, hist, back, &stubLister{adapter: adapter}, auditor, 16)
	return e, tickets, hist, auditor
}

func upsert(t *testing.T, hist history.Store, externalID string) {
	t.Helper()
	rec := &core.RawRecord{
		SourceID:     "crm",
		EntityID:     "tickets",
		ExternalID:   externalID,
		Attributes:   map[string]any{"id": externalID},
		BusinessTime: time.Now().UTC(),
		Origin:       core.OriginCallback,
	}
	rec.Finalize(time.Now().UTC())
	if _, err := hist.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func TestEscalateOverdueResolvesSatisfiedTickets(t *testing.T) {
	ctx := context.Background()
	e, tickets, hist, _ := testEngine(&stubAdapter{})

	if _, err := tickets.Open(ctx, "crm", "tickets", "T-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	// The promised record landed via some path before the pass ran.
	upsert(t, hist, "T-1")

	if err := e.EscalateOverdue(ctx, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	pending, _ := tickets.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("satisfied ticket still pending: %+v", pending)
	}
	if len(e.queue) != 0 {
		t.Fatal("satisfied ticket triggered a backfill")
	}
}

func TestEscalateOverdueEnqueuesTargetedBackfill(t *testing.T) {
	ctx := context.Background()
	e, tickets, _, _ := testEngine(&stubAdapter{})

	if _, err := tickets.Open(ctx, "crm", "tickets", "T-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := e.EscalateOverdue(ctx, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-e.queue:
		if req.SourceID != "crm" || req.EntityID != "tickets" {
			t.Fatalf("request = %+v", req)
		}
		if len(req.ExternalIDs) != 1 || req.ExternalIDs[0] != "T-1" {
			t.Fatalf("targets = %v", req.ExternalIDs)
		}
	default:
		t.Fatal("no backfill enqueued for overdue ticket")
	}

	pending, _ := tickets.Pending(ctx)
	if len(pending) != 1 || pending[0].Escalations != 1 {
		t.Fatalf("ticket after escalation = %+v", pending)
	}
}

func TestEscalateOverdueSkipsTicketsBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	e, tickets, _, _ := testEngine(&stubAdapter{})

	if _, err := tickets.Open(ctx, "crm", "tickets", "T-1", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := e.EscalateOverdue(ctx, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if len(e.queue) != 0 {
		t.Fatal("ticket escalated before its deadline")
	}
}

func TestEscalationBudgetExhaustedRaisesAlert(t *testing.T) {
	ctx := context.Background()
	e, tickets, _, auditor := testEngine(&stubAdapter{})
	e.MaxEscalations = 2

	if _, err := tickets.Open(ctx, "crm", "tickets", "T-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	// Two corrective attempts, then the third pass gives up.
	for i := 0; i < 3; i++ {
		if err := e.EscalateOverdue(ctx, time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
	}

	pending, _ := tickets.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("exhausted ticket still pending: %+v", pending)
	}
	if got := len(e.queue); got != 2 {
		t.Fatalf("backfills enqueued = %d, want 2", got)
	}

	events, err := auditor.List(ctx, audit.Filter{Action: audit.ActionTicketEscalate})
	if err != nil {
		t.Fatal(err)
	}
	var escalated int
	for _, ev := range events {
		if ev.Outcome == audit.OutcomeEscalated {
			escalated++
		}
	}
	if escalated != 1 {
		t.Fatalf("alert-grade escalation events = %d, want 1", escalated)
	}
}

func TestSweepEnqueuesMissingIDs(t *testing.T) {
	ctx := context.Background()
	e, _, hist, auditor := testEngine(&stubAdapter{ids: []string{"A", "B", "C"}})

	// B is already versioned; A and C are the gap.
	upsert(t, hist, "B")

	res, err := e.Sweep(ctx, "crm", "tickets", source.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Listed != 3 || res.Known != 1 {
		t.Fatalf("sweep result = %+v", res)
	}
	if len(res.Missing) != 2 || res.Missing[0] != "A" || res.Missing[1] != "C" {
		t.Fatalf("missing = %v", res.Missing)
	}

	select {
	case req := <-e.queue:
		if len(req.ExternalIDs) != 2 {
			t.Fatalf("backfill targets = %v", req.ExternalIDs)
		}
	default:
		t.Fatal("sweep enqueued no backfill")
	}

	events, _ := auditor.List(ctx, audit.Filter{Action: audit.ActionSweep})
	if len(events) != 1 || events[0].Outcome != audit.OutcomePartial {
		t.Fatalf("sweep audit = %+v", events)
	}
}

func TestSweepAllKnownIsQuiet(t *testing.T) {
	ctx := context.Background()
	e, tickets, hist, _ := testEngine(&stubAdapter{ids: []string{"A", "B"}})

	upsert(t, hist, "A")
	upsert(t, hist, "B")

	res, err := e.Sweep(ctx, "crm", "tickets", source.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Missing) != 0 {
		t.Fatalf("missing = %v", res.Missing)
	}
	if len(e.queue) != 0 {
		t.Fatal("complete listing enqueued a backfill")
	}
	// Already-versioned ids never get tickets.
	pending, _ := tickets.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("sweep opened tickets: %+v", pending)
	}
}

func TestBackfillWorkersDrainQueue(t *testing.T) {
	tickets := NewMemoryTicketStore()
	hist := history.NewMemoryStore()
	back := &recordingBackfiller{requests: make(chan puller.BackfillRequest, 1)}
	e := NewEngine(tickets, hist, back, &stubLister{adapter: &stubAdapter{}}, audit.NewMemoryLog(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx, 1)

	e.EnqueueBackfill(puller.BackfillRequest{SourceID: "crm", EntityID: "tickets", ExternalIDs: []string{"T-1"}})

	select {
	case req := <-back.requests:
		if req.ExternalIDs[0] != "T-1" {
			t.Fatalf("worker ran %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ran the enqueued backfill")
	}

	cancel()
	e.Wait()
}
