// Package receiver normalizes pushed callback payloads through the same
// mapping contract as the batch path. It is stateless: any number of
// concurrent invocations, no cross-invocation ordering assumed. Ordering
// for one external id is settled downstream by business timestamp, never
// by arrival order.
package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/pipeline"
	"github.com/chronicle/ingest-core/internal/puller"
	"github.com/chronicle/ingest-core/internal/reconcile"
	"github.com/chronicle/ingest-core/internal/source"
)

// Push is an inbound callback delivery. Payload may be absent
// (notification-only); callers retry on non-success, so duplicates and
// reordering are expected here.
type Push struct {
	SourceID   string         `json:"source_id" binding:"required"`
	EntityID   string         `json:"entity_id"`
	ExternalID string         `json:"external_id" binding:"required"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	DeliveryID string         `json:"delivery_id"`
}

// Receipt acknowledges a processed push.
type Receipt struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	Status     string `json:"status"` // accepted | ticketed
	TicketID   string `json:"ticket_id,omitempty"`
}

// Scheduler enqueues corrective batch fetches without blocking the push
// path.
type Scheduler interface {
	EnqueueBackfill(req puller.BackfillRequest)
}

// Receiver handles callback pushes.
type Receiver struct {
	catalog *source.Catalog
	pull    *puller.Puller
	commit  *pipeline.Committer
	tickets reconcile.TicketStore
	sched   Scheduler
	auditor audit.Log

	// TicketDeadline is how long a notification-only push gets before the
	// reconciliation engine escalates (default 15m). Wall-clock, distinct
	// from any request timeout.
	TicketDeadline time.Duration
}

// New creates a receiver.
func New(catalog *source.Catalog, pull *puller.Puller, commit *pipeline.Committer,
	tickets reconcile.TicketStore, sched Scheduler, auditor audit.Log) *Receiver {
	return &Receiver{
		catalog:        catalog,
		pull:           pull,
		commit:         commit,
		tickets:        tickets,
		sched:          sched,
		auditor:        auditor,
		TicketDeadline: 15 * time.Minute,
	}
}

// Handle processes one push. Success is returned only after the record is
// durably enqueued; versioning completes in the background. The handler
// never assumes ordering and tolerates duplicate deliveries: downstream
// dedups by content hash.
func (r *Receiver) Handle(ctx context.Context, push *Push) (*Receipt, error) {
	cfg, ok := r.catalog.Get(push.SourceID)
	if !ok {
		return nil, core.Permanent(fmt.Errorf("unknown source: %s", push.SourceID))
	}

	entityID := push.EntityID
	if entityID == "" {
		if len(cfg.Entities) != 1 {
			return nil, core.Permanent(fmt.Errorf("source %s: entity_id is required", push.SourceID))
		}
		entityID = cfg.Entities[0].ID
	}
	if cfg.Entity(entityID) == nil {
		return nil, core.Permanent(fmt.Errorf("source %s: unknown entity %s", push.SourceID, entityID))
	}
	if push.ExternalID == "" {
		return nil, core.Permanent(fmt.Errorf("external_id is required"))
	}

	if len(push.Payload) == 0 {
		return r.handleNotification(ctx, push, entityID)
	}
	return r.handleFullBody(ctx, push, entityID)
}

// handleNotification opens an expectation ticket and schedules a targeted
// batch fetch for the full body.
func (r *Receiver) handleNotification(ctx context.Context, push *Push, entityID string) (*Receipt, error) {
	ticket, err := r.tickets.Open(ctx, push.SourceID, entityID, push.ExternalID,
		time.Now().UTC().Add(r.TicketDeadline))
	if err != nil {
		return nil, fmt.Errorf("open ticket: %w", err)
	}
	if ticket == nil {
		return nil, core.Transient(fmt.Errorf("open ticket %s/%s/%s: store returned no ticket", push.SourceID, entityID, push.ExternalID))
	}

	r.sched.EnqueueBackfill(puller.BackfillRequest{
		SourceID:    push.SourceID,
		EntityID:    entityID,
		ExternalIDs: []string{push.ExternalID},
		Reason:      fmt.Sprintf("callback notification delivery=%s", push.DeliveryID),
	})

	if r.auditor != nil {
		r.auditor.Record(ctx, audit.New(push.SourceID, entityID,
			audit.ActionTicketOpen, audit.OutcomeSuccess,
			fmt.Sprintf("external_id=%s delivery=%s ticket=%s", push.ExternalID, push.DeliveryID, ticket.ID)))
	}
	return &Receipt{DeliveryID: push.DeliveryID, Status: "ticketed", TicketID: ticket.ID}, nil
}

// handleFullBody normalizes the payload through the source's mapper and
// durably enqueues the record.
func (r *Receiver) handleFullBody(ctx context.Context, push *Push, entityID string) (*Receipt, error) {
	adapter, err := r.pull.Adapter(push.SourceID)
	if err != nil {
		return nil, err
	}
	normalizer, ok := adapter.(source.Normalizer)
	if !ok {
		return nil, core.Permanent(fmt.Errorf("source %s: adapter cannot normalize callbacks", push.SourceID))
	}

	now := time.Now().UTC()
	rec, err := normalizer.Normalize(entityID, push.Payload, core.OriginCallback, now)
	if err != nil {
		if r.auditor != nil {
			r.auditor.Record(ctx, audit.New(push.SourceID, entityID,
				audit.ActionPush, audit.OutcomeRejected,
				fmt.Sprintf("external_id=%s delivery=%s: %v", push.ExternalID, push.DeliveryID, err)))
		}
		return nil, err
	}

	// The envelope is authoritative for identity; the payload must agree.
	if rec.ExternalID != push.ExternalID {
		return nil, core.Permanent(fmt.Errorf("payload id %q does not match envelope external_id %q",
			rec.ExternalID, push.ExternalID))
	}
	if rec.BusinessTime.IsZero() && !push.Timestamp.IsZero() {
		rec.BusinessTime = push.Timestamp.UTC()
	}

	if err := r.commit.Enqueue(ctx, rec); err != nil {
		return nil, err
	}

	if r.auditor != nil {
		r.auditor.Record(ctx, audit.New(push.SourceID, entityID,
			audit.ActionPush, audit.OutcomeSuccess,
			fmt.Sprintf("external_id=%s delivery=%s hash=%s", push.ExternalID, push.DeliveryID, rec.ContentHash)))
	}
	return &Receipt{DeliveryID: push.DeliveryID, Status: "accepted"}, nil
}
