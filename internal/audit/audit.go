// Package audit keeps an append-only record of every ingestion attempt
// and outcome. Writes are fail-open: an audit failure is logged but never
// fails the operation being audited.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the ingestion components.
const (
	ActionIncrementalRun = "incremental_run"
	ActionBackfillRun    = "backfill_run"
	ActionPush           = "callback_push"
	ActionRecordFailure  = "record_failure"
	ActionStaleRecord    = "stale_record"
	ActionTicketOpen     = "ticket_open"
	ActionTicketEscalate = "ticket_escalate"
	ActionSweep          = "completeness_sweep"
)

// Outcomes of audited actions.
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailure   = "failure"
	OutcomeRejected  = "rejected"
	OutcomeEscalated = "escalated"
	OutcomeDiscarded = "discarded"
)

// Event is one immutable audit entry.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	SourceID string    `json:"sourceId"`
	EntityID string    `json:"entityId"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	SourceID string
	EntityID string
	Action   string
	Since    time.Time
	Limit    int
}

// Log is the append-only audit log.
type Log interface {
	Record(ctx context.Context, event Event)
	List(ctx context.Context, filter Filter) ([]Event, error)
	Close() error
}

// New fills in id and timestamp for an event.
func New(sourceID, entityID, action, outcome, detail string) Event {
	return Event{
		ID:       uuid.New().String(),
		Time:     time.Now().UTC(),
		SourceID: sourceID,
		EntityID: entityID,
		Action:   action,
		Outcome:  outcome,
		Detail:   detail,
	}
}

// =============================================================================
// MEMORY LOG
// =============================================================================

// MemoryLog implements Log in process memory for dev and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *MemoryLog) List(ctx context.Context, filter Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if !matches(e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }

func matches(e Event, f Filter) bool {
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

// logFailure reports an audit write failure without failing the caller.
func logFailure(err error) {
	log.Printf("[audit] write failed: %v", err)
}
