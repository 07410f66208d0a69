// Package reconcile detects and resolves gaps between the two delivery
// paths: expectation tickets track promised-but-missing records, and the
// completeness sweep compares batch listings against versioned history.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an expectation ticket.
type Status string

const (
	// StatusPending means the promised record has not been observed yet.
	StatusPending Status = "pending"
	// StatusSatisfied means a version for the external id now exists.
	StatusSatisfied Status = "satisfied"
	// StatusEscalated means the escalation budget ran out; an alert-grade
	// audit event was raised and the ticket will not be retried further.
	StatusEscalated Status = "escalated"
)

// Ticket is an expectation that a record for an external id will become
// versioned by a deadline. Created by either delivery path; resolved only
// by the reconciliation engine.
type Ticket struct {
	ID          string
	SourceID    string
	EntityID    string
	ExternalID  string
	ExpectedBy  time.Time
	Status      Status
	Escalations int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TicketStore persists expectation tickets.
type TicketStore interface {
	// Open creates a pending ticket, or returns the existing pending
	// ticket for the same (source, entity, external id). Duplicate
	// callbacks therefore never fan out into duplicate tickets.
	Open(ctx context.Context, sourceID, entityID, externalID string, expectedBy time.Time) (*Ticket, error)

	// Pending returns all pending tickets, oldest deadline first.
	Pending(ctx context.Context) ([]*Ticket, error)

	// Escalate increments the escalation count and returns the new count.
	Escalate(ctx context.Context, id string) (int, error)

	// Resolve moves a ticket to a terminal status.
	Resolve(ctx context.Context, id string, status Status) error

	Close() error
}

// =============================================================================
// MEMORY TICKET STORE
// =============================================================================

// MemoryTicketStore implements TicketStore in process memory.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewMemoryTicketStore creates an empty in-memory ticket store.
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]*Ticket)}
}

func (s *MemoryTicketStore) Open(ctx context.Context, sourceID, entityID, externalID string, expectedBy time.Time) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tickets {
		if t.Status == StatusPending && t.SourceID == sourceID && t.EntityID == entityID && t.ExternalID == externalID {
			copied := *t
			return &copied, nil
		}
	}

	now := time.Now().UTC()
	ticket := &Ticket{
		ID:         uuid.New().String(),
		SourceID:   sourceID,
		EntityID:   entityID,
		ExternalID: externalID,
		ExpectedBy: expectedBy,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.tickets[ticket.ID] = ticket
	copied := *ticket
	return &copied, nil
}

func (s *MemoryTicketStore) Pending(ctx context.Context) ([]*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Ticket
	for _, t := range s.tickets {
		if t.Status == StatusPending {
			copied := *t
			out = append(out, &copied)
		}
	}
	sortTickets(out)
	return out, nil
}

func (s *MemoryTicketStore) Escalate(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return 0, errTicketNotFound(id)
	}
	t.Escalations++
	t.UpdatedAt = time.Now().UTC()
	return t.Escalations, nil
}

func (s *MemoryTicketStore) Resolve(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return errTicketNotFound(id)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTicketStore) Close() error { return nil }

func sortTickets(ts []*Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].ExpectedBy.Before(ts[j].ExpectedBy)
	})
}

func errTicketNotFound(id string) error {
	return fmt.Errorf("ticket not found: %s", id)
}
