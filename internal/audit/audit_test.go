package audit

import (
	"context"
	"testing"
	"time"
)

func TestRecordFillsIdentity(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	l.Record(ctx, Event{SourceID: "crm", Action: ActionPush, Outcome: OutcomeSuccess})

	events, err := l.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].ID == "" || events[0].Time.IsZero() {
		t.Fatalf("identity not stamped: %+v", events[0])
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	l.Record(ctx, New("crm", "tickets", ActionIncrementalRun, OutcomeSuccess, ""))
	l.Record(ctx, New("crm", "tickets", ActionRecordFailure, OutcomeRejected, "bad row"))
	l.Record(ctx, New("crm", "comments", ActionIncrementalRun, OutcomePartial, ""))
	l.Record(ctx, New("billing", "invoices", ActionBackfillRun, OutcomeSuccess, ""))

	cases := []struct {
		filter Filter
		want   int
	}{
		{Filter{}, 4},
		{Filter{SourceID: "crm"}, 3},
		{Filter{SourceID: "crm", EntityID: "tickets"}, 2},
		{Filter{Action: ActionIncrementalRun}, 2},
		{Filter{SourceID: "crm", Action: ActionRecordFailure}, 1},
		{Filter{SourceID: "unknown"}, 0},
		{Filter{Limit: 2}, 2},
	}
	for _, tc := range cases {
		events, err := l.List(ctx, tc.filter)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != tc.want {
			t.Errorf("filter %+v matched %d events, want %d", tc.filter, len(events), tc.want)
		}
	}
}

func TestListSince(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	old := New("crm", "tickets", ActionPush, OutcomeSuccess, "")
	old.Time = time.Now().UTC().Add(-time.Hour)
	l.Record(ctx, old)
	l.Record(ctx, New("crm", "tickets", ActionPush, OutcomeSuccess, ""))

	events, err := l.List(ctx, Filter{Since: time.Now().UTC().Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("since filter matched %d events", len(events))
	}
}
