package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
)

func record(externalID string, attrs map[string]any, business time.Time) *core.RawRecord {
	rec := &core.RawRecord{
		SourceID:     "crm",
		EntityID:     "tickets",
		ExternalID:   externalID,
		Attributes:   attrs,
		BusinessTime: business,
		Origin:       core.OriginBatch,
	}
	rec.Finalize(time.Now().UTC())
	return rec
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t10 := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	t20 := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)

	delta, err := s.Upsert(ctx, record("T-1", map[string]any{"status": "open"}, t10))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if delta != DeltaInserted {
		t.Fatalf("first upsert delta = %s", delta)
	}

	delta, err = s.Upsert(ctx, record("T-1", map[string]any{"status": "closed"}, t20))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if delta != DeltaUpdated {
		t.Fatalf("second upsert delta = %s", delta)
	}

	rows, err := s.History(ctx, "crm", "tickets", "T-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("history rows = %d, want 2", len(rows))
	}
	first, second := rows[0], rows[1]
	if first.IsCurrent || first.EffectiveTo == nil || !first.EffectiveTo.Equal(t20) {
		t.Errorf("first row not closed at t20: %+v", first)
	}
	if !second.IsCurrent || second.EffectiveTo != nil || !second.EffectiveFrom.Equal(t20) {
		t.Errorf("second row not the open current: %+v", second)
	}
}

func TestUpsertDuplicateContentIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t10 := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	attrs := map[string]any{"status": "open", "assignee": "kim"}

	if _, err := s.Upsert(ctx, record("T-1", attrs, t10)); err != nil {
		t.Fatal(err)
	}
	// Same content redelivered by either path, any number of times.
	for i := 0; i < 3; i++ {
		delta, err := s.Upsert(ctx, record("T-1", attrs, t10))
		if err != nil {
			t.Fatal(err)
		}
		if delta != DeltaUnchanged {
			t.Fatalf("redelivery %d delta = %s, want %s", i, delta, DeltaUnchanged)
		}
	}
	rows, _ := s.History(ctx, "crm", "tickets", "T-1")
	if len(rows) != 1 {
		t.Fatalf("duplicates created versions: %d rows", len(rows))
	}
}

func TestUpsertStaleRecordQueuedForReview(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t5 := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	t10 := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	t20 := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)

	mustUpsert(t, s, record("T-1", map[string]any{"v": "a"}, t10), DeltaInserted)
	mustUpsert(t, s, record("T-1", map[string]any{"v": "b"}, t20), DeltaUpdated)

	// A record older than the current interval must not rewrite history.
	late := record("T-1", map[string]any{"v": "stale"}, t5)
	mustUpsert(t, s, late, DeltaStale)

	cur, err := s.Current(ctx, "crm", "tickets", "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Attributes["v"] != "b" {
		t.Fatalf("current changed by stale record: %v", cur.Attributes)
	}
	rows, _ := s.History(ctx, "crm", "tickets", "T-1")
	if len(rows) != 2 {
		t.Fatalf("stale record appended a version: %d rows", len(rows))
	}

	review, err := s.PendingReview(ctx, "crm", "tickets")
	if err != nil {
		t.Fatal(err)
	}
	if len(review) != 1 || review[0].Attributes["v"] != "stale" {
		t.Fatalf("stale record not queued for review: %v", review)
	}
}

func TestSingleCurrentPerExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := record("T-1", map[string]any{"rev": fmt.Sprintf("%d", i)}, base.Add(time.Duration(i)*time.Minute))
		if _, err := s.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	rows, _ := s.History(ctx, "crm", "tickets", "T-1")
	currents := 0
	for _, v := range rows {
		if v.IsCurrent {
			currents++
			if v.EffectiveTo != nil {
				t.Error("current row has a closed interval")
			}
		} else if v.EffectiveTo == nil {
			t.Error("non-current row has an open interval")
		}
	}
	if currents != 1 {
		t.Fatalf("current rows = %d, want exactly 1", currents)
	}
}

func TestIntervalsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := record("T-1", map[string]any{"rev": fmt.Sprintf("%d", i)}, base.Add(time.Duration(i)*time.Hour))
		if _, err := s.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	rows, _ := s.History(ctx, "crm", "tickets", "T-1")
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if prev.EffectiveTo == nil {
			t.Fatalf("row %d open but followed by another", i-1)
		}
		if cur.EffectiveFrom.Before(*prev.EffectiveTo) {
			t.Fatalf("row %d starts %v before row %d closes %v", i, cur.EffectiveFrom, i-1, *prev.EffectiveTo)
		}
	}
}

func TestAsOf(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t10 := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	t20 := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)
	mustUpsert(t, s, record("T-1", map[string]any{"v": "a"}, t10), DeltaInserted)
	mustUpsert(t, s, record("T-1", map[string]any{"v": "b"}, t20), DeltaUpdated)

	cases := []struct {
		at   time.Time
		want any
	}{
		{t10.Add(5 * time.Second), "a"},
		{t20, "b"},
		{t20.Add(time.Hour), "b"},
	}
	for _, tc := range cases {
		v, err := s.AsOf(ctx, "crm", "tickets", "T-1", tc.at)
		if err != nil {
			t.Fatal(err)
		}
		if v == nil || v.Attributes["v"] != tc.want {
			t.Errorf("AsOf(%v) = %v, want v=%v", tc.at, v, tc.want)
		}
	}

	before, err := s.AsOf(ctx, "crm", "tickets", "T-1", t10.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if before != nil {
		t.Errorf("AsOf before first version = %+v, want nil", before)
	}
}

func TestVersionedIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	mustUpsert(t, s, record("T-2", map[string]any{"v": "2"}, now), DeltaInserted)
	mustUpsert(t, s, record("T-1", map[string]any{"v": "1"}, now), DeltaInserted)

	other := record("X-9", map[string]any{"v": "x"}, now)
	other.EntityID = "comments"
	mustUpsert(t, s, other, DeltaInserted)

	ids, err := s.VersionedIDs(ctx, "crm", "tickets")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "T-1" || ids[1] != "T-2" {
		t.Fatalf("VersionedIDs = %v", ids)
	}
}

func TestUpsertConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record("T-1", map[string]any{"rev": fmt.Sprintf("%d", i)}, base.Add(time.Duration(i)*time.Second))
			if _, err := s.Upsert(ctx, rec); err != nil {
				t.Errorf("upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	rows, _ := s.History(ctx, "crm", "tickets", "T-1")
	currents := 0
	for _, v := range rows {
		if v.IsCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("concurrent upserts left %d current rows", currents)
	}
}

func TestUpsertConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const writers = 16
	const revisions = 8

	// Distinct ids write in parallel; each id's revisions stay ordered.
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("T-%d", i)
			for r := 0; r < revisions; r++ {
				rec := record(id, map[string]any{"rev": fmt.Sprintf("%d", r)}, base.Add(time.Duration(r)*time.Second))
				if _, err := s.Upsert(ctx, rec); err != nil {
					t.Errorf("upsert %s rev %d: %v", id, r, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("T-%d", i)
		rows, err := s.History(ctx, "crm", "tickets", id)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != revisions {
			t.Fatalf("%s history rows = %d, want %d", id, len(rows), revisions)
		}
		last := rows[len(rows)-1]
		if !last.IsCurrent || last.Attributes["rev"] != fmt.Sprintf("%d", revisions-1) {
			t.Fatalf("%s final row = %+v", id, last)
		}
	}
}

func mustUpsert(t *testing.T, s Store, rec *core.RawRecord, want Delta) {
	t.Helper()
	delta, err := s.Upsert(context.Background(), rec)
	if err != nil {
		t.Fatalf("upsert %s: %v", rec.ExternalID, err)
	}
	if delta != want {
		t.Fatalf("upsert %s delta = %s, want %s", rec.ExternalID, delta, want)
	}
}
