package rest

import (
	"net/url"
	"testing"

	"github.com/chronicle/ingest-core/internal/source"
)

func TestCursorPaginator(t *testing.T) {
	p, err := NewPaginator(source.PaginationSpec{Type: "cursor", PageSize: 50})
	if err != nil {
		t.Fatal(err)
	}

	req, err := p.PageRequest("/tickets", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.Query.Get("limit") != "50" {
		t.Errorf("limit = %q", req.Query.Get("limit"))
	}
	if req.Query.Has("cursor") {
		t.Error("first page carried a cursor param")
	}

	req, _ = p.PageRequest("/tickets", "abc", nil)
	if req.Query.Get("cursor") != "abc" {
		t.Errorf("cursor = %q", req.Query.Get("cursor"))
	}

	next, err := p.NextCursor("abc", &Response{Body: []byte(`{"items":[],"nextCursor":"def"}`)}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if next != "def" {
		t.Errorf("next = %q, want def", next)
	}

	next, _ = p.NextCursor("def", &Response{Body: []byte(`{"items":[]}`)}, 10)
	if next != "" {
		t.Errorf("missing token should end the stream, got %q", next)
	}
}

func TestCursorPaginatorCustomPath(t *testing.T) {
	p, _ := NewPaginator(source.PaginationSpec{Type: "cursor", CursorPath: "meta.next"})
	next, err := p.NextCursor("", &Response{Body: []byte(`{"meta":{"next":"tok"}}`)}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if next != "tok" {
		t.Errorf("next = %q", next)
	}
}

func TestOffsetPaginator(t *testing.T) {
	p, err := NewPaginator(source.PaginationSpec{Type: "offset", PageSize: 25})
	if err != nil {
		t.Fatal(err)
	}

	req, _ := p.PageRequest("/tickets", "", nil)
	if req.Query.Get("offset") != "0" || req.Query.Get("limit") != "25" {
		t.Errorf("first page query = %v", req.Query)
	}

	// Full page advances by the fetched count.
	next, err := p.NextCursor("", &Response{Body: []byte(`{"total":60}`)}, 25)
	if err != nil {
		t.Fatal(err)
	}
	if next != "25" {
		t.Errorf("next = %q, want 25", next)
	}

	req, _ = p.PageRequest("/tickets", "25", nil)
	if req.Query.Get("offset") != "25" {
		t.Errorf("offset = %q", req.Query.Get("offset"))
	}

	// Short page ends the stream.
	if next, _ := p.NextCursor("50", &Response{Body: []byte(`{"total":60}`)}, 10); next != "" {
		t.Errorf("short page continued: %q", next)
	}

	// Reported total ends the stream even on a full page.
	if next, _ := p.NextCursor("25", &Response{Body: []byte(`{"total":50}`)}, 25); next != "" {
		t.Errorf("total ignored: %q", next)
	}
}

func TestPagePaginator(t *testing.T) {
	p, err := NewPaginator(source.PaginationSpec{Type: "page", PageSize: 20})
	if err != nil {
		t.Fatal(err)
	}

	req, _ := p.PageRequest("/tickets", "", nil)
	if req.Query.Get("page") != "1" || req.Query.Get("perPage") != "20" {
		t.Errorf("first page query = %v", req.Query)
	}

	next, err := p.NextCursor("", &Response{Body: []byte(`[]`)}, 20)
	if err != nil {
		t.Fatal(err)
	}
	if next != "2" {
		t.Errorf("next = %q, want 2", next)
	}

	if next, _ := p.NextCursor("3", &Response{Body: []byte(`[]`)}, 7); next != "" {
		t.Errorf("short page continued: %q", next)
	}
}

func TestPaginatorBadCursor(t *testing.T) {
	p, _ := NewPaginator(source.PaginationSpec{Type: "offset"})
	if _, err := p.PageRequest("/x", "not-a-number", nil); err == nil {
		t.Fatal("malformed offset cursor accepted")
	}
}

func TestPaginatorUnsupportedType(t *testing.T) {
	if _, err := NewPaginator(source.PaginationSpec{Type: "scroll"}); err == nil {
		t.Fatal("unsupported type accepted")
	}
}

func TestPageRequestDoesNotMutateExtra(t *testing.T) {
	p, _ := NewPaginator(source.PaginationSpec{Type: "cursor"})
	extra := url.Values{"since": []string{"2026-01-01"}}
	if _, err := p.PageRequest("/tickets", "tok", extra); err != nil {
		t.Fatal(err)
	}
	if len(extra) != 1 || extra.Get("since") != "2026-01-01" {
		t.Fatalf("shared query values mutated: %v", extra)
	}
}
