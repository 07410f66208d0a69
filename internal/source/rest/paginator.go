package rest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chronicle/ingest-core/internal/source"
)

// =============================================================================
// PAGINATION STRATEGIES
// =============================================================================

// Paginator turns an opaque cursor into a page request and derives the
// cursor for the following page. Cursors are strings end to end so the
// watermark store never needs to understand them.
type Paginator interface {
	// PageRequest builds the request for the page at cursor ("" = first).
	PageRequest(path, cursor string, extra url.Values) (*Request, error)

	// NextCursor derives the cursor for the page after the one fetched at
	// cursor. Empty string means the stream is exhausted.
	NextCursor(cursor string, resp *Response, fetched int) (string, error)
}

// NewPaginator builds the pagination strategy declared by a source config.
func NewPaginator(spec source.PaginationSpec) (Paginator, error) {
	size := spec.PageSize
	if size <= 0 {
		size = 100
	}
	switch spec.Type {
	case "", "cursor":
		p := &CursorPaginator{
			Limit:      size,
			CursorKey:  spec.CursorKey,
			LimitKey:   spec.LimitKey,
			CursorPath: spec.CursorPath,
		}
		p.defaults()
		return p, nil
	case "offset":
		p := &OffsetPaginator{
			Limit:     size,
			OffsetKey: spec.OffsetKey,
			LimitKey:  spec.LimitKey,
			TotalPath: spec.TotalPath,
		}
		p.defaults()
		return p, nil
	case "page":
		p := &PagePaginator{
			Limit:    size,
			PageKey:  spec.PageKey,
			LimitKey: spec.LimitKey,
		}
		p.defaults()
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported pagination type: %s", spec.Type)
	}
}

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

// CursorPaginator uses opaque cursor tokens issued by the source.
type CursorPaginator struct {
	Limit      int
	CursorKey  string // Query param name (default: "cursor")
	LimitKey   string // Query param name (default: "limit")
	CursorPath string // JSON field holding the next cursor (default: "nextCursor")
}

func (p *CursorPaginator) defaults() {
	if p.CursorKey == "" {
		p.CursorKey = "cursor"
	}
	if p.LimitKey == "" {
		p.LimitKey = "limit"
	}
	if p.CursorPath == "" {
		p.CursorPath = "nextCursor"
	}
}

// PageRequest builds the request for the page at the given cursor.
func (p *CursorPaginator) PageRequest(path, cursor string, extra url.Values) (*Request, error) {
	query := cloneValues(extra)
	query.Set(p.LimitKey, strconv.Itoa(p.Limit))
	if cursor != "" {
		query.Set(p.CursorKey, cursor)
	}
	return &Request{Method: "GET", Path: path, Query: query}, nil
}

// NextCursor extracts the source-issued cursor from the response body.
func (p *CursorPaginator) NextCursor(cursor string, resp *Response, fetched int) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		// Root-level array payloads carry no cursor token.
		return "", nil
	}
	if next, ok := fieldPath(data, p.CursorPath); ok {
		if s, ok := next.(string); ok {
			return s, nil
		}
	}
	return "", nil
}

// =============================================================================
// OFFSET PAGINATION
// =============================================================================

// OffsetPaginator uses offset/limit pagination (common in REST APIs).
// The cursor is the stringified offset.
type OffsetPaginator struct {
	Limit     int
	OffsetKey string // Query param name (default: "offset")
	LimitKey  string // Query param name (default: "limit")
	TotalPath string // JSON field with the total count (default: "total")
}

func (p *OffsetPaginator) defaults() {
	if p.OffsetKey == "" {
		p.OffsetKey = "offset"
	}
	if p.LimitKey == "" {
		p.LimitKey = "limit"
	}
	if p.TotalPath == "" {
		p.TotalPath = "total"
	}
}

// PageRequest builds the request for the page at the given offset cursor.
func (p *OffsetPaginator) PageRequest(path, cursor string, extra url.Values) (*Request, error) {
	offset, err := parseIntCursor(cursor, 0)
	if err != nil {
		return nil, fmt.Errorf("offset cursor %q: %w", cursor, err)
	}
	query := cloneValues(extra)
	query.Set(p.OffsetKey, strconv.Itoa(offset))
	query.Set(p.LimitKey, strconv.Itoa(p.Limit))
	return &Request{Method: "GET", Path: path, Query: query}, nil
}

// NextCursor advances the offset by the fetched count, stopping at the
// reported total when the source provides one.
func (p *OffsetPaginator) NextCursor(cursor string, resp *Response, fetched int) (string, error) {
	if fetched == 0 || fetched < p.Limit {
		return "", nil
	}
	offset, err := parseIntCursor(cursor, 0)
	if err != nil {
		return "", fmt.Errorf("offset cursor %q: %w", cursor, err)
	}
	next := offset + fetched

	var data map[string]any
	if err := json.Unmarshal(resp.Body, &data); err == nil {
		if total, ok := fieldPath(data, p.TotalPath); ok {
			if t, ok := total.(float64); ok && next >= int(t) {
				return "", nil
			}
		}
	}
	return strconv.Itoa(next), nil
}

// =============================================================================
// PAGE-NUMBER PAGINATION
// =============================================================================

// PagePaginator uses 1-based page numbers. The cursor is the stringified
// page number.
type PagePaginator struct {
	Limit    int
	PageKey  string // Query param name (default: "page")
	LimitKey string // Query param name (default: "perPage")
}

func (p *PagePaginator) defaults() {
	if p.PageKey == "" {
		p.PageKey = "page"
	}
	if p.LimitKey == "" {
		p.LimitKey = "perPage"
	}
}

// PageRequest builds the request for the given page cursor.
func (p *PagePaginator) PageRequest(path, cursor string, extra url.Values) (*Request, error) {
	page, err := parseIntCursor(cursor, 1)
	if err != nil {
		return nil, fmt.Errorf("page cursor %q: %w", cursor, err)
	}
	query := cloneValues(extra)
	query.Set(p.PageKey, strconv.Itoa(page))
	query.Set(p.LimitKey, strconv.Itoa(p.Limit))
	return &Request{Method: "GET", Path: path, Query: query}, nil
}

// NextCursor advances to the next page while full pages keep arriving.
func (p *PagePaginator) NextCursor(cursor string, resp *Response, fetched int) (string, error) {
	if fetched < p.Limit {
		return "", nil
	}
	page, err := parseIntCursor(cursor, 1)
	if err != nil {
		return "", fmt.Errorf("page cursor %q: %w", cursor, err)
	}
	return strconv.Itoa(page + 1), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// parseIntCursor parses a numeric cursor, defaulting when empty.
func parseIntCursor(cursor string, def int) (int, error) {
	if cursor == "" {
		return def, nil
	}
	return strconv.Atoi(cursor)
}

// cloneValues copies query values so paginators never mutate shared state.
func cloneValues(src url.Values) url.Values {
	out := url.Values{}
	for k, vs := range src {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// fieldPath reads a dotted path ("a.b.c") out of a decoded JSON value.
func fieldPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
