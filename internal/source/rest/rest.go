// Package rest implements the generic REST source adapter as a
// composition of independent strategies: auth, pagination, and payload
// mapping, each selected by the published source config.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/source"
)

// TemplateID identifies this adapter in source configs.
const TemplateID = "http.rest"

func init() {
	source.Register(TemplateID, func(cfg *source.Config) (source.Adapter, error) {
		return New(cfg, nil)
	})
}

// defaultMaxListPages bounds listing pagination. A source that never
// stops issuing cursors must not pin a sweep forever.
const defaultMaxListPages = 1000

// Adapter is the generic REST adapter. One instance serves one published
// source config; instances are safe for concurrent use.
type Adapter struct {
	cfg          *source.Config
	client       *Client
	auth         Auth
	paginator    Paginator
	mapper       *Mapper
	maxListPages int
}

// New creates a REST adapter for the given config. A non-nil transport
// overrides the HTTP transport (used by tests).
func New(cfg *source.Config, transport http.RoundTripper) (*Adapter, error) {
	var clientCfg *ClientConfig
	if transport != nil {
		clientCfg = DefaultClientConfig()
		clientCfg.Transport = transport
	}
	return newAdapter(cfg, clientCfg)
}

func newAdapter(cfg *source.Config, clientCfg *ClientConfig) (*Adapter, error) {
	auth, err := NewAuth(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}
	paginator, err := NewPaginator(cfg.Pagination)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}

	if clientCfg == nil {
		clientCfg = DefaultClientConfig()
	}
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.Auth = auth
	if cfg.RequestTimeout > 0 {
		clientCfg.Timeout = cfg.RequestTimeout
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		clientCfg.RateLimit = cfg.RateLimit.RequestsPerSecond
	}
	if cfg.RateLimit.Burst > 0 {
		clientCfg.RateBurst = cfg.RateLimit.Burst
	}

	return &Adapter{
		cfg:          cfg,
		client:       NewClient(clientCfg),
		auth:         auth,
		paginator:    paginator,
		mapper:       NewMapper(cfg),
		maxListPages: defaultMaxListPages,
	}, nil
}

// Describe returns the immutable config this adapter was built from.
func (a *Adapter) Describe() *source.Config { return a.cfg }

// Normalize maps a pushed callback payload through the same mapper the
// batch path uses. Implements source.Normalizer.
func (a *Adapter) Normalize(entityID string, item map[string]any, origin core.Origin, now time.Time) (*core.RawRecord, error) {
	return a.mapper.MapItem(entityID, item, origin, now)
}

// Authenticate returns the refreshable credential for this source.
func (a *Adapter) Authenticate(ctx context.Context) (source.Credential, error) {
	return a.auth, nil
}

// FetchPage pulls one page for an entity. Idempotent for a given cursor.
func (a *Adapter) FetchPage(ctx context.Context, entityID, cursor string) (*source.Page, error) {
	entity := a.cfg.Entity(entityID)
	if entity == nil {
		return nil, core.Permanent(fmt.Errorf("source %s: unknown entity %s", a.cfg.ID, entityID))
	}

	req, err := a.paginator.PageRequest(entity.Path, cursor, nil)
	if err != nil {
		return nil, core.Permanent(err)
	}

	resp, err := a.do(ctx, req)
	if err != nil {
		return nil, err
	}

	return a.buildPage(entityID, cursor, resp)
}

// FetchByID retrieves a single record for targeted backfill.
func (a *Adapter) FetchByID(ctx context.Context, entityID, externalID string) (*core.RawRecord, error) {
	entity := a.cfg.Entity(entityID)
	if entity == nil {
		return nil, core.Permanent(fmt.Errorf("source %s: unknown entity %s", a.cfg.ID, entityID))
	}

	path := entity.ItemPath
	if path == "" {
		path = strings.TrimSuffix(entity.Path, "/") + "/{id}"
	}
	path = strings.ReplaceAll(path, "{id}", url.PathEscape(externalID))

	resp, err := a.do(ctx, &Request{Method: "GET", Path: path})
	if err != nil {
		return nil, err
	}

	var item map[string]any
	if err := resp.JSON(&item); err != nil {
		return nil, core.Permanent(fmt.Errorf("decode item payload: %w", err))
	}
	return a.mapper.MapItem(entityID, item, core.OriginBatch, time.Now().UTC())
}

// ListIDs returns the external ids the source asserts exist for a window.
// This is the completeness source of truth for reconciliation sweeps.
func (a *Adapter) ListIDs(ctx context.Context, entityID string, window source.Window) ([]string, error) {
	entity := a.cfg.Entity(entityID)
	if entity == nil {
		return nil, core.Permanent(fmt.Errorf("source %s: unknown entity %s", a.cfg.ID, entityID))
	}

	extra := url.Values{}
	sinceParam := entity.SinceParam
	if sinceParam == "" {
		sinceParam = "since"
	}
	untilParam := entity.UntilParam
	if untilParam == "" {
		untilParam = "until"
	}
	if !window.From.IsZero() {
		extra.Set(sinceParam, window.From.UTC().Format(time.RFC3339))
	}
	if !window.To.IsZero() {
		extra.Set(untilParam, window.To.UTC().Format(time.RFC3339))
	}

	var ids []string
	seen := make(map[string]bool)
	cursor := ""
	for pages := 0; ; pages++ {
		if pages >= a.maxListPages {
			return nil, core.Permanent(fmt.Errorf("source %s entity %s: listing exceeded %d pages", a.cfg.ID, entityID, a.maxListPages))
		}
		req, err := a.paginator.PageRequest(entity.Path, cursor, extra)
		if err != nil {
			return nil, core.Permanent(err)
		}
		resp, err := a.do(ctx, req)
		if err != nil {
			return nil, err
		}

		items, err := a.mapper.Items(entityID, resp.Body)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			id, err := extractID(item, entity.IDField)
			if err != nil {
				continue // listing tolerates malformed rows; fetch will classify them
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}

		next, err := a.paginator.NextCursor(cursor, resp, len(items))
		if err != nil {
			return nil, core.Permanent(err)
		}
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// Close releases any resources held by the adapter.
func (a *Adapter) Close() error { return nil }

// do executes a request, refreshing the credential once on auth expiry.
// A second expiry, or a failed refresh, is reported as Permanent.
func (a *Adapter) do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := a.client.Do(ctx, req)
	if err == nil || core.CodeOf(err) != core.CodeAuthExpired {
		return resp, err
	}

	if refreshErr := a.auth.Refresh(ctx); refreshErr != nil {
		return nil, core.Permanent(fmt.Errorf("credential refresh failed: %v (after %v)", refreshErr, err))
	}
	resp, err = a.client.Do(ctx, req)
	if err != nil && core.CodeOf(err) == core.CodeAuthExpired {
		return nil, core.Permanent(fmt.Errorf("auth still expired after refresh: %w", err))
	}
	return resp, err
}

// buildPage maps page items into records, isolating per-record failures.
func (a *Adapter) buildPage(entityID, cursor string, resp *Response) (*source.Page, error) {
	items, err := a.mapper.Items(entityID, resp.Body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	page := &source.Page{}
	for i, item := range items {
		rec, err := a.mapper.MapItem(entityID, item, core.OriginBatch, now)
		if err != nil {
			failure := source.RecordFailure{Index: i, Err: err}
			entity := a.cfg.Entity(entityID)
			if id, idErr := extractID(item, entity.IDField); idErr == nil {
				failure.ExternalID = id
			}
			page.Invalid = append(page.Invalid, failure)
			continue
		}
		page.Records = append(page.Records, rec)
	}

	next, err := a.paginator.NextCursor(cursor, resp, len(items))
	if err != nil {
		return nil, core.Permanent(err)
	}
	page.NextCursor = next
	page.Done = next == ""
	return page, nil
}
