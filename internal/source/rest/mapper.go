package rest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/source"
)

// =============================================================================
// PAYLOAD MAPPER
// =============================================================================

// Mapper converts raw source payloads into normalized RawRecords. The
// batch puller and the callback receiver share one mapper per source, so
// a record looks identical downstream no matter which path delivered it.
type Mapper struct {
	cfg *source.Config
}

// NewMapper creates a mapper for a published source config.
func NewMapper(cfg *source.Config) *Mapper {
	return &Mapper{cfg: cfg}
}

// Items extracts the record array from a page payload. Supports a
// root-level array or an array at the entity's declared results path.
func (m *Mapper) Items(entityID string, body []byte) ([]map[string]any, error) {
	entity := m.cfg.Entity(entityID)
	if entity == nil {
		return nil, core.Permanent(fmt.Errorf("unknown entity: %s", entityID))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, core.Permanent(fmt.Errorf("decode page payload: %w", err))
	}

	raw := doc
	if entity.ResultsPath != "" {
		v, ok := fieldPath(doc, entity.ResultsPath)
		if !ok {
			return nil, core.Permanent(fmt.Errorf("entity %s: results path %q missing", entityID, entity.ResultsPath))
		}
		raw = v
	}

	arr, ok := raw.([]any)
	if !ok {
		return nil, core.Permanent(fmt.Errorf("entity %s: page payload is not an array", entityID))
	}

	items := make([]map[string]any, 0, len(arr))
	for i, v := range arr {
		item, ok := v.(map[string]any)
		if !ok {
			return nil, core.Permanent(fmt.Errorf("entity %s: item %d is not an object", entityID, i))
		}
		items = append(items, item)
	}
	return items, nil
}

// MapItem normalizes one payload item into a RawRecord. Validation
// failures are SchemaDrift: the record is isolated, siblings commit.
func (m *Mapper) MapItem(entityID string, item map[string]any, origin core.Origin, now time.Time) (*core.RawRecord, error) {
	entity := m.cfg.Entity(entityID)
	if entity == nil {
		return nil, core.Permanent(fmt.Errorf("unknown entity: %s", entityID))
	}

	externalID, err := extractID(item, entity.IDField)
	if err != nil {
		return nil, core.SchemaDrift(fmt.Errorf("entity %s: %w", entityID, err))
	}

	attrs := normalizeAttributes(item, entity.Fields)
	if err := entity.CompiledSchema().Validate(attrs); err != nil {
		return nil, err
	}

	rec := &core.RawRecord{
		SourceID:   m.cfg.ID,
		EntityID:   entityID,
		ExternalID: externalID,
		Attributes: attrs,
		Origin:     origin,
		ReceivedAt: now,
	}
	if entity.TimeField != "" {
		if v, ok := fieldPath(item, entity.TimeField); ok {
			if ts, ok := parseTimestamp(v); ok {
				rec.BusinessTime = ts
			}
		}
	}
	rec.ContentHash = core.HashAttributes(attrs)
	return rec, nil
}

// extractID reads the external id field, accepting strings and numbers.
func extractID(item map[string]any, idField string) (string, error) {
	v, ok := fieldPath(item, idField)
	if !ok {
		return "", fmt.Errorf("id field %q missing", idField)
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("id field %q is empty", idField)
		}
		return id, nil
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id)), nil
		}
		return fmt.Sprintf("%v", id), nil
	default:
		return "", fmt.Errorf("id field %q has unsupported type %T", idField, v)
	}
}

// normalizeAttributes applies the declared field mapping, or passes the
// item through unchanged when no mapping is declared.
func normalizeAttributes(item map[string]any, fields map[string]string) map[string]any {
	if len(fields) == 0 {
		out := make(map[string]any, len(item))
		for k, v := range item {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(fields))
	for name, path := range fields {
		if v, ok := fieldPath(item, path); ok {
			out[name] = v
		}
	}
	return out
}

// parseTimestamp accepts RFC3339 strings, date-only strings, and unix
// epoch numbers (seconds or milliseconds).
func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		// Heuristic: values past the year 2200 in seconds are milliseconds.
		if ts > 7258118400 {
			return time.UnixMilli(int64(ts)).UTC(), true
		}
		if ts > 0 {
			return time.Unix(int64(ts), 0).UTC(), true
		}
	}
	return time.Time{}, false
}
