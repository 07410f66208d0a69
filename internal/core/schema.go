package core

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EntitySchema validates normalized payloads for one entity against a
// JSON Schema declared in the source catalog. A validation failure is
// SchemaDrift: permanent for that record only.
type EntitySchema struct {
	EntityID string
	schema   *jsonschema.Schema
}

// CompileEntitySchema compiles the raw JSON Schema document for an entity.
// An empty document yields a schema that accepts everything.
func CompileEntitySchema(entityID, rawSchema string) (*EntitySchema, error) {
	if strings.TrimSpace(rawSchema) == "" {
		return &EntitySchema{EntityID: entityID}, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawSchema))
	if err != nil {
		return nil, fmt.Errorf("parse schema for entity %s: %w", entityID, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("entity://%s/schema.json", entityID)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema for entity %s: %w", entityID, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for entity %s: %w", entityID, err)
	}

	return &EntitySchema{EntityID: entityID, schema: schema}, nil
}

// Validate checks normalized attributes against the schema. Failures are
// returned as SchemaDrift errors so a committing page can isolate the
// record without failing siblings.
func (s *EntitySchema) Validate(attrs map[string]any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	if err := s.schema.Validate(normalizeForSchema(attrs)); err != nil {
		return SchemaDrift(fmt.Errorf("entity %s: %w", s.EntityID, err))
	}
	return nil
}

// normalizeForSchema converts attribute values into the shapes the
// validator expects (JSON-decoded maps, slices, primitives).
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
