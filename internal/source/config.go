package source

import (
	"fmt"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
)

// Config declares everything needed to instantiate an adapter for one
// source: template identity, auth strategy, pagination strategy, rate
// limit, and per-entity schemas. Versioned and immutable once published;
// changing a source means publishing a new config version.
type Config struct {
	ID       string `yaml:"id"`
	Version  int    `yaml:"version"`
	Template string `yaml:"template"` // adapter template, e.g. "http.rest"
	BaseURL  string `yaml:"baseUrl"`

	Auth       AuthSpec       `yaml:"auth"`
	Pagination PaginationSpec `yaml:"pagination"`
	RateLimit  RateLimitSpec  `yaml:"rateLimit"`

	Entities []EntitySpec `yaml:"entities"`

	// RequestTimeout bounds a single adapter call; distinct from the
	// puller's overall retry budget.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// AuthSpec selects and parameterizes an auth strategy.
type AuthSpec struct {
	Type string `yaml:"type"` // none | basic | bearer | apikey | oauth2

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`

	// API-key placement: exactly one of HeaderKey or QueryParam.
	HeaderKey  string `yaml:"headerKey,omitempty"`
	QueryParam string `yaml:"queryParam,omitempty"`

	// OAuth2 client-credentials flow.
	ClientID     string   `yaml:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	TokenURL     string   `yaml:"tokenUrl,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// PaginationSpec selects and parameterizes a pagination strategy.
type PaginationSpec struct {
	Type string `yaml:"type"` // cursor | offset | page

	PageSize   int    `yaml:"pageSize,omitempty"`
	CursorKey  string `yaml:"cursorKey,omitempty"`
	CursorPath string `yaml:"cursorPath,omitempty"`
	OffsetKey  string `yaml:"offsetKey,omitempty"`
	LimitKey   string `yaml:"limitKey,omitempty"`
	TotalPath  string `yaml:"totalPath,omitempty"`
	PageKey    string `yaml:"pageKey,omitempty"`
}

// RateLimitSpec bounds outbound request rate to the source.
type RateLimitSpec struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// EntitySpec describes one entity exposed by a source: where to fetch it
// and how to map its payload into normalized attributes.
type EntitySpec struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"` // endpoint path for listing/paging
	// ItemPath is the per-id endpoint for targeted fetch; {id} is
	// substituted with the external id.
	ItemPath string `yaml:"itemPath,omitempty"`

	// ResultsPath locates the record array in a page payload ("" = root array).
	ResultsPath string `yaml:"resultsPath,omitempty"`

	// IDField and TimeField locate the external id and business timestamp
	// inside a raw payload item.
	IDField   string `yaml:"idField"`
	TimeField string `yaml:"timeField,omitempty"`

	// SinceParam/UntilParam name the query params bounding windowed
	// listings (defaults: "since"/"until").
	SinceParam string `yaml:"sinceParam,omitempty"`
	UntilParam string `yaml:"untilParam,omitempty"`

	// Fields maps normalized attribute names to payload paths. Empty means
	// the payload item is taken as-is.
	Fields map[string]string `yaml:"fields,omitempty"`

	// Schema is an optional JSON Schema document validating normalized
	// attributes. Violations are SchemaDrift, isolated per record.
	Schema string `yaml:"schema,omitempty"`

	compiled *core.EntitySchema
}

// Validate checks structural validity and compiles entity schemas.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("source config: id is required")
	}
	if c.Template == "" {
		return fmt.Errorf("source %s: template is required", c.ID)
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("source %s: at least one entity is required", c.ID)
	}
	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		e := &c.Entities[i]
		if e.ID == "" {
			return fmt.Errorf("source %s: entity id is required", c.ID)
		}
		if seen[e.ID] {
			return fmt.Errorf("source %s: duplicate entity %s", c.ID, e.ID)
		}
		seen[e.ID] = true
		if e.IDField == "" {
			return fmt.Errorf("source %s entity %s: idField is required", c.ID, e.ID)
		}
		schema, err := core.CompileEntitySchema(e.ID, e.Schema)
		if err != nil {
			return fmt.Errorf("source %s: %w", c.ID, err)
		}
		e.compiled = schema
	}
	return nil
}

// Entity returns the spec for an entity id, or nil when unknown.
func (c *Config) Entity(entityID string) *EntitySpec {
	for i := range c.Entities {
		if c.Entities[i].ID == entityID {
			return &c.Entities[i]
		}
	}
	return nil
}

// CompiledSchema returns the compiled validator for the entity, which may
// accept everything when no schema document was declared.
func (e *EntitySpec) CompiledSchema() *core.EntitySchema {
	return e.compiled
}
