package source

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog holds published source configs keyed by source id. Configs are
// immutable once loaded; republishing a source requires a higher version.
type Catalog struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{configs: make(map[string]*Config)}
}

// catalogFile is the YAML document shape of a catalog file.
type catalogFile struct {
	Sources []*Config `yaml:"sources"`
}

// LoadCatalog reads and validates a YAML catalog file. ${VAR} references
// are expanded from the environment so credentials stay out of the file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog([]byte(os.ExpandEnv(string(data))))
}

// ParseCatalog parses and validates YAML catalog bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := NewCatalog()
	for _, cfg := range file.Sources {
		if err := catalog.Publish(cfg); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Publish validates and registers a source config. A config may only
// replace an existing one with a strictly higher version.
func (c *Catalog) Publish(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.configs[cfg.ID]; ok && cfg.Version <= existing.Version {
		return fmt.Errorf("source %s: version %d does not supersede published version %d",
			cfg.ID, cfg.Version, existing.Version)
	}
	c.configs[cfg.ID] = cfg
	return nil
}

// Get returns the published config for a source id.
func (c *Catalog) Get(sourceID string) (*Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, ok := c.configs[sourceID]
	return cfg, ok
}

// SourceIDs returns all published source ids, sorted.
func (c *Catalog) SourceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.configs))
	for id := range c.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
