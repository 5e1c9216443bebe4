package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

type fileDocument struct {
	CategoryDefaults map[string]int `yaml:"category_defaults"`
	Entries          []fileEntry    `yaml:"entries"`
}

type fileEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Category     string `yaml:"category"`
	ValidityDays int    `yaml:"validity_days"`
	// Cost is decoded from the scalar's text, so 99.95 stays exact.
	Cost    decimal.Decimal `yaml:"cost"`
	Aliases []string        `yaml:"aliases"`
	Fuzzy   bool            `yaml:"fuzzy"`
}

// Load reads a catalog from a YAML file. An empty path loads the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	defaults := make(map[Category]int, len(doc.CategoryDefaults))
	for name, days := range doc.CategoryDefaults {
		cat, err := ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		defaults[cat] = days
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for _, fe := range doc.Entries {
		cat, err := ParseCategory(fe.Category)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, fe.ID, err)
		}
		name := fe.Name
		if name == "" {
			name = fe.ID
		}
		entries = append(entries, Entry{
			CanonicalID:  fe.ID,
			DisplayName:  name,
			Category:     cat,
			ValidityDays: fe.ValidityDays,
			TypicalCost:  fe.Cost,
			Aliases:      fe.Aliases,
			Fuzzy:        fe.Fuzzy,
		})
	}
	return New(entries, defaults)
}
