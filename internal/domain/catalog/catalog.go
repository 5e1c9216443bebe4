package catalog

import (
	"fmt"
	"sort"
)

// Catalog is the read-only reference table of known tests. It is safe for
// concurrent use once built.
type Catalog struct {
	entries  map[string]Entry
	byKey    map[string]string // compact name key -> canonical id
	defaults map[Category]int
}

// New validates entries and builds a catalog. defaults overrides
// DefaultValidityDays per category; nil keeps the built-in windows.
func New(entries []Entry, defaults map[Category]int) (*Catalog, error) {
	c := &Catalog{
		entries:  make(map[string]Entry, len(entries)),
		byKey:    make(map[string]string),
		defaults: make(map[Category]int, len(DefaultValidityDays)),
	}
	for cat, days := range DefaultValidityDays {
		c.defaults[cat] = days
	}
	for cat, days := range defaults {
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: unknown category default %q", ErrInvalidCatalog, cat)
		}
		if days <= 0 {
			return nil, fmt.Errorf("%w: category default %s must be positive, got %d", ErrInvalidCatalog, cat, days)
		}
		c.defaults[cat] = days
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.entries[e.CanonicalID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, e.CanonicalID)
		}
		c.entries[e.CanonicalID] = e

		names := append([]string{e.CanonicalID, e.DisplayName}, e.Aliases...)
		for _, name := range names {
			key := Key(name)
			if key == "" {
				continue
			}
			if owner, ok := c.byKey[key]; ok && owner != e.CanonicalID {
				return nil, fmt.Errorf("%w: name %q maps to both %s and %s", ErrInvalidCatalog, name, owner, e.CanonicalID)
			}
			c.byKey[key] = e.CanonicalID
		}
	}
	return c, nil
}

// Lookup returns the entry for a canonical id, or ErrNotFound.
func (c *Catalog) Lookup(canonicalID string) (Entry, error) {
	e, ok := c.entries[canonicalID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	return e, nil
}

// Resolve returns the catalog entry for canonicalID, or a synthesized entry
// carrying the category's default window and a zero cost. The second return
// value reports whether the entry came from the catalog.
func (c *Catalog) Resolve(canonicalID string, category Category) (Entry, bool) {
	if e, err := c.Lookup(canonicalID); err == nil {
		return e, true
	}
	if !category.Valid() {
		category = CategoryOther
	}
	return Entry{
		CanonicalID:  canonicalID,
		Category:     category,
		ValidityDays: c.DefaultValidity(category),
	}, false
}

// DefaultValidity returns the fallback window for a category.
func (c *Catalog) DefaultValidity(category Category) int {
	if days, ok := c.defaults[category]; ok {
		return days
	}
	return c.defaults[CategoryOther]
}

// Entries returns all entries sorted by canonical id.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

func (c *Catalog) idForKey(key string) (string, bool) {
	id, ok := c.byKey[key]
	return id, ok
}
