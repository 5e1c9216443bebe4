package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by Lookup for an unknown canonical id.
	ErrNotFound = errors.New("catalog entry not found")
	// ErrInvalidCatalog is returned when catalog data violates its invariants.
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Category groups tests for fallback validity windows.
type Category string

const (
	CategoryBlood   Category = "blood"
	CategoryImaging Category = "imaging"
	CategoryVitals  Category = "vitals"
	CategoryUrine   Category = "urine"
	CategoryOther   Category = "other"
)

var validCategories = map[Category]bool{
	CategoryBlood: true, CategoryImaging: true, CategoryVitals: true,
	CategoryUrine: true, CategoryOther: true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool { return validCategories[c] }

// ParseCategory parses a category name. An empty string yields CategoryOther.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryOther, nil
	}
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// DefaultValidityDays are the fallback windows for tests absent from the catalog.
var DefaultValidityDays = map[Category]int{
	CategoryBlood:   90,
	CategoryImaging: 365,
	CategoryVitals:  7,
	CategoryUrine:   30,
	CategoryOther:   30,
}

// MaxCost is the exclusive upper bound of a cost stored as NUMERIC(12,2).
var MaxCost = decimal.New(1, 10)

// Entry is one row of the test catalog.
type Entry struct {
	CanonicalID  string          `json:"canonical_id"`
	DisplayName  string          `json:"display_name"`
	Category     Category        `json:"category"`
	ValidityDays int             `json:"validity_days"`
	TypicalCost  decimal.Decimal `json:"typical_cost"`
	Aliases      []string        `json:"aliases,omitempty"`
	// Fuzzy puts the entry on the token-match allowlist.
	Fuzzy bool `json:"fuzzy,omitempty"`
}

// Validate checks the per-entry invariants.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.CanonicalID) == "" {
		return fmt.Errorf("%w: entry without id", ErrInvalidCatalog)
	}
	if e.ValidityDays <= 0 {
		return fmt.Errorf("%w: %s: validity_days must be positive, got %d", ErrInvalidCatalog, e.CanonicalID, e.ValidityDays)
	}
	if e.TypicalCost.IsNegative() {
		return fmt.Errorf("%w: %s: typical_cost must not be negative", ErrInvalidCatalog, e.CanonicalID)
	}
	if !e.TypicalCost.Equal(e.TypicalCost.Round(2)) || e.TypicalCost.GreaterThanOrEqual(MaxCost) {
		return fmt.Errorf("%w: %s: typical_cost %s does not fit NUMERIC(12,2)", ErrInvalidCatalog, e.CanonicalID, e.TypicalCost)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %s: unknown category %q", ErrInvalidCatalog, e.CanonicalID, e.Category)
	}
	return nil
}
