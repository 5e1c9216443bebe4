package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDefault(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default()
	require.NoError(t, err)
	return c
}

func TestDefault_Loads(t *testing.T) {
	c := mustDefault(t)
	assert.Greater(t, c.Len(), 50)

	cbc, err := c.Lookup("cbc")
	require.NoError(t, err)
	assert.Equal(t, "CBC", cbc.DisplayName)
	assert.Equal(t, CategoryBlood, cbc.Category)
	assert.Equal(t, 30, cbc.ValidityDays)
	assert.Equal(t, "500", cbc.TypicalCost.String())
	assert.True(t, cbc.Fuzzy)

	hba1c, err := c.Lookup("hba1c")
	require.NoError(t, err)
	assert.Equal(t, 90, hba1c.ValidityDays)
	assert.Equal(t, "700.00", hba1c.TypicalCost.StringFixed(2))
}

func TestLookup_NotFound(t *testing.T) {
	c := mustDefault(t)
	_, err := c.Lookup("raw:obscurepanelxyz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_CategoryFallback(t *testing.T) {
	c := mustDefault(t)

	tests := []struct {
		category Category
		days     int
	}{
		{CategoryBlood, 90},
		{CategoryImaging, 365},
		{CategoryVitals, 7},
		{CategoryUrine, 30},
		{CategoryOther, 30},
		{Category("bogus"), 30},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			e, known := c.Resolve("raw:something", tt.category)
			assert.False(t, known)
			assert.Equal(t, tt.days, e.ValidityDays)
			assert.True(t, e.TypicalCost.IsZero())
			assert.Equal(t, "raw:something", e.CanonicalID)
		})
	}

	e, known := c.Resolve("cbc", CategoryImaging)
	assert.True(t, known)
	assert.Equal(t, CategoryBlood, e.Category)
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"zero validity", []Entry{{CanonicalID: "a", Category: CategoryBlood, ValidityDays: 0}}},
		{"negative validity", []Entry{{CanonicalID: "a", Category: CategoryBlood, ValidityDays: -5}}},
		{"negative cost", []Entry{{CanonicalID: "a", Category: CategoryBlood, ValidityDays: 30, TypicalCost: decimal.NewFromInt(-1)}}},
		{"missing id", []Entry{{Category: CategoryBlood, ValidityDays: 30}}},
		{"unknown category", []Entry{{CanonicalID: "a", Category: "bone", ValidityDays: 30}}},
		{"duplicate id", []Entry{
			{CanonicalID: "a", Category: CategoryBlood, ValidityDays: 30},
			{CanonicalID: "a", Category: CategoryBlood, ValidityDays: 60},
		}},
		{"alias collision", []Entry{
			{CanonicalID: "a", Category: CategoryBlood, ValidityDays: 30, Aliases: []string{"Sugar Test"}},
			{CanonicalID: "b", Category: CategoryBlood, ValidityDays: 30, Aliases: []string{"sugar-test"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries, nil)
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestNew_CategoryDefaults(t *testing.T) {
	c, err := New(nil, map[Category]int{CategoryBlood: 45})
	require.NoError(t, err)
	assert.Equal(t, 45, c.DefaultValidity(CategoryBlood))
	assert.Equal(t, 365, c.DefaultValidity(CategoryImaging))

	_, err = New(nil, map[Category]int{CategoryBlood: 0})
	assert.ErrorIs(t, err, ErrInvalidCatalog)
}

func TestParse(t *testing.T) {
	doc := `
category_defaults:
  other: 14
entries:
  - id: glucose
    name: Glucose
    category: blood
    validity_days: 30
    cost: 99.95
    aliases: [sugar]
  - id: mystery
    validity_days: 10
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 14, c.DefaultValidity(CategoryOther))

	g, err := c.Lookup("glucose")
	require.NoError(t, err)
	assert.Equal(t, "99.95", g.TypicalCost.String())

	m, err := c.Lookup("mystery")
	require.NoError(t, err)
	assert.Equal(t, "mystery", m.DisplayName)
	assert.Equal(t, CategoryOther, m.Category)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("entries: [ {id: x, validity_days: 0} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: [ {id: x, validity_days: 5, cost: -10} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: [ {id: x, validity_days: 5, cost: 10.005} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: [ {id: x, validity_days: 5, cost: 10000000000} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: [ {id: x, validity_days: 5, cost: lots} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: [ {id: x, validity_days: 5, category: bones} ]"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = Parse([]byte("entries: {"))
	assert.ErrorIs(t, err, ErrInvalidCatalog)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entries:\n  - {id: ecg, category: imaging, validity_days: 180, cost: 400}\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	assert.Greater(t, c.Len(), 1)
}
