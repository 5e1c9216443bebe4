package catalog

import (
	"errors"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrEmptyName is returned when a raw test name has no letters or digits.
var ErrEmptyName = errors.New("test name has no usable characters")

// SyntheticPrefix marks canonical ids derived from unrecognized raw names.
const SyntheticPrefix = "raw:"

// MatchKind tells how a raw name was mapped to its canonical id.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchFuzzy     MatchKind = "fuzzy"
	MatchSynthetic MatchKind = "synthetic"
)

// Match is the result of normalizing a raw test name.
type Match struct {
	CanonicalID string    `json:"canonical_id"`
	Kind        MatchKind `json:"kind"`
}

// IsSynthetic reports whether the id was derived from the raw text.
func (m Match) IsSynthetic() bool { return m.Kind == MatchSynthetic }

// noiseTokens are dropped before token-set comparison.
var noiseTokens = map[string]bool{
	"test": true, "tests": true, "serum": true, "plasma": true,
	"level": true, "levels": true, "estimation": true, "report": true,
	"value": true, "result": true, "of": true, "for": true, "the": true,
}

// Normalizer maps free-text test names to canonical catalog ids. Exact
// matches win; token matching is only tried for entries flagged Fuzzy and
// must be unambiguous; anything else falls back to a synthetic id so that
// repeated unknown names still match each other.
type Normalizer struct {
	catalog *Catalog
	fuzzy   map[string][]string // sorted token signature -> canonical ids
}

// NewNormalizer builds the fuzzy index over the catalog's allowlisted entries.
func NewNormalizer(c *Catalog) *Normalizer {
	n := &Normalizer{catalog: c, fuzzy: make(map[string][]string)}
	for _, e := range c.Entries() {
		if !e.Fuzzy {
			continue
		}
		names := append([]string{e.DisplayName}, e.Aliases...)
		for _, name := range names {
			sig := indexSignature(Tokens(name))
			if sig == "" {
				continue
			}
			if !contains(n.fuzzy[sig], e.CanonicalID) {
				n.fuzzy[sig] = append(n.fuzzy[sig], e.CanonicalID)
			}
		}
	}
	return n
}

// Catalog returns the catalog backing the normalizer.
func (n *Normalizer) Catalog() *Catalog { return n.catalog }

// Normalize maps a raw name to a canonical id.
func (n *Normalizer) Normalize(raw string) (Match, error) {
	tokens := Tokens(raw)
	key := strings.Join(tokens, "")
	if key == "" {
		return Match{}, ErrEmptyName
	}

	if id, ok := n.catalog.idForKey(key); ok {
		return Match{CanonicalID: id, Kind: MatchExact}, nil
	}

	if ids := n.fuzzy[signature(tokens)]; len(ids) == 1 {
		return Match{CanonicalID: ids[0], Kind: MatchFuzzy}, nil
	}

	return Match{CanonicalID: SyntheticPrefix + key, Kind: MatchSynthetic}, nil
}

// Tokens case-folds and splits a name on anything that is not a letter or digit.
func Tokens(s string) []string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Key returns the compact comparison key of a name: folded tokens joined
// without separators, so "Hb-A1c", "HBA1C " and "hb a1c" share a key.
func Key(s string) string {
	return strings.Join(Tokens(s), "")
}

// signature is the order-insensitive token set with noise words removed.
func signature(tokens []string) string {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if noiseTokens[t] {
			continue
		}
		set[t] = true
	}
	if len(set) == 0 {
		return ""
	}
	uniq := make([]string, 0, len(set))
	for t := range set {
		uniq = append(uniq, t)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}

// indexSignature is the signature a catalog name is indexed under. A name
// that noise removal reduces to a single word is not indexed: "cholesterol
// test" would otherwise claim every raw name mentioning cholesterol.
func indexSignature(tokens []string) string {
	sig := signature(tokens)
	if sig == "" || strings.Contains(sig, " ") {
		return sig
	}
	for _, t := range tokens {
		if noiseTokens[t] {
			return ""
		}
	}
	return sig
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
