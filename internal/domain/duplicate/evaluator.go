package duplicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swasthya/swasthya/internal/domain/catalog"
)

// Subject scopes an evaluation to one user and the report being ingested.
type Subject struct {
	UserID   string
	ReportID uuid.UUID
}

// Outcome is the classification of one extracted test. Alert is nil when
// the test is not a duplicate. Result is always set.
type Outcome struct {
	Match      catalog.Match
	Entry      catalog.Entry
	Known      bool
	Prior      *TestResult
	Result     *TestResult
	Alert      *DuplicateAlert
	ValidUntil Date
}

func (o Outcome) IsDuplicate() bool { return o.Alert != nil }

// Evaluator classifies extracted tests against the user's history.
type Evaluator struct {
	normalizer *catalog.Normalizer
	resolver   *Resolver
}

func NewEvaluator(n *catalog.Normalizer, r *Resolver) *Evaluator {
	return &Evaluator{normalizer: n, resolver: r}
}

// Evaluate normalizes the test name, resolves its catalog entry (or the
// category fallback) and looks for a prior result still inside the
// validity window.
func (e *Evaluator) Evaluate(ctx context.Context, s Subject, t ExtractedTest) (Outcome, error) {
	if err := t.Validate(); err != nil {
		return Outcome{}, err
	}
	m, err := e.normalizer.Normalize(t.RawTestName)
	if err != nil {
		if errors.Is(err, catalog.ErrEmptyName) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return Outcome{}, err
	}
	entry, known := e.normalizer.Catalog().Resolve(m.CanonicalID, t.Category)

	out := Outcome{
		Match: m,
		Entry: entry,
		Known: known,
		Result: &TestResult{
			ID:              uuid.New(),
			UserID:          s.UserID,
			ReportID:        s.ReportID,
			CanonicalTestID: m.CanonicalID,
			RawTestName:     t.RawTestName,
			Category:        entry.Category,
			Value:           t.Value,
			Unit:            t.Unit,
			ReferenceRange:  t.ReferenceRange,
			TestDate:        t.TestDate,
			Status:          t.Status,
		},
		ValidUntil: t.TestDate.AddDays(entry.ValidityDays),
	}

	prior, err := e.resolver.FindPrior(ctx, s.UserID, m.CanonicalID, t.TestDate, s.ReportID)
	if err != nil {
		return Outcome{}, err
	}
	if prior == nil {
		return out, nil
	}
	out.Prior = prior

	days := t.TestDate.DaysSince(prior.TestDate)
	if days < 0 || days > entry.ValidityDays {
		return out, nil
	}

	name := displayName(entry, known, t.RawTestName)
	out.Alert = &DuplicateAlert{
		ID:                uuid.New(),
		UserID:            s.UserID,
		ReportID:          s.ReportID,
		RawTestName:       t.RawTestName,
		CanonicalTestID:   m.CanonicalID,
		TestName:          name,
		OriginalTestDate:  prior.TestDate,
		DaysSinceOriginal: days,
		ValidityDays:      entry.ValidityDays,
		Decision:          DecisionPending,
		SavingsAmount:     entry.TypicalCost,
		AlertMessage:      AlertMessage(name, days, prior.TestDate, entry.ValidityDays, entry.TypicalCost),
	}
	return out, nil
}

// AlertMessage renders the user-facing alert text.
func AlertMessage(name string, days int, original Date, validityDays int, savings decimal.Decimal) string {
	msg := fmt.Sprintf("%s was done %s ago on %s. This test is usually valid for %s.",
		name, plural(days, "day"), original, plural(validityDays, "day"))
	if savings.IsPositive() {
		msg += fmt.Sprintf(" Skipping the repeat saves %s.", savings.StringFixed(2))
	}
	return msg
}

func displayName(e catalog.Entry, known bool, raw string) string {
	if known && e.DisplayName != "" {
		return e.DisplayName
	}
	return raw
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
