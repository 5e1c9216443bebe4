package duplicate

import (
	"bytes"
	"context"
	"fmt"
	"sort"
)

// Aggregator derives savings summaries from committed alert decisions.
type Aggregator struct {
	alerts AlertRepository
}

func NewAggregator(alerts AlertRepository) *Aggregator {
	return &Aggregator{alerts: alerts}
}

// Summarize reads the user's skipped alerts and reduces them. Nothing is
// cached, so a decision is visible as soon as it is committed.
func (a *Aggregator) Summarize(ctx context.Context, userID string) (*SavingsSummary, error) {
	skipped, err := a.alerts.ListSkipped(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list skipped alerts: %w", err)
	}
	return Reduce(userID, skipped), nil
}

// Reduce sums the savings of the user's skipped alerts. Alerts of other
// users or with any other decision are ignored. The breakdown is ordered
// by created_at, newest first.
func Reduce(userID string, alerts []*DuplicateAlert) *SavingsSummary {
	s := &SavingsSummary{UserID: userID, Breakdown: []SavingsItem{}}

	skipped := make([]*DuplicateAlert, 0, len(alerts))
	for _, a := range alerts {
		if a.UserID == userID && a.Decision == DecisionSkip {
			skipped = append(skipped, a)
		}
	}
	sort.SliceStable(skipped, func(i, j int) bool {
		if !skipped[i].CreatedAt.Equal(skipped[j].CreatedAt) {
			return skipped[i].CreatedAt.After(skipped[j].CreatedAt)
		}
		return bytes.Compare(skipped[i].ID[:], skipped[j].ID[:]) > 0
	})

	for _, a := range skipped {
		s.TotalSavings = s.TotalSavings.Add(a.SavingsAmount)
		s.TestsSkipped++
		s.Breakdown = append(s.Breakdown, SavingsItem{
			AlertID:  a.ID,
			TestName: a.TestName,
			Date:     NewDate(a.CreatedAt),
			Amount:   a.SavingsAmount,
		})
	}
	return s
}
