package duplicate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type alertKey struct {
	reportID uuid.UUID
	rawName  string
}

// Timeline returns every test result of the user, newest first, with its
// validity end and whether it raised a duplicate alert.
func (s *Service) Timeline(ctx context.Context, userID string) ([]TimelineEntry, error) {
	results, err := s.store.Results().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	alerts, _, err := s.store.Alerts().ListByUser(ctx, userID, "", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	reports, _, err := s.store.Reports().ListByUser(ctx, userID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	flagged := make(map[alertKey]bool, len(alerts))
	for _, a := range alerts {
		flagged[alertKey{a.ReportID, a.RawTestName}] = true
	}
	hospitals := make(map[uuid.UUID]string, len(reports))
	for _, r := range reports {
		hospitals[r.ID] = r.HospitalName
	}

	entries := make([]TimelineEntry, 0, len(results))
	for _, r := range results {
		entry, known := s.Catalog().Resolve(r.CanonicalTestID, r.Category)
		entries = append(entries, TimelineEntry{
			ResultID:        r.ID,
			ReportID:        r.ReportID,
			TestName:        displayName(entry, known, r.RawTestName),
			CanonicalTestID: r.CanonicalTestID,
			Category:        r.Category,
			Value:           r.Value,
			Unit:            r.Unit,
			Status:          r.Status,
			TestDate:        r.TestDate,
			ValidUntil:      r.TestDate.AddDays(entry.ValidityDays),
			HospitalName:    hospitals[r.ReportID],
			IsDuplicate:     flagged[alertKey{r.ReportID, r.RawTestName}],
		})
	}
	return entries, nil
}
