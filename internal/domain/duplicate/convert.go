package duplicate

import (
	"strings"

	"github.com/swasthya/swasthya/internal/domain/catalog"
	"github.com/swasthya/swasthya/internal/domain/extraction"
	"github.com/swasthya/swasthya/internal/platform/reporting"
)

// FromExtraction builds an IngestRequest from an extraction service reading.
// A line without its own date takes the report date. Unparsable dates are
// kept so that line validation can report them.
func FromExtraction(userID string, r *extraction.Report) *IngestRequest {
	req := &IngestRequest{
		UserID:       userID,
		ReportType:   ReportType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(r.ReportType)), " ", "_")),
		HospitalName: strings.TrimSpace(r.HospitalName),
		DoctorName:   strings.TrimSpace(r.DoctorName),
	}
	reportDate, err := ParseDate(r.ReportDate)
	if err == nil {
		req.ReportDate = reportDate
	}

	for _, t := range r.Tests {
		et := ExtractedTest{
			RawTestName:    t.TestName,
			Value:          t.Value,
			Unit:           t.Unit,
			ReferenceRange: t.ReferenceRange,
			Status:         Status(t.Status),
			Category:       catalog.Category(t.Category),
		}
		switch raw := strings.TrimSpace(t.TestDate); {
		case raw == "":
			et.TestDate = req.ReportDate
		default:
			if d, err := ParseDate(raw); err == nil {
				et.TestDate = d
			} else {
				et.rawDate = raw
			}
		}
		req.Tests = append(req.Tests, et)
	}
	return req
}

// SavingsSheets lays a summary out as a "Summary" and a "Breakdown" sheet.
func SavingsSheets(s *SavingsSummary) []reporting.Sheet {
	summary := reporting.Sheet{
		Name:    "Summary",
		Headers: []string{"User", "Tests skipped", "Total savings"},
		Rows:    [][]any{{s.UserID, s.TestsSkipped, s.TotalSavings.InexactFloat64()}},
		Widths:  []float64{24, 16, 16},
	}
	breakdown := reporting.Sheet{
		Name:    "Breakdown",
		Headers: []string{"Date", "Test", "Amount", "Alert ID"},
		Widths:  []float64{14, 32, 12, 38},
	}
	for _, item := range s.Breakdown {
		breakdown.Rows = append(breakdown.Rows, []any{
			item.Date.String(), item.TestName, item.Amount.InexactFloat64(), item.AlertID.String(),
		})
	}
	return []reporting.Sheet{summary, breakdown}
}
