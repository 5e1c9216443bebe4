package duplicate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// demoNamespace derives stable report ids so that seeding twice is a replay.
var demoNamespace = uuid.MustParse("5d1f3a52-9a0e-4c5b-8f7e-2c6f0b1d9e47")

var demoReports = []IngestRequest{
	{
		ReportType:   ReportLabTest,
		ReportDate:   MustDate("2024-10-13"),
		HospitalName: "Apollo Hospitals",
		DoctorName:   "Dr. Sharma",
		Tests: []ExtractedTest{
			{RawTestName: "HbA1c", Value: "5.9", Unit: "%", ReferenceRange: "4.0-5.6%", Status: StatusAbnormal, Category: "blood"},
		},
	},
	{
		ReportType:   ReportLabTest,
		ReportDate:   MustDate("2024-05-11"),
		HospitalName: "Max Hospital",
		DoctorName:   "Dr. Gupta",
		Tests: []ExtractedTest{
			{RawTestName: "Lipid Profile", Value: "210", Unit: "mg/dL", ReferenceRange: "<200 mg/dL", Status: StatusAbnormal, Category: "blood"},
			{RawTestName: "LDL Cholesterol", Value: "130", Unit: "mg/dL", ReferenceRange: "<100 mg/dL", Status: StatusAbnormal, Category: "blood"},
			{RawTestName: "HDL Cholesterol", Value: "45", Unit: "mg/dL", ReferenceRange: ">40 mg/dL", Status: StatusNormal, Category: "blood"},
		},
	},
	{
		ReportType:   ReportLabTest,
		ReportDate:   MustDate("2024-09-20"),
		HospitalName: "Fortis Hospital",
		DoctorName:   "Dr. Patel",
		Tests: []ExtractedTest{
			{RawTestName: "CBC", Value: "Normal", ReferenceRange: "Within normal limits", Status: StatusNormal, Category: "blood"},
			{RawTestName: "Hemoglobin", Value: "14.2", Unit: "g/dL", ReferenceRange: "13.5-17.5 g/dL", Status: StatusNormal, Category: "blood"},
		},
	},
	{
		ReportType:   ReportLabTest,
		ReportDate:   MustDate("2024-08-15"),
		HospitalName: "AIIMS",
		DoctorName:   "Dr. Verma",
		Tests: []ExtractedTest{
			{RawTestName: "Thyroid Panel", Value: "TSH: 2.5", Unit: "mIU/L", ReferenceRange: "0.4-4.0 mIU/L", Status: StatusNormal, Category: "blood"},
			{RawTestName: "T3", Value: "1.2", Unit: "ng/mL", ReferenceRange: "0.8-2.0 ng/mL", Status: StatusNormal, Category: "blood"},
			{RawTestName: "T4", Value: "7.5", Unit: "µg/dL", ReferenceRange: "5.0-12.0 µg/dL", Status: StatusNormal, Category: "blood"},
		},
	},
}

// SeedResult reports what SeedDemo stored.
type SeedResult struct {
	UserID         string      `json:"user_id"`
	ReportsCreated int         `json:"reports_created"`
	ReportIDs      []uuid.UUID `json:"report_ids"`
}

// SeedDemo ingests a fixed set of sample reports for userID through the
// normal ingestion path. Report ids are derived from the user id, so a
// second call creates nothing.
func (s *Service) SeedDemo(ctx context.Context, userID string) (*SeedResult, error) {
	out := &SeedResult{UserID: userID, ReportIDs: []uuid.UUID{}}
	for i, tmpl := range demoReports {
		req := tmpl
		req.UserID = userID
		req.ReportID = uuid.NewSHA1(demoNamespace, []byte(fmt.Sprintf("%s/%d", userID, i)))
		req.Tests = make([]ExtractedTest, len(tmpl.Tests))
		for j, t := range tmpl.Tests {
			t.TestDate = tmpl.ReportDate
			req.Tests[j] = t
		}
		res, err := s.Ingest(ctx, &req)
		if err != nil {
			return nil, fmt.Errorf("seed report %d: %w", i+1, err)
		}
		if !res.Replayed {
			out.ReportsCreated++
		}
		out.ReportIDs = append(out.ReportIDs, res.ReportID)
	}
	return out, nil
}
