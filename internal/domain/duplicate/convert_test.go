package duplicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swasthya/swasthya/internal/domain/catalog"
	"github.com/swasthya/swasthya/internal/domain/extraction"
)

func TestFromExtraction(t *testing.T) {
	req := FromExtraction("u1", &extraction.Report{
		ReportType:   "Lab Test",
		HospitalName: " Apollo Hospitals ",
		DoctorName:   "Dr. Sharma",
		ReportDate:   "2024-10-13",
		Tests: []extraction.Test{
			{TestName: "HbA1c", Value: "5.9", Unit: "%", Status: "abnormal", Category: "blood", TestDate: "2024-10-12"},
			{TestName: "Fasting Glucose", Value: "98"},
			{TestName: "TSH", TestDate: "sometime"},
		},
	})

	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, ReportLabTest, req.ReportType)
	assert.Equal(t, "Apollo Hospitals", req.HospitalName)
	assert.Equal(t, MustDate("2024-10-13"), req.ReportDate)
	require.Len(t, req.Tests, 3)

	assert.Equal(t, MustDate("2024-10-12"), req.Tests[0].TestDate)
	assert.Equal(t, StatusAbnormal, req.Tests[0].Status)
	assert.Equal(t, catalog.CategoryBlood, req.Tests[0].Category)

	assert.Equal(t, MustDate("2024-10-13"), req.Tests[1].TestDate, "falls back to the report date")

	err := req.Tests[2].Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "sometime")
}

func TestFromExtraction_NoDates(t *testing.T) {
	req := FromExtraction("u1", &extraction.Report{
		ReportDate: "unknown",
		Tests:      []extraction.Test{{TestName: "CBC"}},
	})
	assert.True(t, req.ReportDate.IsZero())
	assert.ErrorIs(t, req.Tests[0].Validate(), ErrInvalidInput)
}
