package duplicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swasthya/swasthya/internal/domain/catalog"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
	// ErrConsistencyViolation is returned by a BatchWriter when the user's
	// history changed between evaluation and persistence.
	ErrConsistencyViolation = errors.New("consistency violation")
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Date is a calendar day in UTC. It encodes as "2006-01-02" and also
// accepts RFC 3339 timestamps, keeping only the date part.
type Date struct {
	time.Time
}

// NewDate returns the calendar day of t.
func NewDate(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses "2006-01-02" or an RFC 3339 timestamp.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return NewDate(t), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return NewDate(t), nil
}

// MustDate parses a "2006-01-02" literal and panics on error.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

// DaysSince returns the number of whole days from earlier to d. The result
// is negative when earlier is after d.
func (d Date) DaysSince(earlier Date) int {
	return int(d.Time.Sub(earlier.Time).Hours() / 24)
}

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Decision is the state of a DuplicateAlert.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionSkip    Decision = "skip"
	DecisionProceed Decision = "proceed"
)

// Terminal reports whether no further transition is allowed from d.
func (d Decision) Terminal() bool {
	return d == DecisionSkip || d == DecisionProceed
}

// ParseDecision accepts "pending", "skip" or "proceed".
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionPending, DecisionSkip, DecisionProceed:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, s)
}

// Status is the reported interpretation of a test value.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusAbnormal Status = "abnormal"
	StatusCritical Status = "critical"
)

var validStatuses = map[Status]bool{
	StatusNormal: true, StatusAbnormal: true, StatusCritical: true,
}

// ReportType classifies an uploaded report.
type ReportType string

const (
	ReportLabTest      ReportType = "lab_test"
	ReportImaging      ReportType = "imaging"
	ReportPrescription ReportType = "prescription"
	ReportConsultation ReportType = "consultation"
)

var validReportTypes = map[ReportType]bool{
	ReportLabTest: true, ReportImaging: true, ReportPrescription: true, ReportConsultation: true,
}

// ExtractedTest is one test line produced by the extraction collaborator.
type ExtractedTest struct {
	RawTestName    string           `json:"test_name"`
	Value          string           `json:"value,omitempty"`
	Unit           string           `json:"unit,omitempty"`
	ReferenceRange string           `json:"reference_range,omitempty"`
	Status         Status           `json:"status,omitempty"`
	Category       catalog.Category `json:"category,omitempty"`
	TestDate       Date             `json:"test_date"`

	// rawDate keeps an unparsable test_date so that one bad line does not
	// fail decoding of the whole report.
	rawDate string
}

func (t *ExtractedTest) UnmarshalJSON(data []byte) error {
	type alias ExtractedTest
	aux := struct {
		*alias
		TestDate string `json:"test_date"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.TestDate = Date{}
	t.rawDate = ""
	if aux.TestDate == "" {
		return nil
	}
	d, err := ParseDate(aux.TestDate)
	if err != nil {
		t.rawDate = aux.TestDate
		return nil
	}
	t.TestDate = d
	return nil
}

// Column widths of the stored text fields.
const (
	MaxUserIDLen = 128
	MaxTextLen   = 255
	MaxUnitLen   = 64
)

func checkLen(field, v string, max int) error {
	if n := utf8.RuneCountInString(v); n > max {
		return fmt.Errorf("%w: %s is %d characters, at most %d allowed", ErrInvalidInput, field, n, max)
	}
	return nil
}

// Validate checks the line and fills defaults for status and category.
func (t *ExtractedTest) Validate() error {
	t.RawTestName = strings.TrimSpace(t.RawTestName)
	if t.RawTestName == "" {
		return fmt.Errorf("%w: test_name is required", ErrInvalidInput)
	}
	if err := checkLen("test_name", t.RawTestName, MaxTextLen); err != nil {
		return err
	}
	if err := checkLen("unit", t.Unit, MaxUnitLen); err != nil {
		return err
	}
	if err := checkLen("reference_range", t.ReferenceRange, MaxTextLen); err != nil {
		return err
	}
	if t.TestDate.IsZero() {
		if t.rawDate != "" {
			return fmt.Errorf("%w: test_date %q is not a date", ErrInvalidInput, t.rawDate)
		}
		return fmt.Errorf("%w: test_date is required", ErrInvalidInput)
	}
	t.Status = Status(strings.ToLower(strings.TrimSpace(string(t.Status))))
	if t.Status == "" {
		t.Status = StatusNormal
	}
	if !validStatuses[t.Status] {
		return fmt.Errorf("%w: invalid status: %s", ErrInvalidInput, t.Status)
	}
	cat, err := catalog.ParseCategory(string(t.Category))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t.Category = cat
	return nil
}

// Report is an uploaded medical report owning its test results.
type Report struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id"`
	ReportType   ReportType `json:"report_type"`
	ReportDate   Date       `json:"report_date"`
	HospitalName string     `json:"hospital_name,omitempty"`
	DoctorName   string     `json:"doctor_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TestResult records that a test was performed. It is never mutated.
type TestResult struct {
	ID              uuid.UUID        `json:"id"`
	UserID          string           `json:"user_id"`
	ReportID        uuid.UUID        `json:"report_id"`
	CanonicalTestID string           `json:"canonical_test_id"`
	RawTestName     string           `json:"raw_test_name"`
	Category        catalog.Category `json:"category"`
	Value           string           `json:"value,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	ReferenceRange  string           `json:"reference_range,omitempty"`
	TestDate        Date             `json:"test_date"`
	Status          Status           `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
}

// DuplicateAlert proposes skipping a test that repeats a still-valid result.
// SavingsAmount is frozen at creation; only Decision ever changes.
type DuplicateAlert struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	ReportID          uuid.UUID       `json:"report_id"`
	RawTestName       string          `json:"raw_test_name"`
	CanonicalTestID   string          `json:"canonical_test_id"`
	TestName          string          `json:"test_name"`
	OriginalTestDate  Date            `json:"original_test_date"`
	DaysSinceOriginal int             `json:"days_since_original"`
	ValidityDays      int             `json:"validity_days"`
	Decision          Decision        `json:"decision"`
	SavingsAmount     decimal.Decimal `json:"savings_amount"`
	AlertMessage      string          `json:"alert_message"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SavingsItem is one skipped test in a SavingsSummary. Date is the day the
// alert was raised.
type SavingsItem struct {
	AlertID  uuid.UUID       `json:"alert_id"`
	TestName string          `json:"test_name"`
	Date     Date            `json:"date"`
	Amount   decimal.Decimal `json:"amount"`
}

// SavingsSummary is derived from the user's skipped alerts.
type SavingsSummary struct {
	UserID       string          `json:"user_id"`
	TotalSavings decimal.Decimal `json:"total_savings"`
	TestsSkipped int             `json:"tests_skipped"`
	Breakdown    []SavingsItem   `json:"breakdown"`
}

// TimelineEntry is a TestResult projected for chronological display.
type TimelineEntry struct {
	ResultID        uuid.UUID        `json:"result_id"`
	ReportID        uuid.UUID        `json:"report_id"`
	TestName        string           `json:"test_name"`
	CanonicalTestID string           `json:"canonical_test_id"`
	Category        catalog.Category `json:"category"`
	Value           string           `json:"value,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	Status          Status           `json:"status"`
	TestDate        Date             `json:"test_date"`
	ValidUntil      Date             `json:"valid_until"`
	HospitalName    string           `json:"hospital_name,omitempty"`
	IsDuplicate     bool             `json:"is_duplicate"`
}

// IngestRequest is one extracted report submitted for a user.
type IngestRequest struct {
	UserID       string          `json:"-"`
	ReportID     uuid.UUID       `json:"report_id"`
	ReportType   ReportType      `json:"report_type"`
	ReportDate   Date            `json:"report_date"`
	HospitalName string          `json:"hospital_name,omitempty"`
	DoctorName   string          `json:"doctor_name,omitempty"`
	Tests        []ExtractedTest `json:"tests"`
}

// Validate checks the report envelope. Lines are validated separately so
// that the ingest policy can decide between skipping and failing.
func (r *IngestRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := checkLen("user_id", r.UserID, MaxUserIDLen); err != nil {
		return err
	}
	if err := checkLen("hospital_name", r.HospitalName, MaxTextLen); err != nil {
		return err
	}
	if err := checkLen("doctor_name", r.DoctorName, MaxTextLen); err != nil {
		return err
	}
	if r.ReportID == uuid.Nil {
		r.ReportID = uuid.New()
	}
	if r.ReportType == "" {
		r.ReportType = ReportLabTest
	}
	if !validReportTypes[r.ReportType] {
		return fmt.Errorf("%w: invalid report_type: %s", ErrInvalidInput, r.ReportType)
	}
	if len(r.Tests) == 0 {
		return fmt.Errorf("%w: report has no tests", ErrInvalidInput)
	}
	return nil
}

// LineWarning describes a test line that was not ingested.
type LineWarning struct {
	Line     int    `json:"line"`
	TestName string `json:"test_name,omitempty"`
	Message  string `json:"message"`
}

// LineOutcome is the per-test classification returned by Ingest.
type LineOutcome struct {
	Line        int        `json:"line"`
	TestName    string     `json:"test_name"`
	CanonicalID string     `json:"canonical_id"`
	Match       string     `json:"match"`
	IsDuplicate bool       `json:"is_duplicate"`
	ValidUntil  Date       `json:"valid_until"`
	AlertID     *uuid.UUID `json:"alert_id,omitempty"`
}

// IngestResult is returned for every accepted report. Alerts and
// TotalPotentialSavings cover only alerts raised by this call; lines stored
// by an earlier call for the same report still carry their AlertID.
type IngestResult struct {
	ReportID              uuid.UUID         `json:"report_id"`
	Tests                 []LineOutcome     `json:"tests"`
	Alerts                []*DuplicateAlert `json:"alerts"`
	TotalPotentialSavings decimal.Decimal   `json:"total_potential_savings"`
	Warnings              []LineWarning     `json:"warnings,omitempty"`
	// Replayed is set when every line had already been stored for this report.
	Replayed bool `json:"replayed"`
}
