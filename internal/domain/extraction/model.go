// Package extraction talks to the document extraction service, which turns
// an uploaded report image or PDF into structured test lines.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxBytes caps uploaded documents at 10 MiB.
const DefaultMaxBytes = 10 << 20

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrTooLarge        = errors.New("document too large")
	ErrEmpty           = errors.New("document is empty")
)

var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// Document is an uploaded report file.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Validate checks the content type and the size against maxBytes.
func (d Document) Validate(maxBytes int64) error {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(d.ContentType, ";")[0]))
	if !allowedTypes[ct] {
		return fmt.Errorf("%w: %q (allowed: image/jpeg, image/png, application/pdf)", ErrUnsupportedType, d.ContentType)
	}
	if len(d.Data) == 0 {
		return ErrEmpty
	}
	if maxBytes > 0 && int64(len(d.Data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(d.Data), maxBytes)
	}
	return nil
}

// Test is one extracted test line. Dates are passed through as written by
// the extraction service.
type Test struct {
	TestName       string `json:"test_name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	Status         string `json:"status"`
	Category       string `json:"category"`
	TestDate       string `json:"test_date"`
}

// Report is the extraction service's reading of one document.
type Report struct {
	ReportType   string `json:"report_type"`
	HospitalName string `json:"hospital_name"`
	DoctorName   string `json:"doctor_name"`
	ReportDate   string `json:"report_date"`
	Tests        []Test `json:"tests"`
}

// Extractor reads structured test data out of a document.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (*Report, error)
}
