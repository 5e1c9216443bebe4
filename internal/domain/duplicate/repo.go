package duplicate

import (
	"context"

	"github.com/google/uuid"
)

type ReportRepository interface {
	// GetByID is not user scoped; callers check ownership.
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Report, int, error)
}

type TestResultRepository interface {
	// FindPrior returns the user's latest result for canonicalID dated strictly
	// before the given day, ignoring results of excludeReport. Ties on date go
	// to the latest created_at, then the highest id. Returns nil, nil when
	// there is no prior result.
	FindPrior(ctx context.Context, userID, canonicalID string, before Date, excludeReport uuid.UUID) (*TestResult, error)
	// CountHistory counts the user's results outside excludeReport.
	CountHistory(ctx context.Context, userID string, excludeReport uuid.UUID) (int, error)
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*TestResult, error)
	// ListByUser returns results ordered by test_date DESC, created_at DESC.
	ListByUser(ctx context.Context, userID string) ([]*TestResult, error)
}

type AlertRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*DuplicateAlert, error)
	// ListByUser filters on decision when it is not empty. A limit <= 0
	// returns every row.
	ListByUser(ctx context.Context, userID string, decision Decision, limit, offset int) ([]*DuplicateAlert, int, error)
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*DuplicateAlert, error)
	// ListSkipped returns the user's skipped alerts, newest first.
	ListSkipped(ctx context.Context, userID string) ([]*DuplicateAlert, error)
	// Resolve moves a pending alert to decision. It reports false when the
	// alert was not pending.
	Resolve(ctx context.Context, id uuid.UUID, decision Decision) (bool, error)
}

// Batch is everything one ingestion persists.
type Batch struct {
	Report  *Report
	Results []*TestResult
	Alerts  []*DuplicateAlert
	// HistoryMark is CountHistory as observed before evaluation.
	HistoryMark int
	// ReportMark is the number of results already stored for the report
	// when evaluation began.
	ReportMark int
}

// BatchWriter persists a Batch atomically. Rows already stored under the
// same (report_id, raw_test_name) are left untouched. It returns
// ErrConsistencyViolation when the user's history or the report's stored
// results no longer match the marks.
type BatchWriter interface {
	Write(ctx context.Context, b *Batch) error
}

// Store bundles the repositories a Service needs.
type Store interface {
	Reports() ReportRepository
	Results() TestResultRepository
	Alerts() AlertRepository
	Writer() BatchWriter
}
