package duplicate

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in maps behind one mutex. It backs STORE=memory
// and the package tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*Report
	results map[uuid.UUID]*TestResult
	alerts  map[uuid.UUID]*DuplicateAlert

	// Now stamps created_at. Tests replace it to control ordering.
	Now func() time.Time
	// BeforeWrite, when set, runs inside Write before the history check.
	BeforeWrite func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[uuid.UUID]*Report),
		results: make(map[uuid.UUID]*TestResult),
		alerts:  make(map[uuid.UUID]*DuplicateAlert),
		Now:     time.Now,
	}
}

func (m *MemoryStore) Reports() ReportRepository     { return memReports{m} }
func (m *MemoryStore) Results() TestResultRepository { return memResults{m} }
func (m *MemoryStore) Alerts() AlertRepository       { return memAlerts{m} }
func (m *MemoryStore) Writer() BatchWriter           { return m }

// InsertResult stores a result directly, outside any ingestion. Missing ids
// and timestamps are filled in.
func (m *MemoryStore) InsertResult(r *TestResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.Now()
	}
	cp := *r
	m.results[r.ID] = &cp
}

// Write implements BatchWriter.
func (m *MemoryStore) Write(_ context.Context, b *Batch) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.countHistory(b.Report.UserID, b.Report.ID); n != b.HistoryMark {
		return fmt.Errorf("%w: history for %s moved from %d to %d results", ErrConsistencyViolation, b.Report.UserID, b.HistoryMark, n)
	}

	stored := 0
	for _, r := range m.results {
		if r.ReportID == b.Report.ID {
			stored++
		}
	}
	if stored != b.ReportMark {
		return fmt.Errorf("%w: report %s moved from %d to %d results", ErrConsistencyViolation, b.Report.ID, b.ReportMark, stored)
	}

	now := m.Now()
	if existing, ok := m.reports[b.Report.ID]; ok {
		if existing.UserID != b.Report.UserID {
			return fmt.Errorf("%w: report %s belongs to another user", ErrInvalidInput, b.Report.ID)
		}
		*b.Report = *existing
	} else {
		if b.Report.CreatedAt.IsZero() {
			b.Report.CreatedAt = now
		}
		cp := *b.Report
		m.reports[b.Report.ID] = &cp
	}

	storedResults := make(map[string]bool)
	for _, r := range m.results {
		if r.ReportID == b.Report.ID {
			storedResults[r.RawTestName] = true
		}
	}
	for _, r := range b.Results {
		if storedResults[r.RawTestName] {
			continue
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		cp := *r
		m.results[r.ID] = &cp
		storedResults[r.RawTestName] = true
	}

	storedAlerts := make(map[string]bool)
	for _, a := range m.alerts {
		if a.ReportID == b.Report.ID {
			storedAlerts[a.RawTestName] = true
		}
	}
	for _, a := range b.Alerts {
		if storedAlerts[a.RawTestName] {
			continue
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		cp := *a
		m.alerts[a.ID] = &cp
		storedAlerts[a.RawTestName] = true
	}
	return nil
}

func (m *MemoryStore) countHistory(userID string, excludeReport uuid.UUID) int {
	n := 0
	for _, r := range m.results {
		if r.UserID == userID && r.ReportID != excludeReport {
			n++
		}
	}
	return n
}

type memReports struct{ m *MemoryStore }

func (r memReports) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rep, ok := r.m.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	cp := *rep
	return &cp, nil
}

func (r memReports) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Report, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var items []*Report
	for _, rep := range r.m.reports {
		if rep.UserID == userID {
			cp := *rep
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ReportDate.Equal(items[j].ReportDate.Time) {
			return items[j].ReportDate.Before(items[i].ReportDate)
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	total := len(items)
	return page(items, limit, offset), total, nil
}

type memResults struct{ m *MemoryStore }

func (r memResults) FindPrior(_ context.Context, userID, canonicalID string, before Date, excludeReport uuid.UUID) (*TestResult, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var best *TestResult
	for _, tr := range r.m.results {
		if tr.UserID != userID || tr.CanonicalTestID != canonicalID || tr.ReportID == excludeReport {
			continue
		}
		if !tr.TestDate.Before(before) {
			continue
		}
		if best == nil || newerResult(tr, best) {
			best = tr
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// newerResult orders by test_date, then created_at, then id.
func newerResult(a, b *TestResult) bool {
	if !a.TestDate.Equal(b.TestDate.Time) {
		return b.TestDate.Before(a.TestDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

func (r memResults) CountHistory(_ context.Context, userID string, excludeReport uuid.UUID) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.m.countHistory(userID, excludeReport), nil
}

func (r memResults) ListByReport(_ context.Context, reportID uuid.UUID) ([]*TestResult, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var items []*TestResult
	for _, tr := range r.m.results {
		if tr.ReportID == reportID {
			cp := *tr
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RawTestName < items[j].RawTestName })
	return items, nil
}

func (r memResults) ListByUser(_ context.Context, userID string) ([]*TestResult, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var items []*TestResult
	for _, tr := range r.m.results {
		if tr.UserID == userID {
			cp := *tr
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return newerResult(items[i], items[j]) })
	return items, nil
}

type memAlerts struct{ m *MemoryStore }

func (r memAlerts) GetByID(_ context.Context, id uuid.UUID) (*DuplicateAlert, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (r memAlerts) ListByUser(_ context.Context, userID string, decision Decision, limit, offset int) ([]*DuplicateAlert, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var items []*DuplicateAlert
	for _, a := range r.m.alerts {
		if a.UserID != userID || (decision != "" && a.Decision != decision) {
			continue
		}
		cp := *a
		items = append(items, &cp)
	}
	sortAlerts(items)
	total := len(items)
	return page(items, limit, offset), total, nil
}

func (r memAlerts) ListByReport(_ context.Context, reportID uuid.UUID) ([]*DuplicateAlert, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var items []*DuplicateAlert
	for _, a := range r.m.alerts {
		if a.ReportID == reportID {
			cp := *a
			items = append(items, &cp)
		}
	}
	sortAlerts(items)
	return items, nil
}

func (r memAlerts) ListSkipped(ctx context.Context, userID string) ([]*DuplicateAlert, error) {
	items, _, err := r.ListByUser(ctx, userID, DecisionSkip, 0, 0)
	return items, err
}

func (r memAlerts) Resolve(_ context.Context, id uuid.UUID, decision Decision) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.alerts[id]
	if !ok {
		return false, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	if a.Decision != DecisionPending {
		return false, nil
	}
	a.Decision = decision
	return true, nil
}

// sortAlerts orders newest first with the id as tie breaker.
func sortAlerts(items []*DuplicateAlert) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return bytes.Compare(items[i].ID[:], items[j].ID[:]) > 0
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
