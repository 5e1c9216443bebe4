package duplicate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swasthya/swasthya/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the Postgres Store.
type PGStore struct {
	pool    *pgxpool.Pool
	reports *reportRepoPG
	results *resultRepoPG
	alerts  *alertRepoPG
	// Now stamps created_at on inserted rows.
	Now func() time.Time
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:    pool,
		reports: &reportRepoPG{pool: pool},
		results: &resultRepoPG{pool: pool},
		alerts:  &alertRepoPG{pool: pool},
		Now:     time.Now,
	}
}

func (s *PGStore) Reports() ReportRepository     { return s.reports }
func (s *PGStore) Results() TestResultRepository { return s.results }
func (s *PGStore) Alerts() AlertRepository       { return s.alerts }
func (s *PGStore) Writer() BatchWriter           { return s }

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func dateArg(d Date) interface{} {
	if d.IsZero() {
		return nil
	}
	return d.Time
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}

// =========== Reports ===========

type reportRepoPG struct{ pool *pgxpool.Pool }

func (r *reportRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const reportCols = `id, user_id, report_type, report_date, hospital_name, doctor_name, created_at`

func (r *reportRepoPG) scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var reportDate *time.Time
	if err := row.Scan(&rep.ID, &rep.UserID, &rep.ReportType, &reportDate,
		&rep.HospitalName, &rep.DoctorName, &rep.CreatedAt); err != nil {
		return nil, err
	}
	if reportDate != nil {
		rep.ReportDate = NewDate(*reportDate)
	}
	return &rep, nil
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	rep, err := r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM reports WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "report", id)
	}
	return rep, nil
}

func (r *reportRepoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reports WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM reports WHERE user_id = $1
		ORDER BY report_date DESC NULLS LAST, created_at DESC LIMIT $2 OFFSET $3`, userID, lim, max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := r.scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

func (r *reportRepoPG) insert(ctx context.Context, rep *Report) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reports (id, user_id, report_type, report_date, hospital_name, doctor_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rep.ID, rep.UserID, rep.ReportType, dateArg(rep.ReportDate), rep.HospitalName, rep.DoctorName, rep.CreatedAt)
	return err
}

// =========== Test results ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func (r *resultRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const resultCols = `id, user_id, report_id, canonical_test_id, raw_test_name, category,
	value, unit, reference_range, test_date, status, created_at`

func (r *resultRepoPG) scanResult(row pgx.Row) (*TestResult, error) {
	var tr TestResult
	var testDate time.Time
	if err := row.Scan(&tr.ID, &tr.UserID, &tr.ReportID, &tr.CanonicalTestID, &tr.RawTestName, &tr.Category,
		&tr.Value, &tr.Unit, &tr.ReferenceRange, &testDate, &tr.Status, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.TestDate = NewDate(testDate)
	return &tr, nil
}

func (r *resultRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*TestResult, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TestResult
	for rows.Next() {
		tr, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tr)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) FindPrior(ctx context.Context, userID, canonicalID string, before Date, excludeReport uuid.UUID) (*TestResult, error) {
	tr, err := r.scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM test_results
		WHERE user_id = $1 AND canonical_test_id = $2 AND test_date < $3 AND report_id <> $4
		ORDER BY test_date DESC, created_at DESC, id DESC
		LIMIT 1`, userID, canonicalID, before.Time, excludeReport))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tr, err
}

func (r *resultRepoPG) CountHistory(ctx context.Context, userID string, excludeReport uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM test_results WHERE user_id = $1 AND report_id <> $2`, userID, excludeReport).Scan(&n)
	return n, err
}

func (r *resultRepoPG) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*TestResult, error) {
	return r.list(ctx, `SELECT `+resultCols+` FROM test_results WHERE report_id = $1 ORDER BY raw_test_name`, reportID)
}

func (r *resultRepoPG) ListByUser(ctx context.Context, userID string) ([]*TestResult, error) {
	return r.list(ctx, `SELECT `+resultCols+` FROM test_results WHERE user_id = $1
		ORDER BY test_date DESC, created_at DESC, id DESC`, userID)
}

func (r *resultRepoPG) countByReport(ctx context.Context, reportID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM test_results WHERE report_id = $1`, reportID).Scan(&n)
	return n, err
}

func (r *resultRepoPG) insert(ctx context.Context, tr *TestResult) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO test_results (id, user_id, report_id, canonical_test_id, raw_test_name, category,
			value, unit, reference_range, test_date, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (report_id, raw_test_name) DO NOTHING`,
		tr.ID, tr.UserID, tr.ReportID, tr.CanonicalTestID, tr.RawTestName, tr.Category,
		tr.Value, tr.Unit, tr.ReferenceRange, tr.TestDate.Time, tr.Status, tr.CreatedAt)
	return err
}

// =========== Alerts ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func (r *alertRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const alertCols = `id, user_id, report_id, raw_test_name, canonical_test_id, test_name,
	original_test_date, days_since_original, validity_days, decision, savings_amount,
	alert_message, created_at`

const alertOrder = ` ORDER BY created_at DESC, id DESC`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*DuplicateAlert, error) {
	var a DuplicateAlert
	var original time.Time
	if err := row.Scan(&a.ID, &a.UserID, &a.ReportID, &a.RawTestName, &a.CanonicalTestID, &a.TestName,
		&original, &a.DaysSinceOriginal, &a.ValidityDays, &a.Decision, &a.SavingsAmount,
		&a.AlertMessage, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.OriginalTestDate = NewDate(original)
	return &a, nil
}

func (r *alertRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*DuplicateAlert, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DuplicateAlert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DuplicateAlert, error) {
	a, err := r.scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM duplicate_alerts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "alert", id)
	}
	return a, nil
}

func (r *alertRepoPG) ListByUser(ctx context.Context, userID string, decision Decision, limit, offset int) ([]*DuplicateAlert, int, error) {
	where := ` WHERE user_id = $1`
	args := []interface{}{userID}
	if decision != "" {
		where += ` AND decision = $2`
		args = append(args, decision)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM duplicate_alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	query := `SELECT ` + alertCols + ` FROM duplicate_alerts` + where + alertOrder +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, lim, max(offset, 0))
	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *alertRepoPG) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*DuplicateAlert, error) {
	return r.list(ctx, `SELECT `+alertCols+` FROM duplicate_alerts WHERE report_id = $1`+alertOrder, reportID)
}

func (r *alertRepoPG) ListSkipped(ctx context.Context, userID string) ([]*DuplicateAlert, error) {
	return r.list(ctx, `SELECT `+alertCols+` FROM duplicate_alerts WHERE user_id = $1 AND decision = $2`+alertOrder,
		userID, DecisionSkip)
}

func (r *alertRepoPG) Resolve(ctx context.Context, id uuid.UUID, decision Decision) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE duplicate_alerts SET decision = $2 WHERE id = $1 AND decision = $3`,
		id, decision, DecisionPending)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *alertRepoPG) insert(ctx context.Context, a *DuplicateAlert) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO duplicate_alerts (id, user_id, report_id, raw_test_name, canonical_test_id, test_name,
			original_test_date, days_since_original, validity_days, decision, savings_amount,
			alert_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (report_id, raw_test_name) DO NOTHING`,
		a.ID, a.UserID, a.ReportID, a.RawTestName, a.CanonicalTestID, a.TestName,
		a.OriginalTestDate.Time, a.DaysSinceOriginal, a.ValidityDays, a.Decision, a.SavingsAmount,
		a.AlertMessage, a.CreatedAt)
	return err
}

// =========== Batch writer ===========

// Write persists a batch in one transaction. The transaction holds an
// advisory lock on the user so that concurrent writers from other processes
// serialize, then re-checks both marks before inserting.
func (s *PGStore) Write(ctx context.Context, b *Batch) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		if err := db.AdvisoryXactLock(ctx, db.TxFromContext(ctx), "ingest:"+b.Report.UserID); err != nil {
			return err
		}

		n, err := s.results.CountHistory(ctx, b.Report.UserID, b.Report.ID)
		if err != nil {
			return fmt.Errorf("count history: %w", err)
		}
		if n != b.HistoryMark {
			return fmt.Errorf("%w: history for %s moved from %d to %d results", ErrConsistencyViolation, b.Report.UserID, b.HistoryMark, n)
		}
		stored, err := s.results.countByReport(ctx, b.Report.ID)
		if err != nil {
			return fmt.Errorf("count report results: %w", err)
		}
		if stored != b.ReportMark {
			return fmt.Errorf("%w: report %s moved from %d to %d results", ErrConsistencyViolation, b.Report.ID, b.ReportMark, stored)
		}

		now := s.Now().UTC()
		existing, err := s.reports.GetByID(ctx, b.Report.ID)
		switch {
		case err == nil:
			if existing.UserID != b.Report.UserID {
				return fmt.Errorf("%w: report %s belongs to another user", ErrInvalidInput, b.Report.ID)
			}
			*b.Report = *existing
		case errors.Is(err, ErrNotFound):
			if b.Report.CreatedAt.IsZero() {
				b.Report.CreatedAt = now
			}
			if err := s.reports.insert(ctx, b.Report); err != nil {
				return fmt.Errorf("insert report: %w", err)
			}
		default:
			return fmt.Errorf("get report: %w", err)
		}

		for _, tr := range b.Results {
			if tr.ID == uuid.Nil {
				tr.ID = uuid.New()
			}
			if tr.CreatedAt.IsZero() {
				tr.CreatedAt = now
			}
			if err := s.results.insert(ctx, tr); err != nil {
				return fmt.Errorf("insert result %q: %w", tr.RawTestName, err)
			}
		}
		for _, a := range b.Alerts {
			if a.ID == uuid.Nil {
				a.ID = uuid.New()
			}
			if a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			if err := s.alerts.insert(ctx, a); err != nil {
				return fmt.Errorf("insert alert %q: %w", a.RawTestName, err)
			}
		}
		return nil
	})
}
