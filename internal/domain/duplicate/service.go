package duplicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/swasthya/swasthya/internal/domain/catalog"
	"github.com/swasthya/swasthya/internal/platform/lock"
)

// Config controls ingestion behaviour.
type Config struct {
	// Strict fails a whole report on the first invalid line. Otherwise
	// invalid lines are skipped with a warning.
	Strict bool
	// Workers bounds parallel evaluations within one report.
	Workers int
	// MaxRetries bounds re-runs after ErrConsistencyViolation.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

type Service struct {
	store      Store
	normalizer *catalog.Normalizer
	evaluator  *Evaluator
	lifecycle  *Lifecycle
	savings    *Aggregator
	locker     lock.Locker
	cfg        Config
	log        zerolog.Logger
}

func NewService(store Store, normalizer *catalog.Normalizer, locker lock.Locker, cfg Config, log zerolog.Logger) *Service {
	savings := NewAggregator(store.Alerts())
	return &Service{
		store:      store,
		normalizer: normalizer,
		evaluator:  NewEvaluator(normalizer, NewResolver(store.Results())),
		lifecycle:  NewLifecycle(store.Alerts(), savings),
		savings:    savings,
		locker:     locker,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "duplicate").Logger(),
	}
}

// Catalog returns the catalog used for normalization.
func (s *Service) Catalog() *catalog.Catalog { return s.normalizer.Catalog() }

// -- Ingestion --

type line struct {
	index int
	test  ExtractedTest
}

// Ingest evaluates and persists one report for a user. Evaluation and
// persistence run as one unit per user: the user's lock is held throughout
// and the write is rejected when the history seen during evaluation has
// moved, in which case the whole run is retried. Re-ingesting a report with
// the same id stores nothing new and returns the stored outcome.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lines, warnings, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	if req.ReportDate.IsZero() {
		for _, ln := range lines {
			if req.ReportDate.Before(ln.test.TestDate) {
				req.ReportDate = ln.test.TestDate
			}
		}
	}

	release, err := s.locker.Acquire(ctx, "ingest:"+req.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", req.UserID, err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("release ingest lock")
		}
	}()

	existing, err := s.store.Reports().GetByID(ctx, req.ReportID)
	switch {
	case err == nil && existing.UserID != req.UserID:
		return nil, fmt.Errorf("%w: report_id %s is already in use", ErrInvalidInput, req.ReportID)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get report %s: %w", req.ReportID, err)
	}

	for attempt := 0; ; attempt++ {
		res, err := s.ingestOnce(ctx, req, lines)
		if errors.Is(err, ErrConsistencyViolation) && attempt < s.cfg.MaxRetries {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Str("report_id", req.ReportID.String()).
				Int("attempt", attempt+1).Msg("history moved during ingestion, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Warnings = warnings
		s.log.Info().Str("user_id", req.UserID).Str("report_id", req.ReportID.String()).
			Int("tests", len(res.Tests)).Int("alerts", len(res.Alerts)).Int("warnings", len(warnings)).
			Bool("replayed", res.Replayed).Msg("report ingested")
		return res, nil
	}
}

// prepare validates every line and applies the ingest policy. Lines whose
// raw name repeats within the report collapse to the first occurrence.
func (s *Service) prepare(req *IngestRequest) ([]line, []LineWarning, error) {
	var (
		lines    []line
		warnings []LineWarning
		seen     = make(map[string]int)
	)
	for i := range req.Tests {
		t := req.Tests[i]
		err := t.Validate()
		if err == nil {
			m, nerr := s.normalizer.Normalize(t.RawTestName)
			if nerr != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidInput, nerr)
			} else {
				err = checkLen("canonical_test_id", m.CanonicalID, MaxTextLen)
			}
		}
		if err != nil {
			if s.cfg.Strict {
				return nil, nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			warnings = append(warnings, LineWarning{Line: i + 1, TestName: t.RawTestName, Message: err.Error()})
			s.log.Warn().Err(err).Str("user_id", req.UserID).Int("line", i+1).Msg("skipping invalid test line")
			continue
		}
		if first, dup := seen[t.RawTestName]; dup {
			warnings = append(warnings, LineWarning{
				Line:     i + 1,
				TestName: t.RawTestName,
				Message:  fmt.Sprintf("repeats line %d; only the first occurrence is kept", first),
			})
			continue
		}
		seen[t.RawTestName] = i + 1
		lines = append(lines, line{index: i + 1, test: t})
	}
	if len(lines) == 0 {
		return nil, warnings, fmt.Errorf("%w: report has no valid tests", ErrInvalidInput)
	}
	return lines, warnings, nil
}

func (s *Service) ingestOnce(ctx context.Context, req *IngestRequest, lines []line) (*IngestResult, error) {
	subject := Subject{UserID: req.UserID, ReportID: req.ReportID}

	storedResults, err := s.store.Results().ListByReport(ctx, req.ReportID)
	if err != nil {
		return nil, fmt.Errorf("list stored results: %w", err)
	}
	storedAlerts, err := s.store.Alerts().ListByReport(ctx, req.ReportID)
	if err != nil {
		return nil, fmt.Errorf("list stored alerts: %w", err)
	}
	resultByName := make(map[string]*TestResult, len(storedResults))
	for _, r := range storedResults {
		resultByName[r.RawTestName] = r
	}
	alertByName := make(map[string]*DuplicateAlert, len(storedAlerts))
	for _, a := range storedAlerts {
		alertByName[a.RawTestName] = a
	}

	mark, err := s.store.Results().CountHistory(ctx, req.UserID, req.ReportID)
	if err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}

	var todo []line
	for _, ln := range lines {
		if _, done := resultByName[ln.test.RawTestName]; !done {
			todo = append(todo, ln)
		}
	}

	outcomes := make([]Outcome, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, ln := range todo {
		i, ln := i, ln
		g.Go(func() error {
			out, err := s.evaluator.Evaluate(gctx, subject, ln.test)
			if err != nil {
				return fmt.Errorf("line %d: %w", ln.index, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(todo) > 0 {
		batch := &Batch{
			Report: &Report{
				ID:           req.ReportID,
				UserID:       req.UserID,
				ReportType:   req.ReportType,
				ReportDate:   req.ReportDate,
				HospitalName: req.HospitalName,
				DoctorName:   req.DoctorName,
			},
			HistoryMark: mark,
			ReportMark:  len(storedResults),
		}
		for _, out := range outcomes {
			batch.Results = append(batch.Results, out.Result)
			if out.Alert != nil {
				batch.Alerts = append(batch.Alerts, out.Alert)
			}
		}
		if err := s.store.Writer().Write(ctx, batch); err != nil {
			return nil, err
		}
	}

	res := &IngestResult{ReportID: req.ReportID, Replayed: len(todo) == 0, Alerts: []*DuplicateAlert{}}
	next := 0
	for _, ln := range lines {
		var lo LineOutcome
		if stored, done := resultByName[ln.test.RawTestName]; done {
			entry, _ := s.Catalog().Resolve(stored.CanonicalTestID, stored.Category)
			lo = LineOutcome{
				TestName:    stored.RawTestName,
				CanonicalID: stored.CanonicalTestID,
				ValidUntil:  stored.TestDate.AddDays(entry.ValidityDays),
			}
			if m, err := s.normalizer.Normalize(stored.RawTestName); err == nil {
				lo.Match = string(m.Kind)
			}
			// A stored alert is referenced from its line but is not part
			// of this call's Alerts or total.
			if a, ok := alertByName[stored.RawTestName]; ok {
				lo.IsDuplicate = true
				id := a.ID
				lo.AlertID = &id
			}
		} else {
			out := outcomes[next]
			next++
			lo = LineOutcome{
				TestName:    out.Result.RawTestName,
				CanonicalID: out.Result.CanonicalTestID,
				Match:       string(out.Match.Kind),
				ValidUntil:  out.ValidUntil,
			}
			if out.Alert != nil {
				lo.IsDuplicate = true
				id := out.Alert.ID
				lo.AlertID = &id
				res.Alerts = append(res.Alerts, out.Alert)
			}
		}
		lo.Line = ln.index
		res.Tests = append(res.Tests, lo)
	}

	for _, a := range res.Alerts {
		res.TotalPotentialSavings = res.TotalPotentialSavings.Add(a.SavingsAmount)
	}
	return res, nil
}

// -- Reports --

// ReportDetail is a report with everything stored under it.
type ReportDetail struct {
	*Report
	Results []*TestResult     `json:"results"`
	Alerts  []*DuplicateAlert `json:"alerts"`
}

func (s *Service) ListReports(ctx context.Context, userID string, limit, offset int) ([]*Report, int, error) {
	return s.store.Reports().ListByUser(ctx, userID, limit, offset)
}

// GetReport returns a report of the user. Reports of other users are
// reported as ErrNotFound.
func (s *Service) GetReport(ctx context.Context, userID string, id uuid.UUID) (*ReportDetail, error) {
	r, err := s.store.Reports().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	results, err := s.store.Results().ListByReport(ctx, id)
	if err != nil {
		return nil, err
	}
	alerts, err := s.store.Alerts().ListByReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*TestResult{}
	}
	if alerts == nil {
		alerts = []*DuplicateAlert{}
	}
	return &ReportDetail{Report: r, Results: results, Alerts: alerts}, nil
}

// -- Alerts & savings --

func (s *Service) ListAlerts(ctx context.Context, userID string, decision Decision, limit, offset int) ([]*DuplicateAlert, int, error) {
	if decision == DecisionPending {
		return s.lifecycle.Pending(ctx, userID, limit, offset)
	}
	return s.store.Alerts().ListByUser(ctx, userID, decision, limit, offset)
}

func (s *Service) Resolve(ctx context.Context, userID string, alertID uuid.UUID, decision Decision) (*Resolution, error) {
	res, err := s.lifecycle.Resolve(ctx, userID, alertID, decision)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			s.log.Info().Str("user_id", userID).Str("alert_id", alertID.String()).
				Str("decision", string(decision)).Msg("conflicting decision rejected")
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) Savings(ctx context.Context, userID string) (*SavingsSummary, error) {
	return s.savings.Summarize(ctx, userID)
}

// -- Catalog lookup --

// LookupResult explains how a raw name maps onto the catalog.
type LookupResult struct {
	Query string        `json:"query"`
	Match catalog.Match `json:"match"`
	Entry catalog.Entry `json:"entry"`
	Known bool          `json:"known"`
}

// Lookup normalizes a raw test name and resolves its catalog entry, using
// the category fallback for unknown tests.
func (s *Service) Lookup(raw string, category catalog.Category) (*LookupResult, error) {
	m, err := s.normalizer.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	entry, known := s.Catalog().Resolve(m.CanonicalID, category)
	return &LookupResult{Query: raw, Match: m, Entry: entry, Known: known}, nil
}
