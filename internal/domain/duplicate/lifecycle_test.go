package duplicate

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Decision
		wantErr  error
	}{
		{DecisionPending, DecisionSkip, nil},
		{DecisionPending, DecisionProceed, nil},
		{DecisionPending, DecisionPending, ErrInvalidInput},
		{DecisionSkip, DecisionProceed, ErrAlreadyResolved},
		{DecisionProceed, DecisionSkip, ErrAlreadyResolved},
		{Decision("bogus"), DecisionSkip, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// seedAlerts creates n pending alerts for the user, one per catalog test.
func seedAlerts(t *testing.T, svc *Service, user string, names ...string) []*DuplicateAlert {
	t.Helper()
	ingest(t, svc, report(user, "2024-10-01", names...))
	res := ingest(t, svc, report(user, "2024-10-10", names...))
	require.Len(t, res.Alerts, len(names))
	return res.Alerts
}

func TestResolve_SameDecisionIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	a := seedAlerts(t, svc, "u1", "CBC")[0]

	first, err := svc.Resolve(ctx, "u1", a.ID, DecisionSkip)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := svc.Resolve(ctx, "u1", a.ID, DecisionSkip)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, 1, second.Savings.TestsSkipped)
	assert.Equal(t, a.SavingsAmount, second.Savings.TotalSavings, "no double counting")
}

func TestResolve_Errors(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	a := seedAlerts(t, svc, "u1", "CBC")[0]

	_, err := svc.Resolve(ctx, "u1", uuid.New(), DecisionSkip)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Resolve(ctx, "u2", a.ID, DecisionSkip)
	assert.ErrorIs(t, err, ErrNotFound, "alerts of other users are hidden")

	_, err = svc.Resolve(ctx, "u1", a.ID, DecisionPending)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolve_OnlyDecisionChanges(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ctx := context.Background()
	a := seedAlerts(t, svc, "u1", "HbA1c")[0]

	_, err := svc.Resolve(ctx, "u1", a.ID, DecisionProceed)
	require.NoError(t, err)

	got, err := store.Alerts().GetByID(ctx, a.ID)
	require.NoError(t, err)
	want := *a
	want.Decision = DecisionProceed
	assert.Equal(t, &want, got)
}

func TestResolve_ConcurrentConflictingDecisions(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	a := seedAlerts(t, svc, "u1", "CBC")[0]

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
		winners = map[Decision]int{}
	)
	for i := 0; i < 20; i++ {
		d := DecisionSkip
		if i%2 == 1 {
			d = DecisionProceed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Resolve(ctx, "u1", a.ID, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyResolved)
				return
			}
			winners[d]++
			if res.Changed {
				changed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed, "exactly one submission changes the alert")
	assert.Len(t, winners, 1, "only one decision ever succeeds")
}

func TestSavings_ConservedUnderInterleavedResolves(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ctx := context.Background()
	alerts := seedAlerts(t, svc, "u1", "CBC", "HbA1c", "TSH", "Lipid Profile", "Vitamin D", "Hemoglobin")
	rng := rand.New(rand.NewSource(7))

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		a := alerts[rng.Intn(len(alerts))]
		d := DecisionSkip
		if rng.Intn(2) == 0 {
			d = DecisionProceed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Resolve(ctx, "u1", a.ID, d)
		}()
	}
	wg.Wait()

	all, _, err := store.Alerts().ListByUser(ctx, "u1", "", 0, 0)
	require.NoError(t, err)
	var want decimal.Decimal
	skipped := 0
	for _, a := range all {
		if a.Decision == DecisionSkip {
			want = want.Add(a.SavingsAmount)
			skipped++
		}
	}

	summary, err := svc.Savings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, want.Equal(summary.TotalSavings), "want %s, got %s", want, summary.TotalSavings)
	assert.Equal(t, skipped, summary.TestsSkipped)
	assert.Len(t, summary.Breakdown, skipped)
}
