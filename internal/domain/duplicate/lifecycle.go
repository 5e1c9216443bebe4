package duplicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// decisionTransitions defines valid state transitions for a DuplicateAlert.
var decisionTransitions = map[Decision][]Decision{
	DecisionPending: {DecisionSkip, DecisionProceed},
	DecisionSkip:    {},
	DecisionProceed: {},
}

// ValidateTransition checks if a decision transition is allowed.
func ValidateTransition(from, to Decision) error {
	allowed, ok := decisionTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown decision %s", ErrInvalidInput, from)
	}
	for _, d := range allowed {
		if d == to {
			return nil
		}
	}
	if from.Terminal() {
		return fmt.Errorf("%w: alert is already %s", ErrAlreadyResolved, from)
	}
	return fmt.Errorf("%w: invalid transition from %s to %s", ErrInvalidInput, from, to)
}

// Resolution is the outcome of a decision on an alert.
type Resolution struct {
	Alert *DuplicateAlert `json:"alert"`
	// Changed is false when the same decision had already been recorded.
	Changed bool            `json:"changed"`
	Savings *SavingsSummary `json:"savings"`
}

// Lifecycle owns the pending -> skip|proceed state machine.
type Lifecycle struct {
	alerts  AlertRepository
	savings *Aggregator
}

func NewLifecycle(alerts AlertRepository, savings *Aggregator) *Lifecycle {
	return &Lifecycle{alerts: alerts, savings: savings}
}

// Resolve records the user's decision. The transition is a compare-and-swap
// on the pending state, so of two concurrent submissions only one changes the
// alert. Repeating the recorded decision succeeds without a change; asking
// for the other decision fails with ErrAlreadyResolved.
func (l *Lifecycle) Resolve(ctx context.Context, userID string, alertID uuid.UUID, decision Decision) (*Resolution, error) {
	if !decision.Terminal() {
		return nil, fmt.Errorf("%w: decision must be skip or proceed, got %q", ErrInvalidInput, decision)
	}
	a, err := l.owned(ctx, userID, alertID)
	if err != nil {
		return nil, err
	}

	changed := false
	if a.Decision != decision {
		if err := ValidateTransition(a.Decision, decision); err != nil {
			return nil, err
		}
		changed, err = l.alerts.Resolve(ctx, alertID, decision)
		if err != nil {
			return nil, fmt.Errorf("resolve alert %s: %w", alertID, err)
		}
		if changed {
			a.Decision = decision
		} else {
			// Lost the race; judge against whatever won.
			if a, err = l.owned(ctx, userID, alertID); err != nil {
				return nil, err
			}
			if a.Decision != decision {
				return nil, fmt.Errorf("%w: alert is already %s", ErrAlreadyResolved, a.Decision)
			}
		}
	}

	summary, err := l.savings.Summarize(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Alert: a, Changed: changed, Savings: summary}, nil
}

// Pending lists the user's unresolved alerts, newest first.
func (l *Lifecycle) Pending(ctx context.Context, userID string, limit, offset int) ([]*DuplicateAlert, int, error) {
	return l.alerts.ListByUser(ctx, userID, DecisionPending, limit, offset)
}

// owned loads an alert and hides alerts of other users behind ErrNotFound.
func (l *Lifecycle) owned(ctx context.Context, userID string, alertID uuid.UUID) (*DuplicateAlert, error) {
	a, err := l.alerts.GetByID(ctx, alertID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	if a.UserID != userID {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, alertID)
	}
	return a, nil
}
