package duplicate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Resolver finds the prior result a new test would repeat.
type Resolver struct {
	results TestResultRepository
}

func NewResolver(results TestResultRepository) *Resolver {
	return &Resolver{results: results}
}

// FindPrior returns the user's most recent result for canonicalID dated
// strictly before the given day. Results stored under excludeReport are never
// candidates, so tests of the report being ingested cannot match each other.
func (r *Resolver) FindPrior(ctx context.Context, userID, canonicalID string, before Date, excludeReport uuid.UUID) (*TestResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if canonicalID == "" {
		return nil, fmt.Errorf("%w: canonical id is required", ErrInvalidInput)
	}
	if before.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	prior, err := r.results.FindPrior(ctx, userID, canonicalID, before, excludeReport)
	if err != nil {
		return nil, fmt.Errorf("find prior %s: %w", canonicalID, err)
	}
	return prior, nil
}
