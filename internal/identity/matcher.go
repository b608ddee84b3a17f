package identity

import (
	"context"
	"fmt"

	"reservo/internal/model"
)

const candidateLimit = 25

type CustomerStore interface {
	FindCustomerCandidates(ctx context.Context, accountID int64, raw, normalized string, limit int) ([]model.Customer, error)
}

// Matcher finds the customer that owns a phone number.
type Matcher struct {
	store CustomerStore
}

func NewMatcher(store CustomerStore) *Matcher {
	return &Matcher{store: store}
}

// FindCustomerByPhone returns the newest customer whose stored phone normalizes to the same
// value as raw, or nil. The SQL search only narrows candidates.
func (m *Matcher) FindCustomerByPhone(ctx context.Context, accountID int64, raw string) (*model.Customer, error) {
	normalized := NormalizePhone(raw)
	if normalized == "" {
		return nil, nil
	}

	candidates, err := m.store.FindCustomerCandidates(ctx, accountID, raw, normalized, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("find customer candidates: %w", err)
	}
	for i := range candidates {
		if NormalizePhone(candidates[i].Phone) == normalized {
			c := candidates[i]
			return &c, nil
		}
	}
	return nil, nil
}
