package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/outreach/internal/models"
)

// ErrNoSenderAvailable means every candidate account is inactive, unverified
// or out of quota. Callers defer the send; it is not a permanent failure.
var ErrNoSenderAvailable = errors.New("no sender available, all exhausted")

const (
	healthWeight      = 0.6
	utilizationWeight = 0.4
)

// AccountSource lists candidate sender accounts
type AccountSource interface {
	ListPool(ctx context.Context, campaignID string) ([]models.SenderAccount, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.SenderAccount, error)
}

// Selector picks the sending account for each email
type Selector struct {
	accounts AccountSource
}

// NewSelector creates a new selector
func NewSelector(accounts AccountSource) *Selector {
	return &Selector{accounts: accounts}
}

// SelectBestSender returns the highest scoring eligible account of the
// campaign's pool, or of all the owner's accounts when the pool is empty
func (s *Selector) SelectBestSender(ctx context.Context, ownerID, campaignID string) (*models.SenderAccount, error) {
	candidates, err := s.accounts.ListPool(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sender pool: %w", err)
	}
	if len(candidates) == 0 {
		candidates, err = s.accounts.ListByOwner(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sender accounts: %w", err)
		}
	}
	return Pick(candidates)
}

// Pick returns the eligible candidate with the highest score. Ties go to the
// earliest candidate in input order.
func Pick(candidates []models.SenderAccount) (*models.SenderAccount, error) {
	var best *models.SenderAccount
	var bestScore float64
	for i := range candidates {
		a := &candidates[i]
		if !Eligible(a) {
			continue
		}
		score := Score(a)
		if best == nil || score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil {
		return nil, ErrNoSenderAvailable
	}
	return best, nil
}

// Eligible reports whether the account may send now
func Eligible(a *models.SenderAccount) bool {
	limit := a.EffectiveLimit()
	return a.IsActive && a.IsVerified && limit > 0 && a.SendsToday < limit
}

// Score blends reputation and remaining quota:
// health*0.6 + (1 - sends_today/limit)*100*0.4
func Score(a *models.SenderAccount) float64 {
	limit := a.EffectiveLimit()
	if limit <= 0 {
		return 0
	}
	utilization := float64(a.SendsToday) / float64(limit)
	return a.HealthScore*healthWeight + (1-utilization)*100*utilizationWeight
}
