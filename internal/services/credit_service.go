package services

import (
	"context"
	"fmt"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
)

// DefaultPrices is the credit cost per job type when config sets none.
var DefaultPrices = map[models.JobType]int{
	models.JobTypePhotography: 5,
	models.JobTypeFitting:     8,
	models.JobTypeAvatar:      10,
}

// CreditService provides methods for charging and compensating credits.
type CreditService struct {
	ledger store.CreditLedger
	prices map[models.JobType]int
}

// NewCreditService creates a CreditService. Missing prices fall back to
// DefaultPrices.
func NewCreditService(ledger store.CreditLedger, prices map[models.JobType]int) *CreditService {
	merged := make(map[models.JobType]int, len(DefaultPrices))
	for k, v := range DefaultPrices {
		merged[k] = v
	}
	for k, v := range prices {
		if v >= 0 {
			merged[k] = v
		}
	}
	return &CreditService{ledger: ledger, prices: merged}
}

// Price returns the credit cost of a job type.
func (s *CreditService) Price(jobType models.JobType) int { return s.prices[jobType] }

// Debit charges amount to ownerID for taskID. A short balance is reported as
// models.ErrInsufficientCredits.
func (s *CreditService) Debit(ctx context.Context, ownerID string, amount int, taskID uuid.UUID) error {
	if amount <= 0 {
		return nil
	}
	ok, err := s.ledger.Debit(ctx, ownerID, amount, "task", &taskID)
	if err != nil {
		return fmt.Errorf("failed to debit %d credits from %s: %w", amount, ownerID, err)
	}
	if !ok {
		return fmt.Errorf("owner %s needs %d credits: %w", ownerID, amount, models.ErrInsufficientCredits)
	}
	return nil
}

// Refund returns credits for taskID. It is idempotent per task and reports
// models.ErrAlreadyRefunded on a repeat.
func (s *CreditService) Refund(ctx context.Context, ownerID string, amount int, reason string, taskID uuid.UUID) error {
	ok, err := s.ledger.Refund(ctx, ownerID, amount, reason, taskID)
	if err != nil {
		return fmt.Errorf("failed to refund task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, models.ErrAlreadyRefunded)
	}
	return nil
}

// Grant adds credits to an owner's balance.
func (s *CreditService) Grant(ctx context.Context, ownerID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive: %w", models.ErrValidation)
	}
	if reason == "" {
		reason = "grant"
	}
	if err := s.ledger.Grant(ctx, ownerID, amount, reason); err != nil {
		return fmt.Errorf("failed to grant credits to %s: %w", ownerID, err)
	}
	return nil
}

// Balance returns the owner's current balance.
func (s *CreditService) Balance(ctx context.Context, ownerID string) (int, error) {
	b, err := s.ledger.Balance(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", ownerID, err)
	}
	return b, nil
}

// ListEntries retrieves a paginated list of ledger entries, newest first.
func (s *CreditService) ListEntries(ctx context.Context, ownerID string, limit, offset int) ([]*models.CreditEntry, error) {
	entries, err := s.ledger.ListEntries(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries from store: %w", err)
	}
	return entries, nil
}
