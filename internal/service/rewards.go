package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fixed reward amounts. Purchases earn a share of the paid amount.
var (
	VisitReward        = decimal.RequireFromString("0.10")
	RegistrationReward = decimal.RequireFromString("0.50")
	PurchaseRewardRate = decimal.RequireFromString("0.10")
)

const DefaultListLimit = 50

type CreditRequest struct {
	PartnerID    uint
	Type         dbconnector.RewardType
	Amount       decimal.Decimal
	Description  string
	TrackingID   *uint
	UserID       *uint
	EnrollmentID *uint
}

// PurchaseReward is the partner share of a paid amount, rounded to cents.
func PurchaseReward(paid decimal.Decimal) decimal.Decimal {
	return paid.Mul(PurchaseRewardRate).Round(2)
}

// Credit writes a reward entry and moves the partner balance in one transaction.
// Only manual entries may carry a negative amount; those act as debits.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (dbconnector.RewardEntry, error) {
	var entry dbconnector.RewardEntry
	err := s.storage.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.credit(ctx, req)
		return err
	})
	if err != nil {
		return entry, err
	}
	s.rewardWritten(entry)

	if req.Type == dbconnector.RewardManual {
		s.Notify(ctx, balanceAdjustedNotification(entry))
	}
	return entry, nil
}

// Debit takes amount off current_balance without touching total_earnings.
func (s *Service) Debit(ctx context.Context, partnerID uint, amount decimal.Decimal, description string) (dbconnector.RewardEntry, error) {
	if !amount.IsPositive() {
		return dbconnector.RewardEntry{}, apperrors.ErrInvalidAmount
	}
	return s.Credit(ctx, CreditRequest{
		PartnerID:   partnerID,
		Type:        dbconnector.RewardManual,
		Amount:      amount.Neg(),
		Description: description,
	})
}

func (s *Service) ListRewards(ctx context.Context, partnerID uint, limit int) ([]dbconnector.RewardEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rewards []dbconnector.RewardEntry
	if err := s.storage.GetRewardsByPartnerID(ctx, partnerID, limit, &rewards); err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	return rewards, nil
}

// credit must run inside a transaction.
func (s *Service) credit(ctx context.Context, req CreditRequest) (dbconnector.RewardEntry, error) {
	amount := req.Amount.Round(2)
	if amount.IsZero() || (req.Type != dbconnector.RewardManual && amount.IsNegative()) {
		return dbconnector.RewardEntry{}, apperrors.ErrInvalidAmount
	}

	delta := dbconnector.BalanceDelta{Balance: amount}
	if amount.IsPositive() {
		delta.Earnings = amount
	}
	entry := dbconnector.RewardEntry{
		PartnerID:    req.PartnerID,
		TrackingID:   req.TrackingID,
		UserID:       req.UserID,
		EnrollmentID: req.EnrollmentID,
		RewardType:   req.Type,
		Amount:       amount,
		Status:       dbconnector.RewardApproved,
		Description:  req.Description,
	}
	if err := s.writeEntry(ctx, &entry, delta); err != nil {
		return dbconnector.RewardEntry{}, err
	}
	return entry, nil
}

// writeEntry applies the balance delta and stores the ledger line.
func (s *Service) writeEntry(ctx context.Context, entry *dbconnector.RewardEntry, delta dbconnector.BalanceDelta) error {
	if err := s.storage.ApplyBalanceDelta(ctx, entry.PartnerID, delta); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrPartnerNotFound
		}
		if errors.Is(err, apperrors.ErrInsufficientBalance) {
			return err
		}
		return fmt.Errorf("update partner balance: %w", err)
	}
	if err := s.storage.AddReward(ctx, entry); err != nil {
		return fmt.Errorf("add reward entry: %w", err)
	}
	return nil
}

func (s *Service) rewardWritten(entry dbconnector.RewardEntry) {
	amount := entry.Amount.InexactFloat64()
	s.metrics.RewardCredited(string(entry.RewardType), amount)
	s.logger.Info("reward entry written",
		zap.Uint("partner_id", entry.PartnerID),
		zap.Uint("reward_id", entry.ID),
		zap.String("type", string(entry.RewardType)),
		zap.String("amount", entry.Amount.StringFixed(2)),
	)
}
