package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WithdrawalInput struct {
	PartnerID      uint
	Amount         decimal.Decimal
	PaymentDetails string
	TelegramTag    string
}

// allowedTransitions lists, per target status, the status a request must be in.
// paid requires approved; pending cannot be paid directly.
var allowedTransitions = map[dbconnector.WithdrawalStatus]dbconnector.WithdrawalStatus{
	dbconnector.WithdrawalApproved: dbconnector.WithdrawalPending,
	dbconnector.WithdrawalRejected: dbconnector.WithdrawalPending,
	dbconnector.WithdrawalPaid:     dbconnector.WithdrawalApproved,
}

func CanTransition(from, to dbconnector.WithdrawalStatus) bool {
	required, ok := allowedTransitions[to]
	return ok && required == from
}

// CreateWithdrawal opens a pending payout request. The balance is not held;
// it is debited only when the request is paid.
func (s *Service) CreateWithdrawal(ctx context.Context, in WithdrawalInput) (dbconnector.WithdrawalRequest, error) {
	var withdrawal dbconnector.WithdrawalRequest

	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return withdrawal, apperrors.ErrInvalidAmount
	}
	details := strings.TrimSpace(in.PaymentDetails)
	if details == "" {
		return withdrawal, apperrors.ErrMissingPaymentDetails
	}
	var telegramTag *string
	if tag := strings.TrimSpace(in.TelegramTag); tag != "" {
		telegramTag = &tag
	}

	err := s.storage.InTransaction(ctx, func(ctx context.Context) error {
		var partner dbconnector.Partner
		if err := s.storage.GetPartnerByIDForUpdate(ctx, in.PartnerID, &partner); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrPartnerNotFound
			}
			return fmt.Errorf("lock partner: %w", err)
		}
		if !partner.IsActive {
			return apperrors.ErrPartnerInactive
		}

		pending, err := s.storage.HasPendingWithdrawal(ctx, partner.ID)
		if err != nil {
			return fmt.Errorf("check pending withdrawal: %w", err)
		}
		if pending {
			return apperrors.ErrDuplicatePendingRequest
		}
		if amount.GreaterThan(partner.CurrentBalance) {
			return apperrors.ErrInsufficientBalance
		}

		withdrawal = dbconnector.WithdrawalRequest{
			PartnerID:      partner.ID,
			Amount:         amount,
			PaymentDetails: details,
			TelegramTag:    telegramTag,
			Status:         dbconnector.WithdrawalPending,
			RequestedAt:    s.clock(),
		}
		if err := s.storage.AddWithdrawal(ctx, &withdrawal); err != nil {
			return fmt.Errorf("add withdrawal: %w", err)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return dbconnector.WithdrawalRequest{}, apperrors.ErrDuplicatePendingRequest
	}
	if err != nil {
		return dbconnector.WithdrawalRequest{}, err
	}

	s.metrics.WithdrawalTransition(string(dbconnector.WithdrawalPending))
	s.logger.Info("withdrawal requested",
		zap.Uint("partner_id", withdrawal.PartnerID),
		zap.Uint("withdrawal_id", withdrawal.ID),
		zap.String("amount", withdrawal.Amount.StringFixed(2)),
	)
	s.Notify(ctx, withdrawalNotification(withdrawal))
	return withdrawal, nil
}

func (s *Service) Approve(ctx context.Context, withdrawalID, adminID uint) (dbconnector.WithdrawalRequest, error) {
	return s.transition(ctx, withdrawalID, adminID, dbconnector.WithdrawalApproved, nil)
}

func (s *Service) Reject(ctx context.Context, withdrawalID, adminID uint, notes string) (dbconnector.WithdrawalRequest, error) {
	return s.transition(ctx, withdrawalID, adminID, dbconnector.WithdrawalRejected,
		func(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest, now time.Time) error {
			withdrawal.AdminNotes = strings.TrimSpace(notes)
			return nil
		})
}

// MarkPaid debits the partner by the request amount and records the payout.
func (s *Service) MarkPaid(ctx context.Context, withdrawalID, adminID uint) (dbconnector.WithdrawalRequest, error) {
	var entry dbconnector.RewardEntry
	withdrawal, err := s.transition(ctx, withdrawalID, adminID, dbconnector.WithdrawalPaid,
		func(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest, now time.Time) error {
			entry = dbconnector.RewardEntry{
				PartnerID:   withdrawal.PartnerID,
				RewardType:  dbconnector.RewardManual,
				Amount:      withdrawal.Amount.Neg(),
				Status:      dbconnector.RewardApproved,
				Description: fmt.Sprintf("Payout of withdrawal request #%d", withdrawal.ID),
			}
			delta := dbconnector.BalanceDelta{
				Balance:   withdrawal.Amount.Neg(),
				Withdrawn: withdrawal.Amount,
			}
			if err := s.writeEntry(ctx, &entry, delta); err != nil {
				return err
			}
			withdrawal.PaidAt = timePtr(now)
			return nil
		})
	if err != nil {
		return withdrawal, err
	}
	s.rewardWritten(entry)
	return withdrawal, nil
}

// transition moves a request into status `to` under a row lock. apply runs in the
// same transaction before the request is saved.
func (s *Service) transition(
	ctx context.Context,
	withdrawalID, adminID uint,
	to dbconnector.WithdrawalStatus,
	apply func(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest, now time.Time) error,
) (dbconnector.WithdrawalRequest, error) {
	var withdrawal dbconnector.WithdrawalRequest
	now := s.clock()
	err := s.storage.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.storage.GetWithdrawalByIDForUpdate(ctx, withdrawalID, &withdrawal); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrRequestNotFound
			}
			return fmt.Errorf("get withdrawal: %w", err)
		}
		if !CanTransition(withdrawal.Status, to) {
			return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, withdrawal.Status, to)
		}
		if apply != nil {
			if err := apply(ctx, &withdrawal, now); err != nil {
				return err
			}
		}
		withdrawal.Status = to
		withdrawal.ProcessedAt = timePtr(now)
		withdrawal.ProcessedBy = uintPtr(adminID)
		if err := s.storage.UpdateWithdrawal(ctx, &withdrawal); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		return dbconnector.WithdrawalRequest{}, err
	}

	s.metrics.WithdrawalTransition(string(to))
	s.logger.Info("withdrawal processed",
		zap.Uint("withdrawal_id", withdrawal.ID),
		zap.Uint("partner_id", withdrawal.PartnerID),
		zap.Uint("admin_id", adminID),
		zap.String("status", string(to)),
	)
	s.Notify(ctx, withdrawalNotification(withdrawal))
	return withdrawal, nil
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID uint) (dbconnector.WithdrawalRequest, error) {
	var withdrawal dbconnector.WithdrawalRequest
	if err := s.storage.GetWithdrawalByID(ctx, withdrawalID, &withdrawal); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return withdrawal, apperrors.ErrRequestNotFound
		}
		return withdrawal, fmt.Errorf("get withdrawal: %w", err)
	}
	return withdrawal, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, filter dbconnector.WithdrawalFilter) ([]dbconnector.WithdrawalRequest, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	var withdrawals []dbconnector.WithdrawalRequest
	if err := s.storage.GetWithdrawals(ctx, filter, &withdrawals); err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	return withdrawals, nil
}
