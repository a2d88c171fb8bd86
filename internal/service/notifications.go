package service

import (
	"context"
	"fmt"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"go.uber.org/zap"
)

const (
	NotificationNewReferral         = "new_referral"
	NotificationPurchaseReward      = "purchase_reward"
	NotificationWithdrawalRequested = "withdrawal_requested"
	NotificationWithdrawalApproved  = "withdrawal_approved"
	NotificationWithdrawalRejected  = "withdrawal_rejected"
	NotificationWithdrawalPaid      = "withdrawal_paid"
	NotificationLevelChanged        = "level_changed"
	NotificationBalanceAdjusted     = "balance_adjusted"
)

// Notify stores a feed entry for a partner. It never fails the caller:
// store errors are logged and dropped.
func (s *Service) Notify(ctx context.Context, notification dbconnector.Notification) {
	if err := s.storage.AddNotification(ctx, &notification); err != nil {
		s.metrics.NotificationFailed()
		s.logger.Warn("failed to store notification",
			zap.Uint("partner_id", notification.PartnerID),
			zap.String("type", notification.Type),
			zap.Error(err),
		)
	}
}

func (s *Service) ListNotifications(ctx context.Context, partnerID uint, unreadOnly bool, limit int) ([]dbconnector.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var notifications []dbconnector.Notification
	if err := s.storage.GetNotifications(ctx, partnerID, unreadOnly, limit, &notifications); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, partnerID, notificationID uint) error {
	found, err := s.storage.MarkNotificationRead(ctx, partnerID, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !found {
		return apperrors.ErrNotificationNotFound
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, partnerID uint) error {
	if err := s.storage.MarkAllNotificationsRead(ctx, partnerID); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func newReferralNotification(reward dbconnector.RewardEntry) dbconnector.Notification {
	return dbconnector.Notification{
		PartnerID:  reward.PartnerID,
		Type:       NotificationNewReferral,
		Title:      "New referral",
		Message:    fmt.Sprintf("A new user registered with your referral code. You earned %s.", reward.Amount.StringFixed(2)),
		TrackingID: reward.TrackingID,
		RewardID:   uintPtr(reward.ID),
	}
}

func purchaseRewardNotification(reward dbconnector.RewardEntry) dbconnector.Notification {
	return dbconnector.Notification{
		PartnerID:  reward.PartnerID,
		Type:       NotificationPurchaseReward,
		Title:      "Purchase reward",
		Message:    fmt.Sprintf("Your referral bought a course. You earned %s.", reward.Amount.StringFixed(2)),
		TrackingID: reward.TrackingID,
		RewardID:   uintPtr(reward.ID),
	}
}

func balanceAdjustedNotification(reward dbconnector.RewardEntry) dbconnector.Notification {
	message := fmt.Sprintf("Your balance was adjusted by %s.", reward.Amount.StringFixed(2))
	if reward.Description != "" {
		message = fmt.Sprintf("%s Reason: %s", message, reward.Description)
	}
	return dbconnector.Notification{
		PartnerID: reward.PartnerID,
		Type:      NotificationBalanceAdjusted,
		Title:     "Balance adjusted",
		Message:   message,
		RewardID:  uintPtr(reward.ID),
	}
}

func withdrawalNotification(withdrawal dbconnector.WithdrawalRequest) dbconnector.Notification {
	notification := dbconnector.Notification{
		PartnerID:    withdrawal.PartnerID,
		WithdrawalID: uintPtr(withdrawal.ID),
	}
	amount := withdrawal.Amount.StringFixed(2)
	switch withdrawal.Status {
	case dbconnector.WithdrawalPending:
		notification.Type = NotificationWithdrawalRequested
		notification.Title = "Withdrawal requested"
		notification.Message = fmt.Sprintf("Your withdrawal request for %s is waiting for review.", amount)
	case dbconnector.WithdrawalApproved:
		notification.Type = NotificationWithdrawalApproved
		notification.Title = "Withdrawal approved"
		notification.Message = fmt.Sprintf("Your withdrawal request for %s was approved.", amount)
	case dbconnector.WithdrawalRejected:
		notification.Type = NotificationWithdrawalRejected
		notification.Title = "Withdrawal rejected"
		notification.Message = fmt.Sprintf("Your withdrawal request for %s was rejected.", amount)
		if withdrawal.AdminNotes != "" {
			notification.Message = fmt.Sprintf("%s Reason: %s", notification.Message, withdrawal.AdminNotes)
		}
	case dbconnector.WithdrawalPaid:
		notification.Type = NotificationWithdrawalPaid
		notification.Title = "Withdrawal paid"
		notification.Message = fmt.Sprintf("%s was sent to your payment details.", amount)
	}
	return notification
}

func levelChangedNotification(partnerID uint, from, to dbconnector.Level) dbconnector.Notification {
	return dbconnector.Notification{
		PartnerID: partnerID,
		Type:      NotificationLevelChanged,
		Title:     "Level changed",
		Message:   fmt.Sprintf("Your partner level changed from %s to %s.", from, to),
	}
}
