package service

import (
	"context"
	"time"

	"github.com/nailart-academy/referrals/internal/dbconnector"
)

// Storage is the ledger store. Calls made with the context passed into
// InTransaction's callback run inside that transaction.
type Storage interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	GetPartnerByID(ctx context.Context, partnerID uint, partner *dbconnector.Partner) error
	GetPartnerByIDForUpdate(ctx context.Context, partnerID uint, partner *dbconnector.Partner) error
	GetPartnerByCode(ctx context.Context, code string, partner *dbconnector.Partner) error
	GetPartnerByEmail(ctx context.Context, email string, partner *dbconnector.Partner) error
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	AddPartner(ctx context.Context, partner *dbconnector.Partner) error
	SetPartnerActive(ctx context.Context, partnerID uint, active bool) error
	SetPartnerLevel(ctx context.Context, partnerID uint, level dbconnector.Level) error
	ApplyBalanceDelta(ctx context.Context, partnerID uint, delta dbconnector.BalanceDelta) error

	FindRecentVisit(ctx context.Context, partnerID uint, ip, userAgent string, since time.Time, tracking *dbconnector.ReferralTracking) error
	FindUnlinkedVisit(ctx context.Context, partnerID uint, ip, userAgent string, tracking *dbconnector.ReferralTracking) error
	FindAttributionByUser(ctx context.Context, userID uint, tracking *dbconnector.ReferralTracking) error
	AddTracking(ctx context.Context, tracking *dbconnector.ReferralTracking) error
	UpdateTracking(ctx context.Context, tracking *dbconnector.ReferralTracking) error
	GetTrackingCounters(ctx context.Context, partnerID uint) (dbconnector.TrackingCounters, error)

	AddReward(ctx context.Context, reward *dbconnector.RewardEntry) error
	PurchaseRewardExists(ctx context.Context, enrollmentID uint) (bool, error)
	GetRewardsByPartnerID(ctx context.Context, partnerID uint, limit int, rewards *[]dbconnector.RewardEntry) error

	AddWithdrawal(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest) error
	GetWithdrawalByID(ctx context.Context, withdrawalID uint, withdrawal *dbconnector.WithdrawalRequest) error
	GetWithdrawalByIDForUpdate(ctx context.Context, withdrawalID uint, withdrawal *dbconnector.WithdrawalRequest) error
	UpdateWithdrawal(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest) error
	HasPendingWithdrawal(ctx context.Context, partnerID uint) (bool, error)
	GetWithdrawals(ctx context.Context, filter dbconnector.WithdrawalFilter, withdrawals *[]dbconnector.WithdrawalRequest) error

	AddNotification(ctx context.Context, notification *dbconnector.Notification) error
	GetNotifications(ctx context.Context, partnerID uint, unreadOnly bool, limit int, notifications *[]dbconnector.Notification) error
	MarkNotificationRead(ctx context.Context, partnerID, notificationID uint) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, partnerID uint) error

	GetAdminByEmail(ctx context.Context, email string, admin *dbconnector.Admin) error
	AddAdmin(ctx context.Context, admin *dbconnector.Admin) error
}

// VisitGuard is an optional fast-path dedup for repeat visits.
// Acquire reports false when the same client was already seen in the window.
// ExpireAt pins the mark to the end of the window of a visit already on record.
type VisitGuard interface {
	Acquire(ctx context.Context, partnerID uint, ip, userAgent string, window time.Duration) (bool, error)
	ExpireAt(ctx context.Context, partnerID uint, ip, userAgent string, at time.Time) error
	Release(ctx context.Context, partnerID uint, ip, userAgent string) error
}
