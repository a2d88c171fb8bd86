package dbconnector

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type DBConnector struct {
	DB *gorm.DB
}

type txKey struct{}

func OpenDBConnect(dsn string, logger *zap.Logger) (*DBConnector, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	return &DBConnector{DB: db}, err
}

func (dbConnector *DBConnector) DBInitialize() error {
	return dbConnector.DB.AutoMigrate(&Partner{}, &ReferralTracking{}, &RewardEntry{}, &WithdrawalRequest{}, &Notification{}, &Admin{})
}

// conn returns the transaction bound to ctx, if any, otherwise the pool.
func (dbConnector *DBConnector) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return dbConnector.DB.WithContext(ctx)
}

// InTransaction runs fn inside one database transaction. Every storage call made
// with the context handed to fn joins that transaction. Nested calls reuse it.
func (dbConnector *DBConnector) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// forUpdate adds a row lock when running inside a transaction.
func (dbConnector *DBConnector) forUpdate(ctx context.Context) *gorm.DB {
	db := dbConnector.conn(ctx)
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// partners

func (dbConnector *DBConnector) GetPartnerByID(ctx context.Context, partnerID uint, partner *Partner) error {
	return dbConnector.conn(ctx).First(partner, partnerID).Error
}

func (dbConnector *DBConnector) GetPartnerByIDForUpdate(ctx context.Context, partnerID uint, partner *Partner) error {
	return dbConnector.forUpdate(ctx).First(partner, partnerID).Error
}

func (dbConnector *DBConnector) GetPartnerByCode(ctx context.Context, code string, partner *Partner) error {
	return dbConnector.conn(ctx).Where("referral_code = ?", code).First(partner).Error
}

func (dbConnector *DBConnector) GetPartnerByEmail(ctx context.Context, email string, partner *Partner) error {
	return dbConnector.conn(ctx).Where("email = ?", email).First(partner).Error
}

func (dbConnector *DBConnector) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := dbConnector.conn(ctx).Model(&Partner{}).Where("referral_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (dbConnector *DBConnector) AddPartner(ctx context.Context, partner *Partner) error {
	return dbConnector.conn(ctx).Create(partner).Error
}

func (dbConnector *DBConnector) SetPartnerActive(ctx context.Context, partnerID uint, active bool) error {
	result := dbConnector.conn(ctx).Model(&Partner{}).Where("id = ?", partnerID).Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (dbConnector *DBConnector) SetPartnerLevel(ctx context.Context, partnerID uint, level Level) error {
	return dbConnector.conn(ctx).Model(&Partner{}).Where("id = ?", partnerID).Update("level", level).Error
}

// ApplyBalanceDelta changes the partner balances in one statement. The update is
// refused with ErrInsufficientBalance when current_balance would drop below zero.
func (dbConnector *DBConnector) ApplyBalanceDelta(ctx context.Context, partnerID uint, delta BalanceDelta) error {
	result := dbConnector.conn(ctx).Model(&Partner{}).
		Where("id = ? AND current_balance + ? >= 0", partnerID, delta.Balance).
		Updates(map[string]interface{}{
			"current_balance":  gorm.Expr("current_balance + ?", delta.Balance),
			"total_earnings":   gorm.Expr("total_earnings + ?", delta.Earnings),
			"withdrawn_amount": gorm.Expr("withdrawn_amount + ?", delta.Withdrawn),
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := dbConnector.conn(ctx).Model(&Partner{}).Where("id = ?", partnerID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return apperrors.ErrInsufficientBalance
}

// tracking

func (dbConnector *DBConnector) FindRecentVisit(ctx context.Context, partnerID uint, ip, userAgent string, since time.Time, tracking *ReferralTracking) error {
	return dbConnector.conn(ctx).
		Where("partner_id = ? AND visitor_ip = ? AND visitor_user_agent = ? AND visited_at > ?", partnerID, ip, userAgent, since).
		Order("visited_at DESC").
		First(tracking).Error
}

// FindUnlinkedVisit picks the latest visited row without a user, preferring one
// from the same client when ip is given.
func (dbConnector *DBConnector) FindUnlinkedVisit(ctx context.Context, partnerID uint, ip, userAgent string, tracking *ReferralTracking) error {
	base := func() *gorm.DB {
		return dbConnector.forUpdate(ctx).
			Where("partner_id = ? AND user_id IS NULL AND status = ?", partnerID, TrackingVisited).
			Order("visited_at DESC, id DESC")
	}
	if ip != "" {
		err := base().Where("visitor_ip = ? AND visitor_user_agent = ?", ip, userAgent).First(tracking).Error
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return base().First(tracking).Error
}

func (dbConnector *DBConnector) FindAttributionByUser(ctx context.Context, userID uint, tracking *ReferralTracking) error {
	return dbConnector.forUpdate(ctx).
		Where("user_id = ? AND status IN ?", userID, []TrackingStatus{TrackingRegistered, TrackingPurchased}).
		Order("registered_at DESC, id DESC").
		First(tracking).Error
}

func (dbConnector *DBConnector) AddTracking(ctx context.Context, tracking *ReferralTracking) error {
	return dbConnector.conn(ctx).Omit("Partner").Create(tracking).Error
}

func (dbConnector *DBConnector) UpdateTracking(ctx context.Context, tracking *ReferralTracking) error {
	return dbConnector.conn(ctx).Omit("Partner").Save(tracking).Error
}

func (dbConnector *DBConnector) GetTrackingCounters(ctx context.Context, partnerID uint) (TrackingCounters, error) {
	var rows []struct {
		Status TrackingStatus
		Total  int64
	}
	var counters TrackingCounters
	err := dbConnector.conn(ctx).Model(&ReferralTracking{}).
		Select("status, COUNT(*) AS total").
		Where("partner_id = ?", partnerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return counters, err
	}
	for _, row := range rows {
		switch row.Status {
		case TrackingVisited:
			counters.Visited = row.Total
		case TrackingRegistered:
			counters.Registered = row.Total
		case TrackingPurchased:
			counters.Purchased = row.Total
		}
	}
	return counters, nil
}

// rewards

func (dbConnector *DBConnector) AddReward(ctx context.Context, reward *RewardEntry) error {
	return dbConnector.conn(ctx).Omit("Partner", "Tracking").Create(reward).Error
}

func (dbConnector *DBConnector) PurchaseRewardExists(ctx context.Context, enrollmentID uint) (bool, error) {
	var count int64
	err := dbConnector.conn(ctx).Model(&RewardEntry{}).
		Where("enrollment_id = ? AND reward_type = ?", enrollmentID, RewardPurchase).
		Count(&count).Error
	return count > 0, err
}

func (dbConnector *DBConnector) GetRewardsByPartnerID(ctx context.Context, partnerID uint, limit int, rewards *[]RewardEntry) error {
	return dbConnector.conn(ctx).
		Where("partner_id = ?", partnerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(rewards).Error
}

// withdrawals

func (dbConnector *DBConnector) AddWithdrawal(ctx context.Context, withdrawal *WithdrawalRequest) error {
	return dbConnector.conn(ctx).Omit("Partner").Create(withdrawal).Error
}

func (dbConnector *DBConnector) GetWithdrawalByID(ctx context.Context, withdrawalID uint, withdrawal *WithdrawalRequest) error {
	return dbConnector.conn(ctx).First(withdrawal, withdrawalID).Error
}

func (dbConnector *DBConnector) GetWithdrawalByIDForUpdate(ctx context.Context, withdrawalID uint, withdrawal *WithdrawalRequest) error {
	return dbConnector.forUpdate(ctx).First(withdrawal, withdrawalID).Error
}

func (dbConnector *DBConnector) UpdateWithdrawal(ctx context.Context, withdrawal *WithdrawalRequest) error {
	return dbConnector.conn(ctx).Omit("Partner").Save(withdrawal).Error
}

func (dbConnector *DBConnector) HasPendingWithdrawal(ctx context.Context, partnerID uint) (bool, error) {
	var count int64
	err := dbConnector.conn(ctx).Model(&WithdrawalRequest{}).
		Where("partner_id = ? AND status = ?", partnerID, WithdrawalPending).
		Count(&count).Error
	return count > 0, err
}

func (dbConnector *DBConnector) GetWithdrawals(ctx context.Context, filter WithdrawalFilter, withdrawals *[]WithdrawalRequest) error {
	query := dbConnector.conn(ctx).Order("requested_at DESC, id DESC")
	if filter.PartnerID != 0 {
		query = query.Where("partner_id = ?", filter.PartnerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query.Find(withdrawals).Error
}

// notifications

func (dbConnector *DBConnector) AddNotification(ctx context.Context, notification *Notification) error {
	return dbConnector.conn(ctx).Create(notification).Error
}

func (dbConnector *DBConnector) GetNotifications(ctx context.Context, partnerID uint, unreadOnly bool, limit int, notifications *[]Notification) error {
	query := dbConnector.conn(ctx).Where("partner_id = ?", partnerID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	return query.Order("is_read ASC, created_at DESC, id DESC").Limit(limit).Find(notifications).Error
}

func (dbConnector *DBConnector) MarkNotificationRead(ctx context.Context, partnerID, notificationID uint) (bool, error) {
	result := dbConnector.conn(ctx).Model(&Notification{}).
		Where("id = ? AND partner_id = ?", notificationID, partnerID).
		Update("is_read", true)
	return result.RowsAffected > 0, result.Error
}

func (dbConnector *DBConnector) MarkAllNotificationsRead(ctx context.Context, partnerID uint) error {
	return dbConnector.conn(ctx).Model(&Notification{}).
		Where("partner_id = ? AND is_read = ?", partnerID, false).
		Update("is_read", true).Error
}

// admins

func (dbConnector *DBConnector) GetAdminByEmail(ctx context.Context, email string, admin *Admin) error {
	return dbConnector.conn(ctx).Where("email = ?", email).First(admin).Error
}

func (dbConnector *DBConnector) AddAdmin(ctx context.Context, admin *Admin) error {
	return dbConnector.conn(ctx).Create(admin).Error
}

// DeleteAllData wipes every table, used by the integration tests.
func (dbConnector *DBConnector) DeleteAllData(ctx context.Context) error {
	return dbConnector.DB.WithContext(ctx).Exec(
		"TRUNCATE notifications, reward_entries, withdrawal_requests, referral_trackings, partners, admins RESTART IDENTITY CASCADE",
	).Error
}

func (dbConnector *DBConnector) Close() error {
	sqlDB, err := dbConnector.DB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
