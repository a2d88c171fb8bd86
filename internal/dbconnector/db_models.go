package dbconnector

import (
	"time"

	"github.com/shopspring/decimal"
)

type Level string

const (
	LevelNovice       Level = "novice"
	LevelActive       Level = "active"
	LevelProfessional Level = "professional"
	LevelExpert       Level = "expert"
)

type TrackingStatus string

const (
	TrackingVisited    TrackingStatus = "visited"
	TrackingRegistered TrackingStatus = "registered"
	TrackingPurchased  TrackingStatus = "purchased"
)

type RewardType string

const (
	RewardVisit        RewardType = "visit"
	RewardRegistration RewardType = "registration"
	RewardPurchase     RewardType = "purchase"
	RewardManual       RewardType = "manual"
)

// RewardApproved is the only status the ledger ever writes.
const RewardApproved = "approved"

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

type Partner struct {
	ID              uint            `gorm:"primarykey"`
	Email           string          `gorm:"type:varchar(255);unique;not null"`
	PasswordHash    string          `gorm:"not null"`
	Name            string          `gorm:"type:varchar(255)"`
	Phone           string          `gorm:"type:varchar(64)"`
	ReferralCode    string          `gorm:"type:char(8);unique;not null"`
	TotalEarnings   decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	CurrentBalance  decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0;check:chk_partners_balance_non_negative,current_balance >= 0"`
	WithdrawnAmount decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	IsActive        bool            `gorm:"not null;default:true"`
	Level           Level           `gorm:"type:varchar(20);not null;default:'novice'"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReferralTracking links a visitor, and later a user, to the partner who referred them.
// A user can hold at most one registered/purchased row.
type ReferralTracking struct {
	ID               uint           `gorm:"primarykey"`
	PartnerID        uint           `gorm:"not null;index;index:idx_tracking_visit_dedup,priority:1"`
	UserID           *uint          `gorm:"index;index:idx_tracking_user_attribution,unique,where:status <> 'visited'"`
	VisitorIP        string         `gorm:"type:varchar(64);index:idx_tracking_visit_dedup,priority:2"`
	VisitorUserAgent string         `gorm:"type:varchar(1024);index:idx_tracking_visit_dedup,priority:3"`
	Status           TrackingStatus `gorm:"type:varchar(20);not null;default:'visited';index"`
	VisitedAt        *time.Time     `gorm:"index:idx_tracking_visit_dedup,priority:4"`
	RegisteredAt     *time.Time
	PurchasedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Partner Partner `gorm:"foreignKey:PartnerID"`
}

// RewardEntry is an immutable ledger line. Purchase entries are unique per enrollment.
type RewardEntry struct {
	ID           uint            `gorm:"primarykey"`
	PartnerID    uint            `gorm:"not null;index"`
	TrackingID   *uint           `gorm:"index"`
	UserID       *uint           `gorm:"index"`
	EnrollmentID *uint           `gorm:"index:idx_reward_purchase_enrollment,unique,where:reward_type = 'purchase'"`
	RewardType   RewardType      `gorm:"type:varchar(20);not null;index"`
	Amount       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Status       string          `gorm:"type:varchar(20);not null;default:'approved'"`
	Description  string          `gorm:"type:text"`
	CreatedAt    time.Time       `gorm:"index"`

	Partner  Partner           `gorm:"foreignKey:PartnerID"`
	Tracking *ReferralTracking `gorm:"foreignKey:TrackingID"`
}

type WithdrawalRequest struct {
	ID             uint             `gorm:"primarykey"`
	PartnerID      uint             `gorm:"not null;index;index:idx_withdrawal_one_pending,unique,where:status = 'pending'"`
	Amount         decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	PaymentDetails string           `gorm:"type:text;not null"`
	TelegramTag    *string          `gorm:"type:varchar(64)"`
	Status         WithdrawalStatus `gorm:"type:varchar(20);not null;default:'pending';index"`
	RequestedAt    time.Time        `gorm:"not null;index"`
	ProcessedAt    *time.Time
	ProcessedBy    *uint
	AdminNotes     string `gorm:"type:text"`
	PaidAt         *time.Time
	UpdatedAt      time.Time

	Partner Partner `gorm:"foreignKey:PartnerID"`
}

type Notification struct {
	ID           uint   `gorm:"primarykey"`
	PartnerID    uint   `gorm:"not null;index"`
	Type         string `gorm:"type:varchar(40);not null"`
	Title        string `gorm:"type:varchar(255);not null"`
	Message      string `gorm:"type:text"`
	IsRead       bool   `gorm:"not null;default:false;index"`
	TrackingID   *uint
	RewardID     *uint
	WithdrawalID *uint
	CreatedAt    time.Time `gorm:"index"`
}

type Admin struct {
	ID           uint   `gorm:"primarykey"`
	Email        string `gorm:"type:varchar(255);unique;not null"`
	PasswordHash string `gorm:"not null"`
	Name         string `gorm:"type:varchar(255)"`
	CreatedAt    time.Time
}

// BalanceDelta is applied to a partner row in a single UPDATE.
type BalanceDelta struct {
	Balance   decimal.Decimal
	Earnings  decimal.Decimal
	Withdrawn decimal.Decimal
}

type WithdrawalFilter struct {
	PartnerID uint
	Status    WithdrawalStatus
	Limit     int
}

// TrackingCounters is the per-status row count of one partner.
type TrackingCounters struct {
	Visited    int64
	Registered int64
	Purchased  int64
}

// Referrals counts users attributed to the partner.
func (c TrackingCounters) Referrals() int64 {
	return c.Registered + c.Purchased
}
