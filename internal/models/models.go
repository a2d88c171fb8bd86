package models

import (
	"time"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	"github.com/shopspring/decimal"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=255"`
	Phone    string `json:"phone" validate:"max=64"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type VisitResponse struct {
	Tracked        bool   `json:"tracked"`
	AlreadyTracked bool   `json:"already_tracked"`
	TrackingID     uint   `json:"tracking_id,omitempty"`
	Reward         string `json:"reward,omitempty"`
}

type RegistrationRequest struct {
	Code      string `json:"code" validate:"required"`
	UserID    uint   `json:"user_id" validate:"required"`
	IP        string `json:"ip" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent" validate:"max=1024"`
}

type RegistrationResponse struct {
	PartnerID         uint   `json:"partner_id,omitempty"`
	TrackingID        uint   `json:"tracking_id,omitempty"`
	AlreadyRegistered bool   `json:"already_registered"`
	Reward            string `json:"reward,omitempty"`
}

type PurchaseRequest struct {
	UserID       uint            `json:"user_id" validate:"required"`
	EnrollmentID uint            `json:"enrollment_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
}

type PurchaseResponse struct {
	Attributed bool   `json:"attributed"`
	Duplicate  bool   `json:"duplicate"`
	PartnerID  uint   `json:"partner_id,omitempty"`
	Reward     string `json:"reward,omitempty"`
}

type PartnerResponse struct {
	ID              uint      `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	ReferralCode    string    `json:"referral_code"`
	TotalEarnings   string    `json:"total_earnings"`
	CurrentBalance  string    `json:"current_balance"`
	WithdrawnAmount string    `json:"withdrawn_amount"`
	IsActive        bool      `json:"is_active"`
	Level           string    `json:"level"`
	CreatedAt       time.Time `json:"created_at"`
}

type CountersResponse struct {
	Visits     int64 `json:"visits"`
	Referrals  int64 `json:"referrals"`
	Registered int64 `json:"registered"`
	Purchased  int64 `json:"purchased"`
}

type DashboardResponse struct {
	Partner           PartnerResponse     `json:"partner"`
	Counters          CountersResponse    `json:"counters"`
	PendingWithdrawal *WithdrawalResponse `json:"pending_withdrawal,omitempty"`
}

type RewardResponse struct {
	ID           uint      `json:"id"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	Status       string    `json:"status"`
	Description  string    `json:"description,omitempty"`
	TrackingID   *uint     `json:"tracking_id,omitempty"`
	EnrollmentID *uint     `json:"enrollment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type WithdrawRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentDetails string          `json:"payment_details" validate:"max=2000"`
	TelegramTag    string          `json:"telegram_tag" validate:"max=64"`
}

type WithdrawalResponse struct {
	ID             uint       `json:"id"`
	PartnerID      uint       `json:"partner_id"`
	Amount         string     `json:"amount"`
	PaymentDetails string     `json:"payment_details"`
	TelegramTag    *string    `json:"telegram_tag,omitempty"`
	Status         string     `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	ProcessedBy    *uint      `json:"processed_by,omitempty"`
	AdminNotes     string     `json:"admin_notes,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

type RejectRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type AdjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"required,max=500"`
}

type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type NotificationResponse struct {
	ID           uint      `json:"id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	IsRead       bool      `json:"is_read"`
	TrackingID   *uint     `json:"tracking_id,omitempty"`
	RewardID     *uint     `json:"reward_id,omitempty"`
	WithdrawalID *uint     `json:"withdrawal_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewPartnerResponse(p dbconnector.Partner) PartnerResponse {
	return PartnerResponse{
		ID:              p.ID,
		Email:           p.Email,
		Name:            p.Name,
		Phone:           p.Phone,
		ReferralCode:    p.ReferralCode,
		TotalEarnings:   p.TotalEarnings.StringFixed(2),
		CurrentBalance:  p.CurrentBalance.StringFixed(2),
		WithdrawnAmount: p.WithdrawnAmount.StringFixed(2),
		IsActive:        p.IsActive,
		Level:           string(p.Level),
		CreatedAt:       p.CreatedAt,
	}
}

func NewRewardResponse(r dbconnector.RewardEntry) RewardResponse {
	return RewardResponse{
		ID:           r.ID,
		Type:         string(r.RewardType),
		Amount:       r.Amount.StringFixed(2),
		Status:       r.Status,
		Description:  r.Description,
		TrackingID:   r.TrackingID,
		EnrollmentID: r.EnrollmentID,
		CreatedAt:    r.CreatedAt,
	}
}

func NewWithdrawalResponse(w dbconnector.WithdrawalRequest) WithdrawalResponse {
	return WithdrawalResponse{
		ID:             w.ID,
		PartnerID:      w.PartnerID,
		Amount:         w.Amount.StringFixed(2),
		PaymentDetails: w.PaymentDetails,
		TelegramTag:    w.TelegramTag,
		Status:         string(w.Status),
		RequestedAt:    w.RequestedAt,
		ProcessedAt:    w.ProcessedAt,
		ProcessedBy:    w.ProcessedBy,
		AdminNotes:     w.AdminNotes,
		PaidAt:         w.PaidAt,
	}
}

func NewNotificationResponse(n dbconnector.Notification) NotificationResponse {
	return NotificationResponse{
		ID:           n.ID,
		Type:         n.Type,
		Title:        n.Title,
		Message:      n.Message,
		IsRead:       n.IsRead,
		TrackingID:   n.TrackingID,
		RewardID:     n.RewardID,
		WithdrawalID: n.WithdrawalID,
		CreatedAt:    n.CreatedAt,
	}
}
