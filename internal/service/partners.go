package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type PartnerRegistration struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

type Dashboard struct {
	Partner           dbconnector.Partner
	Counters          dbconnector.TrackingCounters
	PendingWithdrawal *dbconnector.WithdrawalRequest
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterPartner creates a partner account with a fresh referral code.
func (s *Service) RegisterPartner(ctx context.Context, in PartnerRegistration) (dbconnector.Partner, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return dbconnector.Partner{}, apperrors.ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return dbconnector.Partner{}, fmt.Errorf("hash password: %w", err)
	}
	partner := dbconnector.Partner{
		Email:        email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		IsActive:     true,
		Level:        dbconnector.LevelNovice,
	}
	// a concurrent registration can take the code between the check and the insert
	for attempt := 1; ; attempt++ {
		code, err := s.GenerateUniqueCode(ctx, DefaultCodeAttempts)
		if err != nil {
			return dbconnector.Partner{}, err
		}
		partner.ReferralCode = code
		err = s.storage.AddPartner(ctx, &partner)
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return dbconnector.Partner{}, fmt.Errorf("add partner: %w", err)
		}

		var existing dbconnector.Partner
		lookupErr := s.storage.GetPartnerByEmail(ctx, email, &existing)
		if lookupErr == nil {
			return dbconnector.Partner{}, apperrors.ErrEmailTaken
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return dbconnector.Partner{}, fmt.Errorf("find partner by email: %w", lookupErr)
		}
		if attempt >= DefaultCodeAttempts {
			return dbconnector.Partner{}, apperrors.ErrCodeGenerationExhausted
		}
		partner.ID = 0
		s.logger.Debug("referral code taken during registration", zap.String("code", code), zap.Int("attempt", attempt))
	}

	s.logger.Info("partner registered", zap.Uint("partner_id", partner.ID), zap.String("referral_code", partner.ReferralCode))
	return partner, nil
}

func (s *Service) LoginPartner(ctx context.Context, email, password string) (dbconnector.Partner, error) {
	var partner dbconnector.Partner
	if err := s.storage.GetPartnerByEmail(ctx, normalizeEmail(email), &partner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return partner, apperrors.ErrInvalidCredentials
		}
		return partner, fmt.Errorf("get partner by email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(partner.PasswordHash), []byte(password)); err != nil {
		return dbconnector.Partner{}, apperrors.ErrInvalidCredentials
	}
	if !partner.IsActive {
		return dbconnector.Partner{}, apperrors.ErrPartnerInactive
	}
	return partner, nil
}

func (s *Service) GetPartner(ctx context.Context, partnerID uint) (dbconnector.Partner, error) {
	var partner dbconnector.Partner
	if err := s.storage.GetPartnerByID(ctx, partnerID, &partner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return partner, apperrors.ErrPartnerNotFound
		}
		return partner, fmt.Errorf("get partner: %w", err)
	}
	return partner, nil
}

// Dashboard collects what a partner sees on login. The level is recomputed on every read.
func (s *Service) Dashboard(ctx context.Context, partnerID uint) (Dashboard, error) {
	partner, err := s.GetPartner(ctx, partnerID)
	if err != nil {
		return Dashboard{}, err
	}
	counters, err := s.storage.GetTrackingCounters(ctx, partnerID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("count referrals: %w", err)
	}
	level, err := s.refreshLevel(ctx, partner, counters)
	if err != nil {
		return Dashboard{}, err
	}
	partner.Level = level

	dashboard := Dashboard{Partner: partner, Counters: counters}
	pending, err := s.ListWithdrawals(ctx, dbconnector.WithdrawalFilter{
		PartnerID: partnerID,
		Status:    dbconnector.WithdrawalPending,
		Limit:     1,
	})
	if err != nil {
		return Dashboard{}, err
	}
	if len(pending) > 0 {
		dashboard.PendingWithdrawal = &pending[0]
	}
	return dashboard, nil
}

func (s *Service) SetPartnerActive(ctx context.Context, partnerID uint, active bool) error {
	if err := s.storage.SetPartnerActive(ctx, partnerID, active); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrPartnerNotFound
		}
		return fmt.Errorf("set partner active: %w", err)
	}
	s.logger.Info("partner activity changed", zap.Uint("partner_id", partnerID), zap.Bool("active", active))
	return nil
}

// EnsureAdmin creates the admin account if no admin with that email exists.
func (s *Service) EnsureAdmin(ctx context.Context, email, password, name string) (dbconnector.Admin, error) {
	var admin dbconnector.Admin
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return admin, apperrors.ErrInvalidInput
	}
	err := s.storage.GetAdminByEmail(ctx, email, &admin)
	if err == nil {
		return admin, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return admin, fmt.Errorf("get admin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return admin, fmt.Errorf("hash password: %w", err)
	}
	admin = dbconnector.Admin{Email: email, PasswordHash: string(hash), Name: name}
	if err := s.storage.AddAdmin(ctx, &admin); err != nil {
		return admin, fmt.Errorf("add admin: %w", err)
	}
	s.logger.Info("admin account created", zap.Uint("admin_id", admin.ID))
	return admin, nil
}

func (s *Service) LoginAdmin(ctx context.Context, email, password string) (dbconnector.Admin, error) {
	var admin dbconnector.Admin
	if err := s.storage.GetAdminByEmail(ctx, normalizeEmail(email), &admin); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return admin, apperrors.ErrInvalidCredentials
		}
		return admin, fmt.Errorf("get admin: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return dbconnector.Admin{}, apperrors.ErrInvalidCredentials
	}
	return admin, nil
}
