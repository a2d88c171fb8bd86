package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VisitDedupWindow is how long a repeat visit from the same client is ignored.
const VisitDedupWindow = 24 * time.Hour

type VisitResult struct {
	PartnerID      uint
	TrackingID     uint
	AlreadyTracked bool
	Reward         *dbconnector.RewardEntry
}

type RegistrationInput struct {
	Code      string
	UserID    uint
	IP        string
	UserAgent string
}

type RegistrationResult struct {
	PartnerID         uint
	TrackingID        uint
	AlreadyRegistered bool
	Reward            *dbconnector.RewardEntry
}

type PurchaseInput struct {
	UserID       uint
	EnrollmentID uint
	Amount       decimal.Decimal
}

type PurchaseResult struct {
	Attributed bool
	Duplicate  bool
	PartnerID  uint
	TrackingID uint
	Reward     *dbconnector.RewardEntry
}

// resolvePartner maps a referral code to an active partner.
func (s *Service) resolvePartner(ctx context.Context, code string) (dbconnector.Partner, error) {
	var partner dbconnector.Partner
	if !ValidateCodeFormat(code) {
		return partner, apperrors.ErrInvalidCode
	}
	if err := s.storage.GetPartnerByCode(ctx, code, &partner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return partner, apperrors.ErrCodeNotFound
		}
		return partner, fmt.Errorf("get partner by code: %w", err)
	}
	if !partner.IsActive {
		return partner, apperrors.ErrPartnerInactive
	}
	return partner, nil
}

// lockActivePartner re-reads the partner under a row lock so that concurrent
// tracking calls for one partner are serialized.
func (s *Service) lockActivePartner(ctx context.Context, partnerID uint) error {
	var partner dbconnector.Partner
	if err := s.storage.GetPartnerByIDForUpdate(ctx, partnerID, &partner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrCodeNotFound
		}
		return fmt.Errorf("lock partner: %w", err)
	}
	if !partner.IsActive {
		return apperrors.ErrPartnerInactive
	}
	return nil
}

// TrackVisit records a visit through a referral link and credits the visit reward.
// Repeats from the same ip and user agent inside VisitDedupWindow are no-ops.
func (s *Service) TrackVisit(ctx context.Context, code, ip, userAgent string) (VisitResult, error) {
	partner, err := s.resolvePartner(ctx, code)
	if err != nil {
		return VisitResult{}, err
	}
	result := VisitResult{PartnerID: partner.ID}

	guarded := false
	if s.guard != nil {
		fresh, err := s.guard.Acquire(ctx, partner.ID, ip, userAgent, VisitDedupWindow)
		switch {
		case err != nil:
			s.logger.Warn("visit guard unavailable, falling back to database", zap.Error(err))
		case !fresh:
			result.AlreadyTracked = true
			s.metrics.Visit("duplicate")
			return result, nil
		default:
			guarded = true
		}
	}

	now := s.clock()
	var recordedAt time.Time
	err = s.storage.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.lockActivePartner(ctx, partner.ID); err != nil {
			return err
		}

		var existing dbconnector.ReferralTracking
		err := s.storage.FindRecentVisit(ctx, partner.ID, ip, userAgent, now.Add(-VisitDedupWindow), &existing)
		if err == nil {
			result.AlreadyTracked = true
			result.TrackingID = existing.ID
			recordedAt = now
			if existing.VisitedAt != nil {
				recordedAt = *existing.VisitedAt
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find recent visit: %w", err)
		}

		tracking := dbconnector.ReferralTracking{
			PartnerID:        partner.ID,
			VisitorIP:        ip,
			VisitorUserAgent: userAgent,
			Status:           dbconnector.TrackingVisited,
			VisitedAt:        timePtr(now),
		}
		if err := s.storage.AddTracking(ctx, &tracking); err != nil {
			return fmt.Errorf("add visit: %w", err)
		}
		result.TrackingID = tracking.ID

		reward, err := s.credit(ctx, CreditRequest{
			PartnerID:   partner.ID,
			Type:        dbconnector.RewardVisit,
			Amount:      VisitReward,
			Description: "Referral link visit",
			TrackingID:  uintPtr(tracking.ID),
		})
		if err != nil {
			return err
		}
		result.Reward = &reward
		return nil
	})
	if err != nil {
		if guarded {
			if releaseErr := s.guard.Release(ctx, partner.ID, ip, userAgent); releaseErr != nil {
				s.logger.Warn("release visit guard", zap.Error(releaseErr))
			}
		}
		return VisitResult{}, err
	}

	if result.AlreadyTracked {
		if guarded {
			// the mark must lapse with the recorded visit, not 24h from now
			if err := s.guard.ExpireAt(ctx, partner.ID, ip, userAgent, recordedAt.Add(VisitDedupWindow)); err != nil {
				s.logger.Warn("align visit guard expiry", zap.Error(err))
			}
		}
		s.metrics.Visit("duplicate")
		return result, nil
	}
	s.metrics.Visit("new")
	s.rewardWritten(*result.Reward)
	return result, nil
}

// TrackRegistration attributes a freshly registered user to the partner behind code.
// The first attribution of a user is permanent; later calls report AlreadyRegistered.
func (s *Service) TrackRegistration(ctx context.Context, in RegistrationInput) (RegistrationResult, error) {
	if in.UserID == 0 {
		return RegistrationResult{}, apperrors.ErrInvalidInput
	}
	partner, err := s.resolvePartner(ctx, in.Code)
	if err != nil {
		return RegistrationResult{}, err
	}
	result := RegistrationResult{PartnerID: partner.ID}

	now := s.clock()
	err = s.storage.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.lockActivePartner(ctx, partner.ID); err != nil {
			return err
		}

		var existing dbconnector.ReferralTracking
		err := s.storage.FindAttributionByUser(ctx, in.UserID, &existing)
		if err == nil {
			result.AlreadyRegistered = true
			result.PartnerID = existing.PartnerID
			result.TrackingID = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find attribution: %w", err)
		}

		var tracking dbconnector.ReferralTracking
		err = s.storage.FindUnlinkedVisit(ctx, partner.ID, in.IP, in.UserAgent, &tracking)
		switch {
		case err == nil:
			tracking.UserID = uintPtr(in.UserID)
			tracking.Status = dbconnector.TrackingRegistered
			tracking.RegisteredAt = timePtr(now)
			if err := s.storage.UpdateTracking(ctx, &tracking); err != nil {
				return fmt.Errorf("claim visit: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			tracking = dbconnector.ReferralTracking{
				PartnerID:        partner.ID,
				UserID:           uintPtr(in.UserID),
				VisitorIP:        in.IP,
				VisitorUserAgent: in.UserAgent,
				Status:           dbconnector.TrackingRegistered,
				RegisteredAt:     timePtr(now),
			}
			if err := s.storage.AddTracking(ctx, &tracking); err != nil {
				return fmt.Errorf("add registration: %w", err)
			}
		default:
			return fmt.Errorf("find unlinked visit: %w", err)
		}
		result.TrackingID = tracking.ID

		reward, err := s.credit(ctx, CreditRequest{
			PartnerID:   partner.ID,
			Type:        dbconnector.RewardRegistration,
			Amount:      RegistrationReward,
			Description: fmt.Sprintf("Registration of user #%d", in.UserID),
			TrackingID:  uintPtr(tracking.ID),
			UserID:      uintPtr(in.UserID),
		})
		if err != nil {
			return err
		}
		result.Reward = &reward
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the race against another attribution of the same user
		var winner dbconnector.ReferralTracking
		if err := s.storage.FindAttributionByUser(ctx, in.UserID, &winner); err != nil {
			return RegistrationResult{}, fmt.Errorf("find winning attribution: %w", err)
		}
		s.metrics.Attribution("registration", "already_attributed")
		return RegistrationResult{
			PartnerID:         winner.PartnerID,
			TrackingID:        winner.ID,
			AlreadyRegistered: true,
		}, nil
	}
	if err != nil {
		return RegistrationResult{}, err
	}

	if result.AlreadyRegistered {
		s.metrics.Attribution("registration", "already_attributed")
		return result, nil
	}
	s.metrics.Attribution("registration", "attributed")
	s.rewardWritten(*result.Reward)
	s.Notify(ctx, newReferralNotification(*result.Reward))
	return result, nil
}

// AttributePurchase credits the partner a user is attributed to with a share of
// a paid enrollment. Each enrollment is rewarded at most once.
func (s *Service) AttributePurchase(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	if !in.Amount.IsPositive() {
		return PurchaseResult{}, apperrors.ErrInvalidAmount
	}
	if in.UserID == 0 || in.EnrollmentID == 0 {
		return PurchaseResult{}, apperrors.ErrInvalidInput
	}
	rewardAmount := PurchaseReward(in.Amount)

	var result PurchaseResult
	now := s.clock()
	err := s.storage.InTransaction(ctx, func(ctx context.Context) error {
		var tracking dbconnector.ReferralTracking
		err := s.storage.FindAttributionByUser(ctx, in.UserID, &tracking)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find attribution: %w", err)
		}
		result.Attributed = true
		result.PartnerID = tracking.PartnerID
		result.TrackingID = tracking.ID

		exists, err := s.storage.PurchaseRewardExists(ctx, in.EnrollmentID)
		if err != nil {
			return fmt.Errorf("check purchase reward: %w", err)
		}
		if exists {
			result.Duplicate = true
			return nil
		}

		if rewardAmount.IsPositive() {
			reward, err := s.credit(ctx, CreditRequest{
				PartnerID:    tracking.PartnerID,
				Type:         dbconnector.RewardPurchase,
				Amount:       rewardAmount,
				Description:  fmt.Sprintf("Purchase by user #%d, enrollment #%d, paid %s", in.UserID, in.EnrollmentID, in.Amount.StringFixed(2)),
				TrackingID:   uintPtr(tracking.ID),
				UserID:       uintPtr(in.UserID),
				EnrollmentID: uintPtr(in.EnrollmentID),
			})
			if err != nil {
				return err
			}
			result.Reward = &reward
		}

		if tracking.Status != dbconnector.TrackingPurchased {
			tracking.Status = dbconnector.TrackingPurchased
			tracking.PurchasedAt = timePtr(now)
			if err := s.storage.UpdateTracking(ctx, &tracking); err != nil {
				return fmt.Errorf("mark tracking purchased: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.metrics.Attribution("purchase", "duplicate")
		return PurchaseResult{Attributed: true, Duplicate: true}, nil
	}
	if err != nil {
		return PurchaseResult{}, err
	}

	switch {
	case !result.Attributed:
		s.metrics.Attribution("purchase", "unattributed")
	case result.Duplicate:
		s.metrics.Attribution("purchase", "duplicate")
	default:
		s.metrics.Attribution("purchase", "attributed")
	}
	if result.Reward != nil {
		s.rewardWritten(*result.Reward)
		s.Notify(ctx, purchaseRewardNotification(*result.Reward))
	}
	return result, nil
}
