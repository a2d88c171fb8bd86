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

// LevelBand bounds are inclusive; a nil max is unbounded.
type LevelBand struct {
	Level        dbconnector.Level
	MinReferrals int64
	MaxReferrals *int64
	MinEarnings  decimal.Decimal
	MaxEarnings  *decimal.Decimal
}

func (b LevelBand) contains(referrals int64, earnings decimal.Decimal) bool {
	if referrals < b.MinReferrals || (b.MaxReferrals != nil && referrals > *b.MaxReferrals) {
		return false
	}
	if earnings.LessThan(b.MinEarnings) || (b.MaxEarnings != nil && earnings.GreaterThan(*b.MaxEarnings)) {
		return false
	}
	return true
}

func int64Ptr(v int64) *int64 { return &v }

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// LevelBands is ordered from the highest tier down.
var LevelBands = []LevelBand{
	{Level: dbconnector.LevelExpert, MinReferrals: 50, MinEarnings: decimal.RequireFromString("2000")},
	{Level: dbconnector.LevelProfessional, MinReferrals: 25, MaxReferrals: int64Ptr(49), MinEarnings: decimal.RequireFromString("500"), MaxEarnings: decimalPtr("1999.99")},
	{Level: dbconnector.LevelActive, MinReferrals: 10, MaxReferrals: int64Ptr(24), MinEarnings: decimal.RequireFromString("100"), MaxEarnings: decimalPtr("499.99")},
	{Level: dbconnector.LevelNovice, MinReferrals: 0, MaxReferrals: int64Ptr(9), MinEarnings: decimal.Zero, MaxEarnings: decimalPtr("99.99")},
}

// Classify returns the first band, highest first, that contains both values.
// Inputs that fit no band, such as high earnings with few referrals, are novice.
func Classify(referralsCount int64, totalEarnings decimal.Decimal) dbconnector.Level {
	for _, band := range LevelBands {
		if band.contains(referralsCount, totalEarnings) {
			return band.Level
		}
	}
	return dbconnector.LevelNovice
}

// RefreshLevel recomputes the partner level from the ledger and stores it if it changed.
func (s *Service) RefreshLevel(ctx context.Context, partnerID uint) (dbconnector.Level, error) {
	var partner dbconnector.Partner
	if err := s.storage.GetPartnerByID(ctx, partnerID, &partner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperrors.ErrPartnerNotFound
		}
		return "", fmt.Errorf("get partner: %w", err)
	}
	counters, err := s.storage.GetTrackingCounters(ctx, partnerID)
	if err != nil {
		return "", fmt.Errorf("count referrals: %w", err)
	}
	return s.refreshLevel(ctx, partner, counters)
}

func (s *Service) refreshLevel(ctx context.Context, partner dbconnector.Partner, counters dbconnector.TrackingCounters) (dbconnector.Level, error) {
	level := Classify(counters.Referrals(), partner.TotalEarnings)
	if level == partner.Level {
		return level, nil
	}
	if err := s.storage.SetPartnerLevel(ctx, partner.ID, level); err != nil {
		return "", fmt.Errorf("set partner level: %w", err)
	}
	s.logger.Info("partner level changed",
		zap.Uint("partner_id", partner.ID),
		zap.String("from", string(partner.Level)),
		zap.String("to", string(level)),
	)
	s.Notify(ctx, levelChangedNotification(partner.ID, partner.Level, level))
	return level, nil
}
