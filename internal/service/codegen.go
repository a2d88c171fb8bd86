package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"go.uber.org/zap"
)

const (
	ReferralCodeLength  = 8
	DefaultCodeAttempts = 10

	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var referralCodePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// GenerateCode draws an 8 character code uniformly from [A-Z0-9].
// Collisions are not checked here.
func GenerateCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(referralCodeAlphabet)))
	code := make([]byte, ReferralCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code[i] = referralCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

func ValidateCodeFormat(code string) bool {
	return referralCodePattern.MatchString(code)
}

// GenerateUniqueCode returns a code that no partner holds yet.
// maxAttempts <= 0 means DefaultCodeAttempts.
func (s *Service) GenerateUniqueCode(ctx context.Context, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultCodeAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := s.codeSource()
		if err != nil {
			return "", err
		}
		exists, err := s.storage.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.logger.Debug("referral code collision", zap.String("code", code), zap.Int("attempt", attempt))
	}
	return "", apperrors.ErrCodeGenerationExhausted
}
