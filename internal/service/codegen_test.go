package service

import (
	"context"
	"testing"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/nailart-academy/referrals/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, ReferralCodeLength)
		assert.True(t, ValidateCodeFormat(code), code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190, "codes should not repeat in a small sample")
}

func TestValidateCodeFormat(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABCD1234", true},
		{"00000000", true},
		{"ZZZZZZZZ", true},
		{"abcd1234", false},
		{"ABCD123", false},
		{"ABCD12345", false},
		{"ABCD-123", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateCodeFormat(tt.code))
		})
	}
}

func TestGenerateUniqueCodeSkipsTakenCodes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.AddPartner(ctx, &dbconnector.Partner{Email: "a@nailart.test", ReferralCode: "TAKEN001"}))
	require.NoError(t, store.AddPartner(ctx, &dbconnector.Partner{Email: "b@nailart.test", ReferralCode: "TAKEN002"}))

	codes := []string{"TAKEN001", "TAKEN002", "FRESH001"}
	svc := NewService(store, nil, WithCodeSource(func() (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}))

	code, err := svc.GenerateUniqueCode(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "FRESH001", code)

	exists, err := store.ReferralCodeExists(ctx, code)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGenerateUniqueCodeNeverReturnsStoredCode(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewService(store, nil)

	for i := 0; i < 50; i++ {
		code, err := svc.GenerateUniqueCode(ctx, 0)
		require.NoError(t, err)
		exists, err := store.ReferralCodeExists(ctx, code)
		require.NoError(t, err)
		require.False(t, exists)
		require.NoError(t, store.AddPartner(ctx, &dbconnector.Partner{Email: code + "@nailart.test", ReferralCode: code}))
	}
}

func TestGenerateUniqueCodeExhausted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.AddPartner(ctx, &dbconnector.Partner{Email: "a@nailart.test", ReferralCode: "SAME0001"}))

	calls := 0
	svc := NewService(store, nil, WithCodeSource(func() (string, error) {
		calls++
		return "SAME0001", nil
	}))

	_, err := svc.GenerateUniqueCode(ctx, 3)
	assert.ErrorIs(t, err, apperrors.ErrCodeGenerationExhausted)
	assert.Equal(t, 3, calls)
}
