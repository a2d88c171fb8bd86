package auth

import (
	"testing"
	"time"

	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("secret", time.Hour)

	token, err := m.Generate(42, RoleAdmin)
	require.NoError(t, err)

	id, role, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)
	assert.Equal(t, RoleAdmin, role)
}

func TestTokenRejected(t *testing.T) {
	m := NewTokenManager("secret", time.Hour)
	token, err := m.Generate(7, RolePartner)
	require.NoError(t, err)

	tests := []struct {
		name    string
		manager *TokenManager
		token   string
	}{
		{name: "wrong secret", manager: NewTokenManager("other", time.Hour), token: token},
		{name: "garbage", manager: m, token: "not-a-token"},
		{name: "empty", manager: m, token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.manager.Validate(tt.token)
			assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	}
}

func TestTokenExpired(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issued }
	token, err := m.Generate(1, RolePartner)
	require.NoError(t, err)

	m.now = time.Now
	_, _, err = m.Validate(token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}
