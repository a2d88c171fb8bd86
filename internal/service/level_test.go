package service

import (
	"testing"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		referrals int64
		earnings  string
		want      dbconnector.Level
	}{
		{"zero", 0, "0", dbconnector.LevelNovice},
		{"novice upper bound", 9, "99.99", dbconnector.LevelNovice},
		{"active lower bound", 10, "100", dbconnector.LevelActive},
		{"active upper bound", 24, "499.99", dbconnector.LevelActive},
		{"professional lower bound", 25, "500", dbconnector.LevelProfessional},
		{"professional upper bound", 49, "1999.99", dbconnector.LevelProfessional},
		{"expert lower bound", 50, "2000", dbconnector.LevelExpert},
		{"expert", 60, "3000", dbconnector.LevelExpert},
		{"referrals without earnings", 30, "50", dbconnector.LevelNovice},
		{"earnings without referrals", 2, "5000", dbconnector.LevelNovice},
		{"mixed bands", 30, "150", dbconnector.LevelNovice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			earnings := decimal.RequireFromString(tt.earnings)
			assert.Equal(t, tt.want, Classify(tt.referrals, earnings))
			assert.Equal(t, Classify(tt.referrals, earnings), Classify(tt.referrals, earnings))
		})
	}
}

func TestPurchaseReward(t *testing.T) {
	tests := []struct {
		paid string
		want string
	}{
		{"100.00", "10.00"},
		{"49.99", "5.00"},
		{"0.04", "0.00"},
		{"0.05", "0.01"},
		{"1234.56", "123.46"},
	}
	for _, tt := range tests {
		t.Run(tt.paid, func(t *testing.T) {
			got := PurchaseReward(decimal.RequireFromString(tt.paid))
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}
