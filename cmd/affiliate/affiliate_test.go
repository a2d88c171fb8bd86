package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/nailart-academy/referrals/internal/auth"
	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/nailart-academy/referrals/internal/models"
	"github.com/nailart-academy/referrals/internal/server"
	"github.com/nailart-academy/referrals/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const internalToken = "integration-secret"

type Config struct {
	Username string
	Password string
	DBName   string
}

type AffiliateTestSuite struct {
	suite.Suite
	db         *dbconnector.DBConnector
	svc        *service.Service
	router     *mux.Router
	postgres   testcontainers.Container
	ctx        context.Context
	adminToken string
}

func (suite *AffiliateTestSuite) SetupSuite() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test")
	}
	cfg := &Config{
		Username: "postgres",
		Password: "example",
		DBName:   "referrals",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite.ctx = context.Background()

	postgresContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:16-alpine"),
		tcpostgres.WithDatabase(cfg.DBName),
		tcpostgres.WithUsername(cfg.Username),
		tcpostgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(suite.T(), err)
	suite.postgres = postgresContainer

	host, err := postgresContainer.Host(ctx)
	require.NoError(suite.T(), err)
	port, err := postgresContainer.MappedPort(ctx, "5432")
	require.NoError(suite.T(), err)
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port.Port(), cfg.Username, cfg.Password, cfg.DBName)

	db, err := dbconnector.OpenDBConnect(dsn, zap.NewNop())
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), db.DBInitialize())
	suite.db = db

	suite.svc = service.NewService(db, zap.NewNop(), service.WithPasswordCost(bcrypt.MinCost))
	proxies, err := server.ParseTrustedProxies([]string{"192.0.2.1"})
	require.NoError(suite.T(), err)
	ls := server.NewServerSystem(suite.svc, auth.NewTokenManager("integration", time.Hour), zap.NewNop(),
		server.WithInternalToken(internalToken),
		server.WithTrustedProxies(proxies),
	)
	suite.router = ls.Router()
}

func (suite *AffiliateTestSuite) SetupTest() {
	require.NoError(suite.T(), suite.db.DeleteAllData(suite.ctx))
	_, err := suite.svc.EnsureAdmin(suite.ctx, "admin@nailart.test", "adminpass", "Admin")
	require.NoError(suite.T(), err)

	rr := suite.do("POST", "/api/admin/login", "", models.LoginRequest{Email: "admin@nailart.test", Password: "adminpass"})
	require.Equal(suite.T(), http.StatusOK, rr.Code, rr.Body.String())
	var token models.TokenResponse
	require.NoError(suite.T(), json.NewDecoder(rr.Body).Decode(&token))
	suite.adminToken = token.Token
}

func (suite *AffiliateTestSuite) TearDownSuite() {
	if suite.postgres == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(suite.T(), suite.db.Close())
	require.NoError(suite.T(), suite.postgres.Terminate(ctx))
}

func (suite *AffiliateTestSuite) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(suite.T(), json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	suite.router.ServeHTTP(rr, req)
	return rr
}

func (suite *AffiliateTestSuite) addPartner(email, code string) dbconnector.Partner {
	partner := dbconnector.Partner{
		Email:        email,
		PasswordHash: "x",
		ReferralCode: code,
		IsActive:     true,
		Level:        dbconnector.LevelNovice,
	}
	require.NoError(suite.T(), suite.db.AddPartner(suite.ctx, &partner))
	return partner
}

func (suite *AffiliateTestSuite) balance(partnerID uint) dbconnector.Partner {
	var partner dbconnector.Partner
	require.NoError(suite.T(), suite.db.GetPartnerByID(suite.ctx, partnerID, &partner))
	return partner
}

// Visit, registration and purchase through the HTTP surface against PostgreSQL.
func (suite *AffiliateTestSuite) TestReferralFunnel() {
	t := suite.T()
	partner := suite.addPartner("anna@nailart.test", "ABCD1234")

	rr := suite.do("GET", "/api/ref/ABCD1234/visit", "", nil, "User-Agent", "iPhone", "X-Forwarded-For", "198.51.100.4")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = suite.do("GET", "/api/ref/ABCD1234/visit", "", nil, "User-Agent", "iPhone", "X-Forwarded-For", "198.51.100.4")
	require.Equal(t, http.StatusOK, rr.Code)
	var visit models.VisitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&visit))
	assert.True(t, visit.AlreadyTracked)

	rr = suite.do("POST", "/api/internal/registrations", "", models.RegistrationRequest{
		Code: "ABCD1234", UserID: 42, IP: "198.51.100.4", UserAgent: "iPhone",
	}, "X-Internal-Token", internalToken)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var tracking dbconnector.ReferralTracking
	require.NoError(t, suite.db.FindAttributionByUser(suite.ctx, 42, &tracking))
	assert.Equal(t, dbconnector.TrackingRegistered, tracking.Status)
	assert.Equal(t, partner.ID, tracking.PartnerID)

	body := map[string]any{"user_id": 42, "enrollment_id": 500, "amount": "100.00"}
	for i := 0; i < 2; i++ {
		rr = suite.do("POST", "/api/internal/purchases", "", body, "X-Internal-Token", internalToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	require.NoError(t, suite.db.FindAttributionByUser(suite.ctx, 42, &tracking))
	assert.Equal(t, dbconnector.TrackingPurchased, tracking.Status)

	got := suite.balance(partner.ID)
	assert.True(t, got.CurrentBalance.Equal(decimal.RequireFromString("10.60")), got.CurrentBalance.String())
	assert.True(t, got.TotalEarnings.Equal(decimal.RequireFromString("10.60")), got.TotalEarnings.String())

	counters, err := suite.db.GetTrackingCounters(suite.ctx, partner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Purchased)
	assert.Equal(t, int64(0), counters.Visited)
}

func (suite *AffiliateTestSuite) TestWithdrawalLifecycle() {
	t := suite.T()
	partner := suite.addPartner("bella@nailart.test", "BELLA001")
	_, err := suite.svc.Credit(suite.ctx, service.CreditRequest{
		PartnerID: partner.ID, Type: dbconnector.RewardManual, Amount: decimal.RequireFromString("50.00"),
	})
	require.NoError(t, err)

	_, err = suite.svc.CreateWithdrawal(suite.ctx, service.WithdrawalInput{
		PartnerID: partner.ID, Amount: decimal.RequireFromString("60.00"), PaymentDetails: "card",
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	request, err := suite.svc.CreateWithdrawal(suite.ctx, service.WithdrawalInput{
		PartnerID: partner.ID, Amount: decimal.RequireFromString("40.00"), PaymentDetails: "card",
	})
	require.NoError(t, err)

	rr := suite.do("POST", fmt.Sprintf("/api/admin/withdrawals/%d/approve", request.ID), suite.adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = suite.do("POST", fmt.Sprintf("/api/admin/withdrawals/%d/paid", request.ID), suite.adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got := suite.balance(partner.ID)
	assert.True(t, got.CurrentBalance.Equal(decimal.RequireFromString("10.00")), got.CurrentBalance.String())
	assert.True(t, got.WithdrawnAmount.Equal(decimal.RequireFromString("40.00")), got.WithdrawnAmount.String())

	var rewards []dbconnector.RewardEntry
	require.NoError(t, suite.db.GetRewardsByPartnerID(suite.ctx, partner.ID, 10, &rewards))
	require.Len(t, rewards, 2)
	assert.True(t, rewards[0].Amount.Equal(decimal.RequireFromString("-40.00")))
}

func (suite *AffiliateTestSuite) TestOnePendingRequestUnderConcurrency() {
	t := suite.T()
	partner := suite.addPartner("cora@nailart.test", "CORA0001")
	_, err := suite.svc.Credit(suite.ctx, service.CreditRequest{
		PartnerID: partner.ID, Type: dbconnector.RewardManual, Amount: decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.svc.CreateWithdrawal(suite.ctx, service.WithdrawalInput{
				PartnerID: partner.ID, Amount: decimal.RequireFromString("10.00"), PaymentDetails: "card",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrDuplicatePendingRequest)
	}
	assert.Equal(t, 1, succeeded)
}

func (suite *AffiliateTestSuite) TestConcurrentRegistrationsAttributeOnce() {
	t := suite.T()
	first := suite.addPartner("dana@nailart.test", "DANA0001")
	second := suite.addPartner("eva@nailart.test", "EVA00001")

	var wg sync.WaitGroup
	results := make(chan service.RegistrationResult, 10)
	for i := 0; i < 10; i++ {
		code := first.ReferralCode
		if i%2 == 1 {
			code = second.ReferralCode
		}
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			result, err := suite.svc.TrackRegistration(suite.ctx, service.RegistrationInput{Code: code, UserID: 77})
			assert.NoError(t, err)
			results <- result
		}(code)
	}
	wg.Wait()
	close(results)

	var attribution dbconnector.ReferralTracking
	require.NoError(t, suite.db.FindAttributionByUser(suite.ctx, 77, &attribution))
	for result := range results {
		assert.Equal(t, attribution.PartnerID, result.PartnerID, "every caller sees the owning partner")
	}

	var rewards []dbconnector.RewardEntry
	total := 0
	for _, partner := range []dbconnector.Partner{first, second} {
		require.NoError(t, suite.db.GetRewardsByPartnerID(suite.ctx, partner.ID, 50, &rewards))
		total += len(rewards)
	}
	assert.Equal(t, 1, total, "exactly one registration reward for user 77")
}

func (suite *AffiliateTestSuite) TestBalanceGuard() {
	t := suite.T()
	partner := suite.addPartner("fay@nailart.test", "FAY00001")

	err := suite.db.ApplyBalanceDelta(suite.ctx, partner.ID, dbconnector.BalanceDelta{Balance: decimal.RequireFromString("-0.01")})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	err = suite.db.ApplyBalanceDelta(suite.ctx, 424242, dbconnector.BalanceDelta{Balance: decimal.RequireFromString("1")})
	assert.Error(t, err)

	assert.True(t, suite.balance(partner.ID).CurrentBalance.IsZero())
}

func (suite *AffiliateTestSuite) TestPurchaseRewardUniquePerEnrollment() {
	t := suite.T()
	partner := suite.addPartner("gia@nailart.test", "GIA00001")
	enrollment := uint(9)

	first := dbconnector.RewardEntry{PartnerID: partner.ID, EnrollmentID: &enrollment, RewardType: dbconnector.RewardPurchase,
		Amount: decimal.RequireFromString("1.00"), Status: dbconnector.RewardApproved}
	require.NoError(t, suite.db.AddReward(suite.ctx, &first))

	again := dbconnector.RewardEntry{PartnerID: partner.ID, EnrollmentID: &enrollment, RewardType: dbconnector.RewardPurchase,
		Amount: decimal.RequireFromString("1.00"), Status: dbconnector.RewardApproved}
	assert.Error(t, suite.db.AddReward(suite.ctx, &again))

	exists, err := suite.db.PurchaseRewardExists(suite.ctx, enrollment)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAffiliateSuite(t *testing.T) {
	suite.Run(t, new(AffiliateTestSuite))
}
