package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nailart-academy/referrals/internal/auth"
	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/nailart-academy/referrals/internal/metrics"
	"github.com/nailart-academy/referrals/internal/models"
	"github.com/nailart-academy/referrals/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ServerSystem struct {
	service       *service.Service
	tokens        *auth.TokenManager
	logger        *zap.Logger
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	limiter       *IPRateLimiter
	internalToken string
	proxies       TrustedProxies
}

type Option func(*ServerSystem)

func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(ls *ServerSystem) {
		ls.metrics = m
		ls.gatherer = gatherer
	}
}

func WithRateLimiter(limiter *IPRateLimiter) Option {
	return func(ls *ServerSystem) { ls.limiter = limiter }
}

func WithInternalToken(token string) Option {
	return func(ls *ServerSystem) { ls.internalToken = token }
}

func WithTrustedProxies(proxies TrustedProxies) Option {
	return func(ls *ServerSystem) { ls.proxies = proxies }
}

func NewServerSystem(svc *service.Service, tokens *auth.TokenManager, logger *zap.Logger, opts ...Option) *ServerSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	ls := &ServerSystem{service: svc, tokens: tokens, logger: logger}
	for _, opt := range opts {
		opt(ls)
	}
	return ls
}

func (ls *ServerSystem) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(ls.requestLogger)

	r.HandleFunc("/healthz", ls.HealthHandler).Methods("GET")
	if ls.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(ls.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/partners/register", ls.RegisterPartnerHandler).Methods("POST")
	api.HandleFunc("/partners/login", ls.LoginPartnerHandler).Methods("POST")
	api.HandleFunc("/ref/{code}/visit", ls.rateLimited(ls.VisitHandler)).Methods("GET", "POST")
	api.HandleFunc("/admin/login", ls.LoginAdminHandler).Methods("POST")

	internal := api.PathPrefix("/internal").Subrouter()
	internal.Use(ls.requireInternalToken)
	internal.HandleFunc("/registrations", ls.RegistrationHandler).Methods("POST")
	internal.HandleFunc("/purchases", ls.PurchaseHandler).Methods("POST")

	partner := api.PathPrefix("/partner").Subrouter()
	partner.Use(ls.requireRole(auth.RolePartner))
	partner.HandleFunc("/dashboard", ls.DashboardHandler).Methods("GET")
	partner.HandleFunc("/rewards", ls.GetRewardsHandler).Methods("GET")
	partner.HandleFunc("/withdrawals", ls.GetWithdrawalsHandler).Methods("GET")
	partner.HandleFunc("/withdrawals", ls.WithdrawHandler).Methods("POST")
	partner.HandleFunc("/notifications", ls.GetNotificationsHandler).Methods("GET")
	partner.HandleFunc("/notifications/read-all", ls.ReadAllNotificationsHandler).Methods("POST")
	partner.HandleFunc("/notifications/{id:[0-9]+}/read", ls.ReadNotificationHandler).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(ls.requireRole(auth.RoleAdmin))
	admin.HandleFunc("/withdrawals", ls.AdminWithdrawalsHandler).Methods("GET")
	admin.HandleFunc("/withdrawals/{id:[0-9]+}/approve", ls.ApproveHandler).Methods("POST")
	admin.HandleFunc("/withdrawals/{id:[0-9]+}/reject", ls.RejectHandler).Methods("POST")
	admin.HandleFunc("/withdrawals/{id:[0-9]+}/paid", ls.MarkPaidHandler).Methods("POST")
	admin.HandleFunc("/partners/{id:[0-9]+}/adjust", ls.AdjustBalanceHandler).Methods("POST")
	admin.HandleFunc("/partners/{id:[0-9]+}/active", ls.SetActiveHandler).Methods("POST")

	return r
}

func (ls *ServerSystem) MakeServer(serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      ls.Router(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartLimiterCleanup forgets per-ip buckets every interval until ctx is done.
func (ls *ServerSystem) StartLimiterCleanup(ctx context.Context, interval time.Duration) {
	if ls.limiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ls.limiter.Reset()
			}
		}
	}()
}

func (ls *ServerSystem) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// public

func (ls *ServerSystem) RegisterPartnerHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	partner, err := ls.service.RegisterPartner(r.Context(), service.PartnerRegistration{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	ls.issueToken(w, r, partner.ID, auth.RolePartner, http.StatusCreated)
}

func (ls *ServerSystem) LoginPartnerHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	partner, err := ls.service.LoginPartner(r.Context(), req.Email, req.Password)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	ls.issueToken(w, r, partner.ID, auth.RolePartner, http.StatusOK)
}

func (ls *ServerSystem) LoginAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	admin, err := ls.service.LoginAdmin(r.Context(), req.Email, req.Password)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	ls.issueToken(w, r, admin.ID, auth.RoleAdmin, http.StatusOK)
}

func (ls *ServerSystem) issueToken(w http.ResponseWriter, r *http.Request, id uint, role auth.Role, status int) {
	token, err := ls.tokens.Generate(id, role)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	w.Header().Set("Authorization", "Bearer "+token)
	writeJSON(w, status, models.TokenResponse{Token: token})
}

func (ls *ServerSystem) VisitHandler(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	result, err := ls.service.TrackVisit(r.Context(), code, ls.clientIP(r), r.UserAgent())
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := models.VisitResponse{
		Tracked:        !result.AlreadyTracked,
		AlreadyTracked: result.AlreadyTracked,
		TrackingID:     result.TrackingID,
	}
	if result.Reward != nil {
		resp.Reward = result.Reward.Amount.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, resp)
}

// internal

func (ls *ServerSystem) RegistrationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	result, err := ls.service.TrackRegistration(r.Context(), service.RegistrationInput{
		Code:      req.Code,
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := models.RegistrationResponse{
		PartnerID:         result.PartnerID,
		TrackingID:        result.TrackingID,
		AlreadyRegistered: result.AlreadyRegistered,
	}
	status := http.StatusOK
	if result.Reward != nil {
		resp.Reward = result.Reward.Amount.StringFixed(2)
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (ls *ServerSystem) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	result, err := ls.service.AttributePurchase(r.Context(), service.PurchaseInput{
		UserID:       req.UserID,
		EnrollmentID: req.EnrollmentID,
		Amount:       req.Amount,
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := models.PurchaseResponse{
		Attributed: result.Attributed,
		Duplicate:  result.Duplicate,
		PartnerID:  result.PartnerID,
	}
	if result.Reward != nil {
		resp.Reward = result.Reward.Amount.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, resp)
}

// partner

func (ls *ServerSystem) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	dashboard, err := ls.service.Dashboard(r.Context(), subjectID(r))
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := models.DashboardResponse{
		Partner: models.NewPartnerResponse(dashboard.Partner),
		Counters: models.CountersResponse{
			Visits:     dashboard.Counters.Visited + dashboard.Counters.Referrals(),
			Referrals:  dashboard.Counters.Referrals(),
			Registered: dashboard.Counters.Registered,
			Purchased:  dashboard.Counters.Purchased,
		},
	}
	if dashboard.PendingWithdrawal != nil {
		pending := models.NewWithdrawalResponse(*dashboard.PendingWithdrawal)
		resp.PendingWithdrawal = &pending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ls *ServerSystem) GetRewardsHandler(w http.ResponseWriter, r *http.Request) {
	rewards, err := ls.service.ListRewards(r.Context(), subjectID(r), queryLimit(r))
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := make([]models.RewardResponse, len(rewards))
	for i, reward := range rewards {
		resp[i] = models.NewRewardResponse(reward)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ls *ServerSystem) GetWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := ls.service.ListWithdrawals(r.Context(), dbconnector.WithdrawalFilter{
		PartnerID: subjectID(r),
		Limit:     queryLimit(r),
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponses(withdrawals))
}

func (ls *ServerSystem) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	withdrawal, err := ls.service.CreateWithdrawal(r.Context(), service.WithdrawalInput{
		PartnerID:      subjectID(r),
		Amount:         req.Amount,
		PaymentDetails: req.PaymentDetails,
		TelegramTag:    req.TelegramTag,
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewWithdrawalResponse(withdrawal))
}

func (ls *ServerSystem) GetNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	notifications, err := ls.service.ListNotifications(r.Context(), subjectID(r), unreadOnly, queryLimit(r))
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	resp := make([]models.NotificationResponse, len(notifications))
	for i, n := range notifications {
		resp[i] = models.NewNotificationResponse(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ls *ServerSystem) ReadNotificationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	if err := ls.service.MarkNotificationRead(r.Context(), subjectID(r), id); err != nil {
		ls.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ls *ServerSystem) ReadAllNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	if err := ls.service.MarkAllNotificationsRead(r.Context(), subjectID(r)); err != nil {
		ls.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// admin

func (ls *ServerSystem) AdminWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	filter := dbconnector.WithdrawalFilter{
		Status: dbconnector.WithdrawalStatus(r.URL.Query().Get("status")),
		Limit:  queryLimit(r),
	}
	switch filter.Status {
	case "", dbconnector.WithdrawalPending, dbconnector.WithdrawalApproved,
		dbconnector.WithdrawalRejected, dbconnector.WithdrawalPaid:
	default:
		ls.writeError(w, r, apperrors.ErrInvalidInput)
		return
	}
	withdrawals, err := ls.service.ListWithdrawals(r.Context(), filter)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponses(withdrawals))
}

func (ls *ServerSystem) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	ls.processWithdrawal(w, r, func(id uint) (dbconnector.WithdrawalRequest, error) {
		return ls.service.Approve(r.Context(), id, subjectID(r))
	})
}

func (ls *ServerSystem) RejectHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			ls.writeError(w, r, err)
			return
		}
	}
	ls.processWithdrawal(w, r, func(id uint) (dbconnector.WithdrawalRequest, error) {
		return ls.service.Reject(r.Context(), id, subjectID(r), req.Notes)
	})
}

func (ls *ServerSystem) MarkPaidHandler(w http.ResponseWriter, r *http.Request) {
	ls.processWithdrawal(w, r, func(id uint) (dbconnector.WithdrawalRequest, error) {
		return ls.service.MarkPaid(r.Context(), id, subjectID(r))
	})
}

func (ls *ServerSystem) processWithdrawal(w http.ResponseWriter, r *http.Request, action func(id uint) (dbconnector.WithdrawalRequest, error)) {
	id, err := pathID(r)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	withdrawal, err := action(id)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewWithdrawalResponse(withdrawal))
}

func (ls *ServerSystem) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	var req models.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	entry, err := ls.service.Credit(r.Context(), service.CreditRequest{
		PartnerID:   id,
		Type:        dbconnector.RewardManual,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewRewardResponse(entry))
}

func (ls *ServerSystem) SetActiveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	var req models.ActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		ls.writeError(w, r, err)
		return
	}
	if err := ls.service.SetPartnerActive(r.Context(), id, *req.Active); err != nil {
		ls.writeError(w, r, err)
		return
	}
	partner, err := ls.service.GetPartner(r.Context(), id)
	if err != nil {
		ls.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewPartnerResponse(partner))
}

func withdrawalResponses(withdrawals []dbconnector.WithdrawalRequest) []models.WithdrawalResponse {
	resp := make([]models.WithdrawalResponse, len(withdrawals))
	for i, withdrawal := range withdrawals {
		resp[i] = models.NewWithdrawalResponse(withdrawal)
	}
	return resp
}
