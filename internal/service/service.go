package service

import (
	"time"

	"github.com/nailart-academy/referrals/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service holds the referral ledger operations: tracking, rewards,
// withdrawals, levels and the partner activity feed.
type Service struct {
	storage    Storage
	guard      VisitGuard
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	codeSource func() (string, error)
	hashCost   int
}

type Option func(*Service)

func WithVisitGuard(guard VisitGuard) Option {
	return func(s *Service) { s.guard = guard }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCodeSource(source func() (string, error)) Option {
	return func(s *Service) { s.codeSource = source }
}

// WithPasswordCost sets the bcrypt cost for partner and admin passwords.
func WithPasswordCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

func NewService(storage Storage, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		storage:    storage,
		logger:     logger,
		now:        time.Now,
		codeSource: GenerateCode,
		hashCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func uintPtr(v uint) *uint {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
