package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RewardsCredited       *prometheus.CounterVec
	RewardAmount          *prometheus.CounterVec
	Visits                *prometheus.CounterVec
	Attributions          *prometheus.CounterVec
	WithdrawalTransitions *prometheus.CounterVec
	NotificationFailures  prometheus.Counter

	HttpRequestsTotal     *prometheus.CounterVec
	ResponseTimeHistogram *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RewardsCredited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_rewards_total",
				Help: "Number of reward entries written to the ledger",
			},
			[]string{"type"},
		),
		RewardAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_reward_amount_total",
				Help: "Sum of absolute reward amounts written to the ledger",
			},
			[]string{"type"},
		),
		Visits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_visits_total",
				Help: "Tracked referral visits by outcome",
			},
			[]string{"outcome"},
		),
		Attributions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_attributions_total",
				Help: "Registration and purchase attributions by outcome",
			},
			[]string{"kind", "outcome"},
		),
		WithdrawalTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_withdrawal_transitions_total",
				Help: "Withdrawal requests entering each status",
			},
			[]string{"status"},
		),
		NotificationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "referral_notification_failures_total",
				Help: "Notifications that could not be stored",
			},
		),
		HttpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		ResponseTimeHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_time_seconds",
				Help:    "Histogram of response times",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (m *Metrics) RewardCredited(rewardType string, amount float64) {
	if m == nil {
		return
	}
	m.RewardsCredited.WithLabelValues(rewardType).Inc()
	if amount < 0 {
		amount = -amount
	}
	m.RewardAmount.WithLabelValues(rewardType).Add(amount)
}

func (m *Metrics) Visit(outcome string) {
	if m == nil {
		return
	}
	m.Visits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Attribution(kind, outcome string) {
	if m == nil {
		return
	}
	m.Attributions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) WithdrawalTransition(status string) {
	if m == nil {
		return
	}
	m.WithdrawalTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

func (m *Metrics) ObserveRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HttpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.ResponseTimeHistogram.WithLabelValues(method, path).Observe(seconds)
}
