// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_purchases_total",
			Help: "Purchases recorded by the commission engine",
		},
		[]string{"package"},
	)

	CommissionAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_commission_amount_total",
			Help: "Commission created, in currency units",
		},
		[]string{"kind"},
	)

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_order_transitions_total",
			Help: "Payment orders entering each status",
		},
		[]string{"status"},
	)

	WithdrawalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_withdrawal_transitions_total",
			Help: "Withdrawal requests entering each status",
		},
		[]string{"status"},
	)

	PayoutAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_payout_attempts_total",
			Help: "Payout rail calls by result",
		},
		[]string{"result"},
	)

	StuckWithdrawals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affiliate_withdrawals_stuck",
			Help: "Withdrawals in processing that exhausted their settlement attempts",
		},
	)

	IntegrityErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_integrity_errors_total",
			Help: "Rejected writes that indicate a caller bug or a race",
		},
		[]string{"kind"},
	)
)
